package exec

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hsx-systems/hsx/common"
)

// Category identifies an event's kind and, with it, the drop/coalesce
// policy applied under back-pressure.
type Category uint8

const (
	CategoryStopped Category = iota
	CategoryContinued
	CategoryBreak
	CategoryFault
	CategorySvcError
	CategoryValueChanged
	CategoryValueRegistered
	CategoryCmdInvoked
	CategoryCmdCompleted
	CategoryMailboxOverflow
	CategoryTraceStep
	CategoryTelemetry
)

var categoryNames = [...]string{
	"stopped", "continued", "break", "fault", "svc_error",
	"value_changed", "value_registered", "cmd_invoked", "cmd_completed",
	"mailbox_overflow", "trace_step", "telemetry",
}

func (c Category) String() string {
	if int(c) >= len(categoryNames) {
		return "unknown"
	}
	return categoryNames[c]
}

// droppable reports whether back-pressure may discard this category.
// stopped, break, fault, and cmd_completed must always reach the client —
// the first three report a task that is no longer running, the last the
// end of a command invocation.
func (c Category) droppable() bool {
	switch c {
	case CategoryStopped, CategoryBreak, CategoryFault, CategoryCmdCompleted:
		return false
	default:
		return true
	}
}

// coalesces reports whether a new event of this category replaces the
// pending (unacked) event of the same category (value_changed) rather than
// queuing both or dropping the newest (trace_step).
func (c Category) coalesces() bool { return c == CategoryValueChanged }

// minEmitInterval is the per-category rate limit: a droppable category
// arriving faster than this is coalesced/dropped by its usual policy even
// when the ring still has room, so a hot value or a busy trace doesn't
// monopolize the ACK window between polls of a slow client.
var minEmitInterval = map[Category]time.Duration{
	CategoryValueChanged: 20 * time.Millisecond,
	CategoryTraceStep:    5 * time.Millisecond,
}

// Event is one serialized item in a session's event stream.
type Event struct {
	Seq      uint64
	Category Category
	Body     interface{}
	acked    bool
}

// Session is a single attached debugger session: sequence counter, bounded
// ring, and reconnect/keepalive state. Only one Session may be attached to
// an Executive at a time. A Session carries its own lock so subsystem
// callbacks (registry mutation hooks, mailbox overflow) can emit from any
// calling context without holding the executive's scheduler lock.
type Session struct {
	ID common.SessionID

	mu        sync.Mutex
	ring      []Event
	ringCap   int
	nextSeq   uint64
	ackedThru uint64
	lastTouch time.Time
	grace     time.Duration

	dropCounts map[Category]uint64
	lastEmit   map[Category]time.Time

	deliver func(Event) // host transport callback; nil drops events silently in tests
}

// Attach creates and installs a new session, failing with ErrSessionLocked
// if one is already attached: at most one debugger holds the session lock
// until it closes or its keepalive lapses.
func (e *Executive) Attach(deliver func(Event)) (*Session, error) {
	e.sessMu.Lock()
	defer e.sessMu.Unlock()
	if e.session != nil {
		return nil, common.ErrSessionLocked
	}
	s := &Session{
		ID:         common.SessionID(uuid.NewString()),
		ringCap:    e.Config.Budgets.EventRingSize,
		lastTouch:  time.Now(),
		grace:      e.Config.Debug.KeepaliveGrace(),
		dropCounts: make(map[Category]uint64),
		lastEmit:   make(map[Category]time.Time),
		deliver:    deliver,
	}
	e.session = s
	return s, nil
}

// Detach releases the session lock.
func (e *Executive) Detach(id common.SessionID) error {
	e.sessMu.Lock()
	defer e.sessMu.Unlock()
	if e.session == nil || e.session.ID != id {
		return common.ErrNoSession
	}
	e.session = nil
	return nil
}

// Reattach resumes an existing session within its keepalive grace window,
// replaying unacknowledged non-droppable events; outside the grace period
// the session is terminated and its state reset.
func (e *Executive) Reattach(id common.SessionID, deliver func(Event)) (*Session, error) {
	e.sessMu.Lock()
	defer e.sessMu.Unlock()
	if e.session == nil || e.session.ID != id {
		return nil, common.ErrNoSession
	}
	s := e.session
	s.mu.Lock()
	defer s.mu.Unlock()
	if time.Since(s.lastTouch) > s.grace {
		e.session = nil
		return nil, common.ErrNoSession
	}
	s.deliver = deliver
	s.lastTouch = time.Now()
	for _, ev := range s.ring {
		if !ev.acked && !ev.Category.droppable() {
			if s.deliver != nil {
				s.deliver(ev)
			}
		}
	}
	return s, nil
}

// hasSession reports whether a debugger is currently attached.
func (e *Executive) hasSession() bool {
	e.sessMu.Lock()
	defer e.sessMu.Unlock()
	return e.session != nil
}

// sessionEmit forwards ev to the attached session's event stream, if any.
// Safe to call from any context, including subsystem callbacks running
// under the scheduler lock.
func (e *Executive) sessionEmit(ev Event) {
	e.sessMu.Lock()
	s := e.session
	e.sessMu.Unlock()
	if s != nil {
		s.emit(ev)
	}
}

// emit appends an event to the session's ring, applying the per-category
// rate limit and the coalesce/drop policy: value_changed replaces its
// pending entry (both when it arrives faster than minEmitInterval and when
// the ring is full), trace_step is dropped with a counter bump under
// either condition, and the non-droppable categories are never
// rate-limited or dropped — when the ring is full and no acked entry can
// be reclaimed to make room, the ring simply grows past ringCap for them
// rather than losing one.
func (s *Session) emit(ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ev.Seq = s.nextSeq
	s.nextSeq++

	// value_changed always replaces its pending (unacked) entry: "latest
	// value wins" holds whether or not the ring is full or the rate limit
	// is engaged, since there is never a reason to deliver a stale value
	// once a newer one exists.
	if ev.Category.coalesces() {
		if idx := s.findPendingLocked(ev.Category); idx >= 0 {
			s.ring[idx] = ev
			if !s.rateLimitedLocked(ev.Category) && s.deliver != nil {
				s.lastEmit[ev.Category] = time.Now()
				s.deliver(ev)
			}
			return
		}
	}

	if ev.Category.droppable() && s.rateLimitedLocked(ev.Category) {
		s.dropCounts[ev.Category]++
		return
	}

	if len(s.ring) >= s.ringCap {
		if ev.Category.droppable() {
			s.dropCounts[ev.Category]++
			return
		}
		// Never-dropped category: evict the oldest acked entry to make
		// room; if none exists, fall through and let the ring grow rather
		// than lose an unacknowledged stopped/fault/cmd_completed.
		s.evictOneLocked()
	}

	s.ring = append(s.ring, ev)
	s.lastEmit[ev.Category] = time.Now()
	if s.deliver != nil {
		s.deliver(ev)
	}
}

// rateLimitedLocked reports whether ev's category last emitted more
// recently than its configured minEmitInterval.
func (s *Session) rateLimitedLocked(cat Category) bool {
	limit, ok := minEmitInterval[cat]
	if !ok {
		return false
	}
	last, seen := s.lastEmit[cat]
	return seen && time.Since(last) < limit
}

func (s *Session) findPendingLocked(cat Category) int {
	for i, ev := range s.ring {
		if ev.Category == cat && !ev.acked {
			return i
		}
	}
	return -1
}

// evictOneLocked reclaims the oldest acked ring entry, if any, to make
// room for an incoming event. If every entry is still unacknowledged it
// does nothing: the caller appends anyway, growing the ring rather than
// dropping an event a never-drop category must not lose.
func (s *Session) evictOneLocked() {
	for i, ev := range s.ring {
		if ev.acked {
			s.ring = append(s.ring[:i], s.ring[i+1:]...)
			return
		}
	}
}

// Ack marks every event up to and including seq as acknowledged, advancing
// the outstanding-ACK window.
func (s *Session) Ack(seq uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.ring {
		if s.ring[i].Seq <= seq {
			s.ring[i].acked = true
		}
	}
	if seq > s.ackedThru {
		s.ackedThru = seq
	}
}

// Touch refreshes the keepalive timer; called on every inbound control-plane
// message for the attached session.
func (s *Session) Touch() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastTouch = time.Now()
}
