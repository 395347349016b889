package mailbox

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/hsx-systems/hsx/common"
	"github.com/hsx-systems/hsx/event"
	"github.com/hsx-systems/hsx/log"
)

// PressureEvent is published once per threshold crossing when aggregate
// allocated capacity exceeds the configured budget fraction.
type PressureEvent struct {
	UsedBytes, BudgetBytes int
}

// Table owns every live mailbox, keyed by both its stable handle and its
// namespaced name, and tracks ownership so a task exit can release
// everything it created. Subscribers hold integer handles, never pointers,
// so closing a mailbox can never leave a dangling reference cycle —
// resolution of a stale handle just returns BadHandle.
type Table struct {
	mu sync.Mutex

	byHandle map[common.MailboxHandle]*Mailbox
	byName   map[string]common.MailboxHandle
	byOwner  map[common.PID]map[common.MailboxHandle]struct{}
	next     common.MailboxHandle

	budgetBytes   int
	pressureFired bool
	PressureFeed  event.Feed

	// OnOverflow, when set, receives one OverflowEvent per fan-out
	// saturation episode across every mailbox in the table. Called with
	// the affected mailbox's lock held; the callback must not re-enter
	// the mailbox subsystem.
	OnOverflow func(OverflowEvent)
}

// NewTable builds an empty mailbox table with the given aggregate capacity
// budget, tracked in bytes of allocated queue capacity for the 80%
// pressure threshold.
func NewTable(budgetBytes int) *Table {
	return &Table{
		byHandle:    make(map[common.MailboxHandle]*Mailbox),
		byName:      make(map[string]common.MailboxHandle),
		byOwner:     make(map[common.PID]map[common.MailboxHandle]struct{}),
		budgetBytes: budgetBytes,
	}
}

func namespaceOf(name string) Namespace {
	switch {
	case strings.HasPrefix(name, "svc:"):
		return NamespaceSvc
	case strings.HasPrefix(name, "pid:"):
		return NamespacePID
	case strings.HasPrefix(name, "app:"):
		return NamespaceApp
	default:
		return NamespaceShared
	}
}

// ownerOf resolves the implicit owner for pid:<n>: namespaced names.
func ownerOf(name string, creator common.PID) (common.PID, error) {
	if !strings.HasPrefix(name, "pid:") {
		return creator, nil
	}
	rest := strings.TrimPrefix(name, "pid:")
	idx := strings.IndexByte(rest, ':')
	if idx < 0 {
		return 0, common.ErrMetadataInvalid
	}
	n, err := strconv.ParseUint(rest[:idx], 10, 16)
	if err != nil {
		return 0, common.ErrMetadataInvalid
	}
	return common.PID(n), nil
}

// Create allocates a new mailbox. owner 0 is valid for svc:/shared: names.
func (t *Table) Create(name string, capacityBytes int, mode Mode, owner common.PID) (common.MailboxHandle, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, exists := t.byName[name]; exists {
		return 0, common.ErrExists
	}
	if len(t.byHandle) >= maxMailboxSlots {
		return 0, common.ErrOutOfSlots
	}

	ns := namespaceOf(name)
	switch ns {
	case NamespaceSvc, NamespaceShared:
		owner = 0 // system-owned; survives the creating task
	case NamespacePID:
		resolved, err := ownerOf(name, owner)
		if err != nil {
			return 0, err
		}
		owner = resolved
	}
	t.next++
	handle := t.next
	mb := newMailbox(handle, name, ns, capacityBytes, mode, owner)
	mb.onOverflow = func(ev OverflowEvent) {
		if t.OnOverflow != nil {
			t.OnOverflow(ev)
		}
	}
	t.byHandle[handle] = mb
	t.byName[name] = handle
	if t.byOwner[owner] == nil {
		t.byOwner[owner] = make(map[common.MailboxHandle]struct{})
	}
	t.byOwner[owner][handle] = struct{}{}

	if mb.isFanout() {
		mb.bindReader(handle, mode) // the creator is implicitly the first bound reader
	}

	t.checkPressure()
	log.Debug("mailbox created", "name", name, "handle", handle, "mode", mode)
	return handle, nil
}

// maxMailboxSlots caps the number of live mailboxes in every table. It is a
// constant: no configuration value changes it.
const maxMailboxSlots = 64

// Open resolves name to an existing mailbox's handle.
func (t *Table) Open(name string) (common.MailboxHandle, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	h, ok := t.byName[name]
	if !ok {
		return 0, common.ErrNoSuchMailbox
	}
	return h, nil
}

func (t *Table) lookup(h common.MailboxHandle) (*Mailbox, error) {
	t.mu.Lock()
	mb, ok := t.byHandle[h]
	t.mu.Unlock()
	if !ok {
		return nil, common.ErrBadHandle
	}
	return mb, nil
}

// BindReader registers readerHandle as an additional fan-out subscriber of
// handle with its own delivery mode, independent of the mailbox's declared
// mode or any other bound reader's.
func (t *Table) BindReader(handle, readerHandle common.MailboxHandle, mode Mode) error {
	mb, err := t.lookup(handle)
	if err != nil {
		return err
	}
	if !mb.isFanout() {
		return common.ErrPermission
	}
	mb.bindReader(readerHandle, mode)
	return nil
}

// Send writes payload to the mailbox identified by handle.
func (t *Table) Send(ctx context.Context, handle common.MailboxHandle, payload []byte, blocking bool) (int, error) {
	mb, err := t.lookup(handle)
	if err != nil {
		return 0, err
	}
	return mb.Send(ctx, payload, blocking)
}

// Recv reads into out from the mailbox identified by handle, blocking per
// timeout's sign/zero convention (negative: infinite, zero: poll, positive:
// bounded wait).
func (t *Table) Recv(ctx context.Context, handle common.MailboxHandle, out []byte, timeout time.Duration) (int, error) {
	mb, err := t.lookup(handle)
	if err != nil {
		return 0, err
	}
	return mb.recv(ctx, handle, out, timeout)
}

// Peek copies the head message without consuming it.
func (t *Table) Peek(handle common.MailboxHandle, out []byte) (int, error) {
	mb, err := t.lookup(handle)
	if err != nil {
		return 0, err
	}
	return mb.peek(out)
}

// Tap subscribes an observer to every send on handle.
func (t *Table) Tap(handle common.MailboxHandle) (<-chan []byte, error) {
	mb, err := t.lookup(handle)
	if err != nil {
		return nil, err
	}
	if !mb.Mode.Has(TAP) {
		return nil, common.ErrPermission
	}
	return mb.tap(), nil
}

// Close tombstones handle, waking every parked waiter with Closed and
// removing the name binding so subsequent Open/Create see it as gone.
func (t *Table) Close(handle common.MailboxHandle) error {
	t.mu.Lock()
	mb, ok := t.byHandle[handle]
	if !ok {
		t.mu.Unlock()
		return common.ErrBadHandle
	}
	delete(t.byHandle, handle)
	delete(t.byName, mb.Name)
	if owners, ok := t.byOwner[mb.OwnerPID]; ok {
		delete(owners, handle)
	}
	t.mu.Unlock()

	mb.close()
	return nil
}

// CloseOwnedBy releases every mailbox owned by pid on task exit, waking
// each mailbox's pending waiters with Closed.
func (t *Table) CloseOwnedBy(pid common.PID) {
	t.mu.Lock()
	owned := t.byOwner[pid]
	handles := make([]common.MailboxHandle, 0, len(owned))
	for h := range owned {
		handles = append(handles, h)
	}
	t.mu.Unlock()

	for _, h := range handles {
		_ = t.Close(h)
	}
}

// Info is the read-only summary of one live mailbox, for mbox.list/inspect.
type Info struct {
	Handle    common.MailboxHandle
	Name      string
	Namespace Namespace
	Capacity  int
	Mode      Mode
	OwnerPID  common.PID
	Stats     Stats
}

// List returns a snapshot summary of every live mailbox.
func (t *Table) List() []Info {
	t.mu.Lock()
	mbs := make([]*Mailbox, 0, len(t.byHandle))
	for _, mb := range t.byHandle {
		mbs = append(mbs, mb)
	}
	t.mu.Unlock()

	out := make([]Info, 0, len(mbs))
	for _, mb := range mbs {
		out = append(out, Info{
			Handle:    mb.Handle,
			Name:      mb.Name,
			Namespace: mb.Namespace,
			Capacity:  mb.Capacity,
			Mode:      mb.Mode,
			OwnerPID:  mb.OwnerPID,
			Stats:     mb.Snapshot(),
		})
	}
	return out
}

// Stats returns a snapshot of handle's counters.
func (t *Table) Stats(handle common.MailboxHandle) (Stats, error) {
	mb, err := t.lookup(handle)
	if err != nil {
		return Stats{}, err
	}
	return mb.Snapshot(), nil
}

// checkPressure emits a mailbox_pressure telemetry event once when
// aggregate allocated capacity crosses 80% of budget, and clears the latch
// once usage falls back under it.
func (t *Table) checkPressure() {
	used := 0
	for _, mb := range t.byHandle {
		used += mb.Capacity
	}
	if t.budgetBytes <= 0 {
		return
	}
	ratio := float64(used) / float64(t.budgetBytes)
	if ratio >= 0.8 && !t.pressureFired {
		t.pressureFired = true
		// Fire-and-forget: Feed.Send blocks until every subscriber has
		// received, and checkPressure runs with the table lock held.
		go t.PressureFeed.Send(PressureEvent{UsedBytes: used, BudgetBytes: t.budgetBytes})
		log.Warn("mailbox table pressure", "used", used, "budget", t.budgetBytes)
	} else if ratio < 0.8 {
		t.pressureFired = false
	}
}
