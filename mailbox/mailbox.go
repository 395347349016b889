package mailbox

import (
	"context"
	"sync"
	"time"

	"github.com/hsx-systems/hsx/common"
	"github.com/hsx-systems/hsx/log"
)

// Stats tracks the lifetime counters a mailbox reports via mbox.inspect.
type Stats struct {
	Sends, Receives, Drops, Overflows uint64
	HighWater                         int
}

// waiter is a parked first-reader consumer. send direct-hands a message to
// the oldest compatible waiter rather than round-tripping it through the
// queue, so FIFO order among waiters is exact.
type waiter struct {
	result    chan []byte
	closed    chan struct{}
	closeOnce sync.Once
}

// abandon marks the waiter dead (timeout, cancellation, or mailbox close).
// Safe to call from both the waiter's own goroutine and the mailbox's
// close path.
func (w *waiter) abandon() {
	w.closeOnce.Do(func() { close(w.closed) })
}

// reader is one bound fan-out subscriber: an independent per-reader ring so
// a slow reader never steals frames a fast one already consumed.
type reader struct {
	handle   common.MailboxHandle
	mode     Mode
	queue    [][]byte
	waiters  []*waiter
	drops    uint64
	overflow bool          // latched for the current saturation episode
	notify   chan struct{} // closed and replaced whenever recv frees a slot
}

func newReader(handle common.MailboxHandle, mode Mode) *reader {
	return &reader{handle: handle, mode: mode, notify: make(chan struct{})}
}

func (r *reader) wakeRoom() {
	close(r.notify)
	r.notify = make(chan struct{})
}

// Mailbox is one namespaced queue. All operations hold mu; the design
// favors a single coarse lock over per-field atomics since mailbox
// operations are already serialized through the executive's SVC dispatch.
type Mailbox struct {
	mu sync.Mutex

	Handle    common.MailboxHandle
	Name      string
	Namespace Namespace
	Capacity  int
	Mode      Mode
	OwnerPID  common.PID

	queue      [][]byte
	queueBytes int
	waiters    []*waiter
	sendQueue  []*waiter // blocking senders parked on a full first-reader queue

	readers map[common.MailboxHandle]*reader
	taps    []chan []byte

	closed bool
	stats  Stats

	onOverflow func(OverflowEvent) // installed by the owning Table; may be nil
}

// OverflowEvent is published (at most once per saturation episode) when a
// fan-out reader's queue is full and frames are being dropped.
type OverflowEvent struct {
	Handle  common.MailboxHandle
	Reader  common.MailboxHandle
	Dropped uint64
}

func newMailbox(handle common.MailboxHandle, name string, ns Namespace, cap int, mode Mode, owner common.PID) *Mailbox {
	return &Mailbox{
		Handle:    handle,
		Name:      name,
		Namespace: ns,
		Capacity:  cap,
		Mode:      mode,
		OwnerPID:  owner,
		readers:   make(map[common.MailboxHandle]*reader),
	}
}

func (m *Mailbox) isFanout() bool {
	return m.Mode.Has(FANOUT_DROP) || m.Mode.Has(FANOUT_BLOCK)
}

// bindReader registers handle as a fan-out reader with its own delivery
// mode; first-reader mailboxes don't use this path. A reader's mode may
// differ from the mailbox's declared mode — one bound reader can apply
// FANOUT_BLOCK back-pressure while another accepts FANOUT_DROP, since the
// two policies are properties of the subscription, not the queue.
func (m *Mailbox) bindReader(handle common.MailboxHandle, mode Mode) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.readers[handle] = newReader(handle, mode)
}

// Send enqueues payload for delivery, notifying tap subscribers exactly
// once for this logical message, then hands off to send. Returns bytes
// written, or ErrWouldBlock for a non-blocking send against a full queue.
func (m *Mailbox) Send(ctx context.Context, payload []byte, blocking bool) (int, error) {
	m.notifyTaps(payload)
	return m.send(ctx, payload, blocking)
}

// notifyTaps copies payload to every tap subscriber without ever blocking
// the sender. Called once per logical message by Send; the blocked-sender
// retry path re-enters send directly so a parked sender being woken never
// triggers a second round of tap copies for the same message.
func (m *Mailbox) notifyTaps(payload []byte) {
	m.mu.Lock()
	taps := m.taps
	m.mu.Unlock()
	for _, ch := range taps {
		cp := append([]byte(nil), payload...)
		select {
		case ch <- cp:
		default: // taps never block senders
		}
	}
}

// send enqueues payload via the fan-out or first-reader delivery path.
// Internal: does not notify taps, so it's safe for the blocked-sender
// wakeup in sendFirstReader to call it directly on retry.
func (m *Mailbox) send(ctx context.Context, payload []byte, blocking bool) (int, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return 0, common.ErrClosed
	}
	if len(payload) > m.Capacity {
		m.mu.Unlock()
		return 0, common.ErrWouldBlock
	}

	if m.isFanout() {
		return m.sendFanout(ctx, payload, blocking)
	}
	return m.sendFirstReader(ctx, payload, blocking)
}

// sendFirstReader implements direct hand-off to the oldest parked waiter,
// falling back to the shared queue, falling back to blocking/WouldBlock.
func (m *Mailbox) sendFirstReader(ctx context.Context, payload []byte, blocking bool) (int, error) {
	for len(m.waiters) > 0 {
		w := m.waiters[0]
		m.waiters = m.waiters[1:]
		select {
		case <-w.closed:
			continue // waiter gave up (timeout/cancel); try the next one
		default:
		}
		w.result <- append([]byte(nil), payload...)
		m.stats.Sends++
		m.stats.Receives++
		m.mu.Unlock()
		return len(payload), nil
	}

	if m.queueBytes+len(payload) <= m.Capacity {
		m.queue = append(m.queue, append([]byte(nil), payload...))
		m.queueBytes += len(payload)
		m.stats.Sends++
		if m.queueBytes > m.stats.HighWater {
			m.stats.HighWater = m.queueBytes
		}
		m.mu.Unlock()
		return len(payload), nil
	}

	if !blocking {
		m.mu.Unlock()
		return 0, common.ErrWouldBlock
	}

	w := &waiter{result: make(chan []byte, 1), closed: make(chan struct{})}
	m.sendQueue = append(m.sendQueue, w)
	m.mu.Unlock()

	select {
	case <-w.result: // woken with room; re-attempt enqueue
		return m.send(ctx, payload, blocking)
	case <-w.closed:
		return 0, common.ErrClosed
	case <-ctx.Done():
		w.abandon()
		return 0, common.ErrTimedOut
	}
}

// framesCapacity is the per-reader queue depth derived from the mailbox's
// byte budget and the frame size just sent; capacity_bytes is specified in
// bytes but fan-out readers are bounded in frames so one slow reader's
// backlog is comparable across frame sizes.
func (m *Mailbox) framesCapacity(frameLen int) int {
	if frameLen <= 0 {
		frameLen = 1
	}
	n := m.Capacity / frameLen
	if n < 1 {
		n = 1
	}
	return n
}

// sendFanout delivers payload to every bound reader independently.
// FANOUT_DROP readers that are saturated silently drop the frame and bump a
// counter; a single coalesced overflow event covers the whole saturation
// episode. FANOUT_BLOCK readers apply back-pressure to the sender until
// room exists, per reader: one slow FANOUT_BLOCK reader parks the sender,
// but a slow FANOUT_DROP reader never does.
func (m *Mailbox) sendFanout(ctx context.Context, payload []byte, blocking bool) (int, error) {
	capFrames := m.framesCapacity(len(payload))
	for _, r := range m.readers {
		if err := m.deliverToReader(ctx, r, payload, capFrames); err != nil {
			m.mu.Unlock()
			return 0, err
		}
	}
	m.stats.Sends++
	m.mu.Unlock()
	return len(payload), nil
}

// deliverToReader requires m.mu held on entry and on return; it releases and
// reacquires the lock internally while parked on FANOUT_BLOCK back-pressure.
func (m *Mailbox) deliverToReader(ctx context.Context, r *reader, payload []byte, capFrames int) error {
	for len(r.queue) >= capFrames && len(r.waiters) == 0 {
		if r.mode.Has(FANOUT_DROP) {
			r.drops++
			m.stats.Drops++
			if !r.overflow {
				r.overflow = true
				m.stats.Overflows++
				log.Warn("mailbox fan-out saturated", "mailbox", m.Name, "reader", r.handle)
				if m.onOverflow != nil {
					m.onOverflow(OverflowEvent{Handle: m.Handle, Reader: r.handle, Dropped: r.drops})
				}
			}
			return nil
		}
		// FANOUT_BLOCK (or the default when neither flag is set): wait for
		// this reader, and only this reader, to free a slot.
		wait := r.notify
		m.mu.Unlock()
		select {
		case <-wait:
		case <-ctx.Done():
			m.mu.Lock()
			return common.ErrTimedOut
		}
		m.mu.Lock()
	}
	if len(r.waiters) > 0 {
		w := r.waiters[0]
		r.waiters = r.waiters[1:]
		w.result <- append([]byte(nil), payload...)
		m.stats.Receives++
	} else {
		r.queue = append(r.queue, append([]byte(nil), payload...))
	}
	return nil
}

// recv consumes (first-reader) or pops from a bound reader's queue
// (fan-out). timeout < 0 blocks indefinitely; timeout == 0 polls once.
func (m *Mailbox) recv(ctx context.Context, readerHandle common.MailboxHandle, out []byte, timeout time.Duration) (int, error) {
	deadline := ctx
	if timeout >= 0 {
		var cancel context.CancelFunc
		deadline, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	for {
		m.mu.Lock()
		if m.closed {
			m.mu.Unlock()
			return 0, common.ErrClosed
		}

		var msg []byte
		var ok bool
		if m.isFanout() {
			r, exists := m.readers[readerHandle]
			if !exists {
				m.mu.Unlock()
				return 0, common.ErrBadHandle
			}
			if len(r.queue) > 0 {
				msg, r.queue = r.queue[0], r.queue[1:]
				ok = true
				r.wakeRoom()
				r.overflow = false // this reader's saturation episode is over
			}
		} else {
			if len(m.queue) > 0 {
				msg, m.queue = m.queue[0], m.queue[1:]
				m.queueBytes -= len(msg)
				ok = true
				// Wake one parked blocking sender now that there's room.
				if len(m.sendQueue) > 0 {
					sw := m.sendQueue[0]
					m.sendQueue = m.sendQueue[1:]
					select {
					case sw.result <- nil:
					default:
					}
				}
			}
		}

		if ok {
			m.stats.Receives++
			m.mu.Unlock()
			n := copy(out, msg)
			return n, nil
		}

		if timeout == 0 {
			m.mu.Unlock()
			return 0, common.ErrWouldBlock
		}

		w := &waiter{result: make(chan []byte, 1), closed: make(chan struct{})}
		if m.isFanout() {
			r := m.readers[readerHandle]
			r.waiters = append(r.waiters, w)
		} else {
			m.waiters = append(m.waiters, w)
		}
		m.mu.Unlock()

		select {
		case msg := <-w.result:
			n := copy(out, msg)
			return n, nil
		case <-w.closed:
			return 0, common.ErrClosed
		case <-deadline.Done():
			w.abandon()
			if timeout >= 0 {
				return 0, common.ErrTimedOut
			}
			return 0, deadline.Err()
		}
	}
}

// peek copies the head message without consuming it.
func (m *Mailbox) peek(out []byte) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, common.ErrClosed
	}
	if len(m.queue) == 0 {
		return 0, common.ErrEmpty
	}
	return copy(out, m.queue[0]), nil
}

// tap registers an observer channel that receives copies of every send
// without ever being able to block the sender.
func (m *Mailbox) tap() <-chan []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	ch := make(chan []byte, 32)
	m.taps = append(m.taps, ch)
	return ch
}

// close tombstones the mailbox, waking every parked waiter with Closed.
func (m *Mailbox) close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.closed = true
	for _, w := range m.waiters {
		w.abandon()
	}
	for _, w := range m.sendQueue {
		w.abandon()
	}
	for _, r := range m.readers {
		for _, w := range r.waiters {
			w.abandon()
		}
	}
	for _, ch := range m.taps {
		close(ch)
	}
}

// Snapshot returns a copy of the mailbox's lifetime counters.
func (m *Mailbox) Snapshot() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stats
}
