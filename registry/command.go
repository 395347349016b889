package registry

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/hsx-systems/hsx/common"
)

// CommandFlag composes policy for a command entry.
type CommandFlag uint8

const (
	CmdSecure CommandFlag = 1 << iota
	CmdAsync
	CmdPersistent
)

// CommandEntry is the packed per-OID record held by the command registry.
type CommandEntry struct {
	OID            common.OID
	HandlerAddr    uint32 // code offset, or 0 for a host-provided handler
	Flags          CommandFlag
	Auth           AuthLevel
	DescriptorHead uint32
	Owner          common.PID
	PIN            string `json:"-"` // required for CmdSecure; never serialized to the control plane
	busy           bool
}

// Handler executes one command invocation in the caller's context.
type Handler func(ctx context.Context, args []byte) ([]byte, error)

// InvokedEvent/CompletedEvent are the cmd_invoked/cmd_completed
// notifications surfaced to the event stream.
type InvokedEvent struct {
	OID    common.OID
	Status string
}

type CompletedEvent struct {
	OID     common.OID
	Status  string
	Payload []byte
}

// AsyncResult is what an async Call posts to the caller-supplied mailbox.
type AsyncResult struct {
	OID     common.OID
	Status  string
	Payload []byte
}

// CommandTable is the live command registry plus its bounded async
// executor pool. asyncSem is a single golang.org/x/sync/semaphore weighted
// semaphore shared by every CallAsync invocation on the table, so
// asyncLimit actually caps concurrency table-wide rather than per call.
type CommandTable struct {
	mu   sync.Mutex
	pool *Pool

	entries  map[common.OID]*CommandEntry
	handlers map[common.OID]Handler
	stats    map[common.OID]*CallStats

	asyncLimit int
	asyncSem   *semaphore.Weighted

	OnInvoked   func(InvokedEvent)
	OnCompleted func(CompletedEvent)
}

// NewCommandTable constructs an empty table; asyncLimit bounds the number
// of CallAsync handlers running concurrently across the whole table.
func NewCommandTable(pool *Pool, asyncLimit int) *CommandTable {
	if asyncLimit <= 0 {
		asyncLimit = 4
	}
	return &CommandTable{
		pool:       pool,
		entries:    make(map[common.OID]*CommandEntry),
		handlers:   make(map[common.OID]Handler),
		stats:      make(map[common.OID]*CallStats),
		asyncLimit: asyncLimit,
		asyncSem:   semaphore.NewWeighted(int64(asyncLimit)),
	}
}

// CallStats accumulates per-OID invocation counters for cmd.stats.
type CallStats struct {
	Invocations uint64
	Faults      uint64
}

// Register stores a new command entry and binds its handler.
func (t *CommandTable) Register(entry CommandEntry, handler Handler, descriptors []DescriptorSpec) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, exists := t.entries[entry.OID]; exists {
		return common.ErrDuplicate
	}
	head, err := t.pool.AddChain(descriptors)
	if err != nil {
		return err
	}
	e := entry
	e.DescriptorHead = head
	t.entries[e.OID] = &e
	t.handlers[e.OID] = handler
	return nil
}

// Call invokes oid synchronously. token is checked against the stored PIN
// when the command is secure; pass "" for non-secure commands.
func (t *CommandTable) Call(ctx context.Context, oid common.OID, token string, callerAuth AuthLevel, args []byte) ([]byte, error) {
	t.mu.Lock()
	e, ok := t.entries[oid]
	if !ok {
		t.mu.Unlock()
		return nil, common.ErrNoSuchCommand
	}
	if e.Flags&CmdSecure != 0 && token != e.PIN {
		t.mu.Unlock()
		t.emitInvoked(oid, "EPERM")
		return nil, common.ErrPermission
	}
	if callerAuth < e.Auth {
		t.mu.Unlock()
		t.emitInvoked(oid, "EPERM")
		return nil, common.ErrPermission
	}
	if e.busy {
		t.mu.Unlock()
		return nil, common.ErrBusy
	}
	e.busy = true
	handler := t.handlers[oid]
	t.mu.Unlock()

	t.emitInvoked(oid, "OK")
	defer func() {
		t.mu.Lock()
		e.busy = false
		t.mu.Unlock()
	}()

	result, err := handler(ctx, args)
	if err != nil {
		t.emitCompleted(oid, "FAULT", nil)
		return nil, common.ErrHandlerFault
	}
	t.emitCompleted(oid, "OK", result)
	return result, nil
}

// CallAsync enqueues oid's invocation on the bounded executor and delivers
// the result envelope to deliver once the handler completes. If deliver
// fails, the result is dropped; the caller is never faulted.
func (t *CommandTable) CallAsync(ctx context.Context, oid common.OID, token string, callerAuth AuthLevel, args []byte, deliver func(AsyncResult) error) error {
	t.mu.Lock()
	e, ok := t.entries[oid]
	if !ok {
		t.mu.Unlock()
		return common.ErrNoSuchCommand
	}
	if e.Flags&CmdSecure != 0 && token != e.PIN {
		t.mu.Unlock()
		return common.ErrPermission
	}
	handler := t.handlers[oid]
	t.mu.Unlock()

	go func() {
		if err := t.asyncSem.Acquire(ctx, 1); err != nil {
			return
		}
		defer t.asyncSem.Release(1)

		result, err := handler(ctx, args)
		status := "OK"
		if err != nil {
			status = "FAULT"
			result = nil
		}
		res := AsyncResult{OID: oid, Status: status, Payload: result}
		t.emitCompleted(oid, status, result)
		if derr := deliver(res); derr != nil {
			// Mailbox gone or full: the subscription effectively ends here;
			// the caller already has no way to learn of the result, which
			// is the documented, non-fatal outcome.
			return
		}
	}()
	return nil
}

func (t *CommandTable) emitInvoked(oid common.OID, status string) {
	t.mu.Lock()
	s, ok := t.stats[oid]
	if !ok {
		s = &CallStats{}
		t.stats[oid] = s
	}
	s.Invocations++
	t.mu.Unlock()

	if t.OnInvoked != nil {
		t.OnInvoked(InvokedEvent{OID: oid, Status: status})
	}
}

func (t *CommandTable) emitCompleted(oid common.OID, status string, payload []byte) {
	if status == "FAULT" {
		t.mu.Lock()
		if s, ok := t.stats[oid]; ok {
			s.Faults++
		}
		t.mu.Unlock()
	}
	if t.OnCompleted != nil {
		t.OnCompleted(CompletedEvent{OID: oid, Status: status, Payload: payload})
	}
}

// List returns a snapshot of every registered command entry, for cmd.list.
func (t *CommandTable) List() []CommandEntry {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]CommandEntry, 0, len(t.entries))
	for _, e := range t.entries {
		out = append(out, *e)
	}
	return out
}

// Entry returns a copy of oid's entry.
func (t *CommandTable) Entry(oid common.OID) (CommandEntry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[oid]
	if !ok {
		return CommandEntry{}, false
	}
	return *e, true
}

// Descriptors resolves oid's descriptor chain back to its unlinked form.
func (t *CommandTable) Descriptors(oid common.OID) ([]DescriptorSpec, bool) {
	t.mu.Lock()
	e, ok := t.entries[oid]
	t.mu.Unlock()
	if !ok {
		return nil, false
	}
	return t.pool.Chain(e.DescriptorHead), true
}

// Stats returns oid's accumulated invocation counters, for cmd.stats.
func (t *CommandTable) Stats(oid common.OID) (CallStats, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.stats[oid]
	if !ok {
		return CallStats{}, false
	}
	return *s, true
}

// ReleaseOwnedBy removes every command entry owned by pid (task-exit
// cleanup).
func (t *CommandTable) ReleaseOwnedBy(pid common.PID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for oid, e := range t.entries {
		if e.Owner == pid {
			delete(t.entries, oid)
			delete(t.handlers, oid)
		}
	}
}
