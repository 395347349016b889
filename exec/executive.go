package exec

import (
	"fmt"
	"sync"

	"github.com/hsx-systems/hsx/common"
	"github.com/hsx-systems/hsx/config"
	"github.com/hsx-systems/hsx/event"
	"github.com/hsx-systems/hsx/image"
	"github.com/hsx-systems/hsx/log"
	"github.com/hsx-systems/hsx/mailbox"
	"github.com/hsx-systems/hsx/persist"
	"github.com/hsx-systems/hsx/registry"
	"github.com/hsx-systems/hsx/vm"
)

// ConsoleWriter receives STDIO console writes issued by SVC 0x01/0x02.
type ConsoleWriter interface {
	Write(pid common.PID, data []byte)
}

// logConsole is the default ConsoleWriter: task console output goes through
// the structured logger like every other executive subsystem.
type logConsole struct{}

func (logConsole) Write(pid common.PID, data []byte) {
	log.Info("console", "pid", pid, "text", string(data))
}

// BreakEvent/FaultEvent report break/fault scheduler transitions; the
// debugger event stream and any Feed subscriber receive them.
type BreakEvent struct {
	PID common.PID
	PC  uint32
}

type FaultEvent struct {
	PID common.PID
	PC  uint32
	Err error
}

type TaskExitEvent struct {
	PID      common.PID
	ExitCode int32
}

// SvcErrorEvent reports an SVC that named a function its module doesn't
// implement; the call completes with ENOENT but the miss is surfaced to
// the event stream for diagnosis.
type SvcErrorEvent struct {
	PID      common.PID
	Module   Module
	Function uint8
}

// Executive is the supervisory kernel: one VM, N task contexts, the
// mailbox/registry tables, and the attached-mode scheduler loop. All
// scheduling mutation happens from calls into Tick/dispatchSVC — there is
// no background goroutine of its own; the async command executor
// (registry.CommandTable) is the only other goroutine-bearing component,
// and it talks back only through mailbox posts.
type Executive struct {
	mu sync.Mutex

	vm      *vm.VM
	Tasks   map[common.PID]*Task
	ready   []common.PID
	nextPID common.PID

	Mailboxes *mailbox.Table
	Values    *registry.ValueTable
	Commands  *registry.CommandTable
	Pool      *registry.Pool
	Config    config.Config
	Console   ConsoleWriter
	Persist   *persist.Store

	now int64 // logical microsecond clock, advanced explicitly by the host loop

	BreakFeed    event.Feed
	FaultFeed    event.Feed
	TaskExitFeed event.Feed

	// session is guarded by sessMu, not mu, so subsystem callbacks firing
	// under mu (or under a mailbox lock) can still reach the event stream.
	sessMu  sync.Mutex
	session *Session

	pressureCh chan mailbox.PressureEvent

	hostMu       sync.Mutex
	hostHandlers map[string]registry.Handler
}

// New constructs an Executive with fresh mailbox/registry tables sized from
// cfg's resource budgets. The FRAM-emulation persistence store is opened
// best-effort: a failure to open cfg.Persistence.Path falls back to an
// in-memory store rather than refusing to boot, since persistence is a
// durability concern, not a correctness one.
func New(cfg config.Config) *Executive {
	pool := registry.NewPool(cfg.Budgets.StringPool)
	values := registry.NewValueTable(pool)

	store, err := openPersistStore(cfg.Persistence.Path)
	if err != nil {
		log.Warn("hsx: persistence store unavailable, falling back to memory", "path", cfg.Persistence.Path, "err", err)
	}
	values.SetPersister(store)

	e := &Executive{
		vm:         vm.New(),
		Tasks:      make(map[common.PID]*Task),
		Mailboxes:  mailbox.NewTable(cfg.Budgets.MailboxSlots * 256),
		Values:     values,
		Commands:   registry.NewCommandTable(pool, cfg.Budgets.AsyncWorkers),
		Pool:       pool,
		Config:     cfg,
		Console:    logConsole{},
		Persist:    store,
		pressureCh: make(chan mailbox.PressureEvent, 16),
	}

	// Registry and mailbox transitions flow into the attached debugger's
	// event stream; with no session attached, sessionEmit is a no-op.
	values.OnRegistered = func(ev registry.ValueRegisteredEvent) {
		e.sessionEmit(Event{Category: CategoryValueRegistered, Body: ev})
	}
	values.OnChanged = func(ev registry.ValueChangedEvent) {
		e.sessionEmit(Event{Category: CategoryValueChanged, Body: ev})
	}
	e.Commands.OnInvoked = func(ev registry.InvokedEvent) {
		e.sessionEmit(Event{Category: CategoryCmdInvoked, Body: ev})
	}
	e.Commands.OnCompleted = func(ev registry.CompletedEvent) {
		e.sessionEmit(Event{Category: CategoryCmdCompleted, Body: ev})
	}
	e.Mailboxes.OnOverflow = func(ev mailbox.OverflowEvent) {
		e.sessionEmit(Event{Category: CategoryMailboxOverflow, Body: ev})
	}
	e.Mailboxes.PressureFeed.Subscribe(e.pressureCh)
	return e
}

func openPersistStore(path string) (*persist.Store, error) {
	if path == "" {
		return persist.OpenMemory(), nil
	}
	store, err := persist.Open(path)
	if err != nil {
		return persist.OpenMemory(), err
	}
	return store, nil
}

// Close releases the executive's persistence store. Safe to call on an
// Executive built without one.
func (e *Executive) Close() error {
	if e.Persist == nil {
		return nil
	}
	return e.Persist.Close()
}

// Load parses img and creates a new task in state New, immediately promoted
// to Ready. Returns the assigned PID.
func (e *Executive) Load(img *image.Image) (common.PID, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.nextPID++
	pid := e.nextPID
	if int(pid) > e.Config.Budgets.MaxPIDs {
		e.nextPID--
		return 0, fmt.Errorf("hsx: max live PIDs (%d) exceeded", e.Config.Budgets.MaxPIDs)
	}

	code := vm.NewCodeCache(vm.ByteStore(img.Code), e.Config.Budgets.CodeCacheLines, e.Config.Budgets.CodeLineBytes)
	data := vm.NewDataTLB(e.Config.Budgets.DataTLBEntries)

	stackSize := 1024
	stack := make([]byte, stackSize)
	data.Map(0, stack, vm.ClassPinned)
	if len(img.Data) > 0 {
		data.Map(uint32(stackSize), append([]byte(nil), img.Data...), vm.ClassRW)
	}
	if img.Header.BssSize > 0 {
		data.Map(uint32(stackSize)+img.Header.DataSize, make([]byte, img.Header.BssSize), vm.ClassRW)
	}

	ctx := &vm.Context{
		PID:        pid,
		PC:         img.Header.EntryPC,
		SP:         uint32(stackSize),
		WP:         0,
		StackBase:  0,
		StackLimit: uint32(stackSize),
		Code:       code,
		Data:       data,
	}

	t := newTask(pid, ctx, img.Header.AppName, img.Code)
	e.Tasks[pid] = t

	e.preregister(pid, img)

	t.State = StateReady
	e.ready = append(e.ready, pid)

	log.Info("task loaded", "pid", pid, "app", img.Header.AppName, "entry", img.Header.EntryPC)
	return pid, nil
}

// Unload frees pid's arenas and releases every resource it owned:
// mailboxes (waking pending waiters with Closed), value entries, and
// command entries.
func (e *Executive) Unload(pid common.PID) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.unloadLocked(pid)
}

func (e *Executive) unloadLocked(pid common.PID) {
	delete(e.Tasks, pid)
	for i, p := range e.ready {
		if p == pid {
			e.ready = append(e.ready[:i], e.ready[i+1:]...)
			break
		}
	}
	e.Mailboxes.CloseOwnedBy(pid)
	e.Values.ReleaseOwnedBy(pid)
	e.Commands.ReleaseOwnedBy(pid)
}

// exitTask transitions a task out of scheduling following TASK_EXIT.
func (e *Executive) exitTask(t *Task, exitCode int32) {
	t.State = StateStopped
	e.TaskExitFeed.Send(TaskExitEvent{PID: t.PID, ExitCode: exitCode})
	e.unloadLocked(t.PID)
}

// PIDs enumerates live tasks.
func (e *Executive) PIDs() []common.PID {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]common.PID, 0, len(e.Tasks))
	for pid := range e.Tasks {
		out = append(out, pid)
	}
	return out
}

// Task returns pid's task record, or nil if unknown.
func (e *Executive) Task(pid common.PID) *Task {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.Tasks[pid]
}

// Advance moves the logical clock forward by us microseconds and promotes
// any sleep-blocked task whose deadline has passed.
func (e *Executive) Advance(us int64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.now += us
	for _, t := range e.Tasks {
		if t.State == StateBlocked && t.Block == BlockSleep && e.now >= t.WakeDeadline {
			e.wakeLocked(t)
		}
	}
}

func (e *Executive) wakeLocked(t *Task) {
	t.State = StateReady
	t.Block = BlockNone
	for _, p := range e.ready {
		if p == t.PID {
			return
		}
	}
	e.ready = append(e.ready, t.PID)
}

// Tick drives every Ready task for up to quantum instructions in
// round-robin order. A debug session's breakpoint set is checked before
// each task's slice; Blocked tasks are skipped (and, for mailbox waits,
// opportunistically retried since the underlying mailbox has no executive-
// visible wake channel of its own).
func (e *Executive) Tick(quantum int) {
	e.drainPressure()

	e.mu.Lock()
	defer e.mu.Unlock()

	order := append([]common.PID(nil), e.ready...)
	for _, pid := range order {
		t, ok := e.Tasks[pid]
		if !ok || t.State != StateReady {
			continue
		}
		e.runOneLocked(t, quantum)
	}
	e.retryBlockedMailboxWaitsLocked()
}

// drainPressure forwards any mailbox-table pressure telemetry accumulated
// since the last tick to the event stream.
func (e *Executive) drainPressure() {
	for {
		select {
		case ev := <-e.pressureCh:
			e.sessionEmit(Event{Category: CategoryTelemetry, Body: ev})
		default:
			return
		}
	}
}

// runOneLocked drives one task for up to quantum instructions, stopping
// early on breakpoint, fault, SVC-park, or a non-Ok VM result.
func (e *Executive) runOneLocked(t *Task, quantum int) {
	t.State = StateRunning
	for i := 0; i < quantum; i++ {
		if e.hasSession() && t.atBreakpoint(t.Ctx.PC) {
			t.State = StateStopped
			e.BreakFeed.Send(BreakEvent{PID: t.PID, PC: t.Ctx.PC})
			e.sessionEmit(Event{Category: CategoryBreak, Body: BreakEvent{PID: t.PID, PC: t.Ctx.PC}})
			return
		}

		e.vm.SetContext(t.Ctx)
		res := e.vm.Step()
		switch res.Reason {
		case vm.ReasonOk:
			continue

		case vm.ReasonBreak:
			t.State = StateStopped
			e.BreakFeed.Send(BreakEvent{PID: t.PID, PC: res.PC})
			e.sessionEmit(Event{Category: CategoryBreak, Body: BreakEvent{PID: t.PID, PC: res.PC}})
			return

		case vm.ReasonFault:
			e.faultTaskLocked(t, res.PC, res.FaultErr)
			return

		case vm.ReasonSvc:
			out := e.dispatchSVC(t, Module(res.SvcMod), res.SvcFunc)
			if out.fault != nil {
				e.faultTaskLocked(t, res.PC, out.fault)
				return
			}
			if out.svcError {
				e.sessionEmit(Event{Category: CategorySvcError, Body: SvcErrorEvent{PID: t.PID, Module: Module(res.SvcMod), Function: res.SvcFunc}})
			}
			t.Ctx.SetReg(0, out.status)
			t.Ctx.SetReg(1, out.value)
			if out.park != BlockNone {
				// A mailbox wait leaves PC at the SVC instruction so the
				// wake path re-dispatches the same call; a sleep is
				// one-shot, so it resumes past the SVC instead.
				if out.park == BlockSleep {
					t.Ctx.PC += 4
				}
				t.State = StateBlocked
				t.Block = out.park
				t.WakeDeadline = out.wakeAt
				e.removeFromReadyLocked(t.PID)
				return
			}
			if t.State == StateStopped || t.State == StateFaulted {
				// TASK_EXIT path already handled removal/feed emission.
				return
			}
			t.Ctx.PC += 4
			continue

		default:
			return
		}
	}
	if t.State == StateRunning {
		t.State = StateReady
	}
}

// faultTaskLocked latches err on t, stops scheduling it, and reports the
// fault to both feed subscribers and the attached session.
func (e *Executive) faultTaskLocked(t *Task, pc uint32, err error) {
	t.State = StateFaulted
	t.FaultCode = err
	e.FaultFeed.Send(FaultEvent{PID: t.PID, PC: pc, Err: err})
	e.sessionEmit(Event{Category: CategoryFault, Body: FaultEvent{PID: t.PID, PC: pc, Err: err}})
	e.removeFromReadyLocked(t.PID)
}

// Resume promotes a Stopped task back to Ready and reports the transition.
func (e *Executive) Resume(pid common.PID) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	t, ok := e.Tasks[pid]
	if !ok {
		return common.ErrNoSuchTask
	}
	if t.State != StateStopped {
		return nil
	}
	e.wakeLocked(t)
	e.sessionEmit(Event{Category: CategoryContinued, Body: BreakEvent{PID: pid, PC: t.Ctx.PC}})
	return nil
}

func (e *Executive) removeFromReadyLocked(pid common.PID) {
	for i, p := range e.ready {
		if p == pid {
			e.ready = append(e.ready[:i], e.ready[i+1:]...)
			return
		}
	}
}

// retryBlockedMailboxWaitsLocked promotes any mailbox-blocked task whose
// condition may now be satisfiable back to Ready so the next Tick retries
// its SVC; actual readiness is re-checked by the SVC handler itself
// (non-blocking probe), so a spurious wake just costs one more EAGAIN.
func (e *Executive) retryBlockedMailboxWaitsLocked() {
	for _, t := range e.Tasks {
		if t.State == StateBlocked && t.Block == BlockMailbox {
			e.wakeLocked(t)
		}
	}
}
