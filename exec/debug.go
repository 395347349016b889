package exec

import (
	"github.com/hsx-systems/hsx/common"
	"github.com/hsx-systems/hsx/vm"
)

// StepOutcome reports what happened after an explicit debugger-driven step,
// the attached-mode counterpart to the free-run Tick loop's internal
// bookkeeping.
type StepOutcome struct {
	PC     uint32
	Reason vm.Reason
	Fault  error
}

// StepTask advances pid's context by up to n instructions under explicit
// debugger control. Unlike Tick, it never gates on the task's own
// breakpoint set — a debugger asking to step off the breakpoint it is
// already sitting on must actually move.
func (e *Executive) StepTask(pid common.PID, n int) (StepOutcome, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	t, ok := e.Tasks[pid]
	if !ok {
		return StepOutcome{}, common.ErrNoSuchTask
	}
	return e.stepTaskLocked(t, n)
}

// stepTaskLocked is StepTask's body, callable with e.mu already held so
// StepOver/StepOut can drive it in a loop without recursive locking.
func (e *Executive) stepTaskLocked(t *Task, n int) (StepOutcome, error) {
	if n <= 0 {
		n = 1
	}

	var last vm.StepResult
	for i := 0; i < n; i++ {
		e.vm.SetContext(t.Ctx)
		last = e.vm.Step()
		t.recordTrace(TraceRecord{PC: last.PC, Reason: last.Reason})
		if t.TraceEnabled {
			e.sessionEmit(Event{Category: CategoryTraceStep, Body: TraceRecord{PC: last.PC, Reason: last.Reason}})
		}
		switch last.Reason {
		case vm.ReasonOk:
			continue
		case vm.ReasonFault:
			e.faultTaskLocked(t, last.PC, last.FaultErr)
			return StepOutcome{PC: last.PC, Reason: last.Reason, Fault: last.FaultErr}, nil
		case vm.ReasonSvc:
			out := e.dispatchSVC(t, Module(last.SvcMod), last.SvcFunc)
			if out.fault != nil {
				e.faultTaskLocked(t, last.PC, out.fault)
				return StepOutcome{PC: last.PC, Reason: vm.ReasonFault, Fault: out.fault}, nil
			}
			if out.svcError {
				e.sessionEmit(Event{Category: CategorySvcError, Body: SvcErrorEvent{PID: t.PID, Module: Module(last.SvcMod), Function: last.SvcFunc}})
			}
			t.Ctx.SetReg(0, out.status)
			t.Ctx.SetReg(1, out.value)
			if out.park != BlockNone {
				// Mailbox waits re-dispatch on wake, so PC stays put;
				// sleeps resume past the SVC.
				if out.park == BlockSleep {
					t.Ctx.PC += 4
				}
				t.State = StateBlocked
				t.Block = out.park
				t.WakeDeadline = out.wakeAt
				e.removeFromReadyLocked(t.PID)
				return StepOutcome{PC: t.Ctx.PC, Reason: last.Reason}, nil
			}
			if t.State == StateStopped || t.State == StateFaulted {
				return StepOutcome{PC: t.Ctx.PC, Reason: last.Reason}, nil
			}
			t.Ctx.PC += 4
			continue
		default:
			return StepOutcome{PC: last.PC, Reason: last.Reason}, nil
		}
	}
	t.State = StateStopped
	return StepOutcome{PC: t.Ctx.PC, Reason: vm.ReasonOk}, nil
}

// maxStepInstructions bounds StepOver/StepOut's internal run so a target
// address that's never reached (e.g. the callee longjmps out, or faults
// before returning) can't hang the debug session forever.
const maxStepInstructions = 1 << 20

// StepOver advances pid one source-level step: over a CALL at the current
// PC (plant a temp breakpoint at the instruction following it and run
// until hit), or a single instruction otherwise.
func (e *Executive) StepOver(pid common.PID) (StepOutcome, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	t, ok := e.Tasks[pid]
	if !ok {
		return StepOutcome{}, common.ErrNoSuchTask
	}

	in, err := vm.Decode(t.Code, t.Ctx.PC)
	if err != nil || in.Op != vm.OpCall {
		return e.stepTaskLocked(t, 1)
	}

	t.plantTemp(t.Ctx.PC + 4)
	return e.runUntilTempLocked(t)
}

// StepOut runs pid until its current call frame returns: plant a temp
// breakpoint at the frame's return address (read off the call stack) and
// run until hit. Returns ErrIllegalInstruction if pid has no outstanding
// call frame to return from.
func (e *Executive) StepOut(pid common.PID) (StepOutcome, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	t, ok := e.Tasks[pid]
	if !ok {
		return StepOutcome{}, common.ErrNoSuchTask
	}
	retPC, ok := t.Ctx.ReturnPC()
	if !ok {
		return StepOutcome{}, common.ErrIllegalInstruction
	}

	t.plantTemp(retPC)
	return e.runUntilTempLocked(t)
}

// runUntilTempLocked drives t one instruction at a time, the same way
// StepTask does, until a temp (or permanent) breakpoint is hit at the
// current PC, a fault/park/stop ends the task's turn, or the instruction
// budget runs out.
func (e *Executive) runUntilTempLocked(t *Task) (StepOutcome, error) {
	for i := 0; i < maxStepInstructions; i++ {
		if t.atBreakpoint(t.Ctx.PC) {
			t.State = StateStopped
			return StepOutcome{PC: t.Ctx.PC, Reason: vm.ReasonBreak}, nil
		}
		out, err := e.stepTaskLocked(t, 1)
		if err != nil {
			return out, err
		}
		// stepTaskLocked only reports ReasonOk when the single step ran to
		// completion with nothing else to report; anything else (fault,
		// SVC park/exit, an explicit BRK) ends the run early.
		if out.Reason != vm.ReasonOk {
			return out, nil
		}
		t.State = StateReady
	}
	t.State = StateStopped
	return StepOutcome{PC: t.Ctx.PC, Reason: vm.ReasonOk}, nil
}

// SetBreakpoint/ClearBreakpoint/Breakpoints expose a task's breakpoint set
// to the control plane (bp.set/bp.clear/bp.list).
func (e *Executive) SetBreakpoint(pid common.PID, pc uint32) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	t, ok := e.Tasks[pid]
	if !ok {
		return common.ErrNoSuchTask
	}
	t.SetBreakpoint(pc)
	return nil
}

func (e *Executive) ClearBreakpoint(pid common.PID, pc uint32) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	t, ok := e.Tasks[pid]
	if !ok {
		return common.ErrNoSuchTask
	}
	t.ClearBreakpoint(pc)
	return nil
}

func (e *Executive) Breakpoints(pid common.PID) ([]uint32, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	t, ok := e.Tasks[pid]
	if !ok {
		return nil, common.ErrNoSuchTask
	}
	out := make([]uint32, 0, len(t.Breakpoints))
	for pc := range t.Breakpoints {
		out = append(out, pc)
	}
	return out, nil
}

// GetRegister/SetRegister read/write one of pid's windowed registers
// (reg.get/reg.set).
func (e *Executive) GetRegister(pid common.PID, idx uint8) (uint32, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	t, ok := e.Tasks[pid]
	if !ok {
		return 0, common.ErrNoSuchTask
	}
	return t.Ctx.Reg(idx), nil
}

func (e *Executive) SetRegister(pid common.PID, idx uint8, v uint32) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	t, ok := e.Tasks[pid]
	if !ok {
		return common.ErrNoSuchTask
	}
	t.Ctx.SetReg(idx, v)
	return nil
}

// ReadMemory/WriteMemory access pid's data address space one word at a
// time through its DataTLB, the same path SVC handlers use.
func (e *Executive) ReadMemory(pid common.PID, addr uint32) (uint32, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	t, ok := e.Tasks[pid]
	if !ok {
		return 0, common.ErrNoSuchTask
	}
	return t.Ctx.Data.Read32(addr)
}

func (e *Executive) WriteMemory(pid common.PID, addr, v uint32) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	t, ok := e.Tasks[pid]
	if !ok {
		return common.ErrNoSuchTask
	}
	return t.Ctx.Data.Write32(addr, v)
}

// SetTrace toggles pid's instruction trace buffer, clearing the buffer on
// enable.
func (e *Executive) SetTrace(pid common.PID, enabled bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	t, ok := e.Tasks[pid]
	if !ok {
		return common.ErrNoSuchTask
	}
	t.TraceEnabled = enabled
	if enabled {
		t.TraceBuffer = nil
	}
	return nil
}

// TraceRecords returns pid's accumulated trace buffer (traceRecords).
func (e *Executive) TraceRecords(pid common.PID) ([]TraceRecord, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	t, ok := e.Tasks[pid]
	if !ok {
		return nil, common.ErrNoSuchTask
	}
	return append([]TraceRecord(nil), t.TraceBuffer...), nil
}

// Disassemble renders pid's code segment as text.
func (e *Executive) Disassemble(pid common.PID) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	t, ok := e.Tasks[pid]
	if !ok {
		return "", common.ErrNoSuchTask
	}
	return vm.Disassemble(t.Code), nil
}
