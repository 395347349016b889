// Package exec implements the Executive: the supervisory kernel that owns
// every task's VM context, drives the scheduler, dispatches SVCs to the
// module table, and exposes the attached-mode debugger operations. One
// lock guards all scheduling state; every external entry point funnels
// through it, so the ready queue itself needs no finer-grained locking.
package exec

import (
	"github.com/hsx-systems/hsx/common"
	"github.com/hsx-systems/hsx/vm"
)

// State is a task's position in the scheduler state machine.
type State uint8

const (
	StateNew State = iota
	StateReady
	StateRunning
	StateBlocked
	StateStopped
	StateFaulted
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "New"
	case StateReady:
		return "Ready"
	case StateRunning:
		return "Running"
	case StateBlocked:
		return "Blocked"
	case StateStopped:
		return "Stopped"
	case StateFaulted:
		return "Faulted"
	default:
		return "Unknown"
	}
}

// BlockKind distinguishes the two ways a Blocked task is waiting.
type BlockKind uint8

const (
	BlockNone BlockKind = iota
	BlockMailbox
	BlockSleep
)

// Task is one executive-managed task: its VM context plus scheduling and
// debugger bookkeeping. Breakpoints are a plain set keyed by PC; temporary
// breakpoints planted by step-over/step-out are cleared the instant
// they're hit.
type Task struct {
	PID   common.PID
	Ctx   *vm.Context
	State State

	Block        BlockKind
	WakeDeadline int64 // absolute tick/time; meaningful only when Block == BlockSleep

	Breakpoints     map[uint32]struct{}
	tempBreakpoints map[uint32]struct{}

	FaultCode error

	AppName string
	Code    []byte // the task's code segment, retained for disassembly

	TraceEnabled bool
	TraceBuffer  []TraceRecord
	traceCap     int
}

// TraceRecord is one entry of a task's instruction trace, fed to the
// control plane's traceRecords operation and, live, to the event stream's
// trace_step category.
type TraceRecord struct {
	PC     uint32
	Reason vm.Reason
}

func newTask(pid common.PID, ctx *vm.Context, appName string, code []byte) *Task {
	return &Task{
		PID:             pid,
		Ctx:             ctx,
		State:           StateNew,
		Breakpoints:     make(map[uint32]struct{}),
		tempBreakpoints: make(map[uint32]struct{}),
		AppName:         appName,
		Code:            code,
		traceCap:        256,
	}
}

func (t *Task) recordTrace(rec TraceRecord) {
	if !t.TraceEnabled {
		return
	}
	if len(t.TraceBuffer) >= t.traceCap {
		t.TraceBuffer = t.TraceBuffer[1:]
	}
	t.TraceBuffer = append(t.TraceBuffer, rec)
}

// atBreakpoint reports whether pc matches a permanent or temporary
// breakpoint, consuming the temporary one if matched.
func (t *Task) atBreakpoint(pc uint32) bool {
	if _, ok := t.Breakpoints[pc]; ok {
		return true
	}
	if _, ok := t.tempBreakpoints[pc]; ok {
		delete(t.tempBreakpoints, pc)
		return true
	}
	return false
}

// SetBreakpoint/ClearBreakpoint manage the permanent breakpoint set.
func (t *Task) SetBreakpoint(pc uint32)   { t.Breakpoints[pc] = struct{}{} }
func (t *Task) ClearBreakpoint(pc uint32) { delete(t.Breakpoints, pc) }

func (t *Task) plantTemp(pc uint32) { t.tempBreakpoints[pc] = struct{}{} }
