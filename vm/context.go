package vm

import "github.com/hsx-systems/hsx/common"

// RegisterArenaSize is the number of 32-bit words backing every task's
// register window. The windowed R0-R15 view is a 16-word slice of this
// arena starting at WP, so CALL can advance the window by bumping WP
// without copying registers — context swap stays O(1).
const RegisterArenaSize = 256

// DefaultFrameSize is the number of words a CALL with no explicit frame
// argument advances WP by.
const DefaultFrameSize = 16

// callFrame records what CALL must restore on the matching RET.
type callFrame struct {
	returnPC uint32
	savedWP  uint32
}

// Context is a task's complete execution state. Swapping the VM's active
// task is an O(1) pointer exchange of this record.
type Context struct {
	PID PID

	PC  uint32
	SP  uint32
	WP  uint32
	PSW PSW

	StackBase, StackLimit uint32

	FaultCode error

	arena     [RegisterArenaSize]uint32
	callStack []callFrame

	Code *CodeCache
	Data *DataTLB
}

// PID re-exports common.PID so callers don't need two imports for the
// common case of constructing a Context.
type PID = common.PID

// WindowReg reads register idx of the window based at wp, independent of
// the current WP. A host driving an inline call uses this to read the
// callee frame's return register after its RET has already restored the
// caller's window.
func (c *Context) WindowReg(wp uint32, idx uint8) uint32 {
	return c.arena[(wp+uint32(idx))%RegisterArenaSize]
}

// Reg returns the value of windowed register idx (0-15).
func (c *Context) Reg(idx uint8) uint32 {
	return c.arena[(c.WP+uint32(idx))%RegisterArenaSize]
}

// SetReg writes v to windowed register idx (0-15).
func (c *Context) SetReg(idx uint8, v uint32) {
	c.arena[(c.WP+uint32(idx))%RegisterArenaSize] = v
}

// CheckStackInvariant verifies stack_base <= sp < stack_limit, which must
// hold at every instruction boundary.
func (c *Context) CheckStackInvariant() bool {
	return c.StackBase <= c.SP && c.SP < c.StackLimit
}

// ReturnPC reports the return address of the innermost outstanding CALL
// frame, for a debugger driving step-out: plant a temp breakpoint there
// and run until it's hit.
func (c *Context) ReturnPC() (uint32, bool) {
	if len(c.callStack) == 0 {
		return 0, false
	}
	return c.callStack[len(c.callStack)-1].returnPC, true
}

// CallDepth reports the number of outstanding CALL frames, letting a host
// driving an inline invocation (e.g. a ".cmd" handler resolved to an
// in-image address) detect when its own synthesized frame has unwound via
// RET.
func (c *Context) CallDepth() int { return len(c.callStack) }

// PushCallFrame synthesizes a CALL's bookkeeping without executing a CALL
// instruction: it records returnPC/the current window, advances WP by
// frameSize (DefaultFrameSize if zero), and leaves PC for the caller to
// set. The matching RET — whether executed by the callee or never reached
// — is undone by PopCallFrame.
func (c *Context) PushCallFrame(returnPC, frameSize uint32) {
	if frameSize == 0 {
		frameSize = DefaultFrameSize
	}
	c.callStack = append(c.callStack, callFrame{returnPC: returnPC, savedWP: c.WP})
	c.WP = (c.WP + frameSize) % RegisterArenaSize
}

// PopCallFrame discards outstanding call frames down to depth, restoring
// the window that was active at that depth. Used to unwind a synthesized
// inline call that faulted, blocked, or ran away instead of returning.
func (c *Context) PopCallFrame(depth uint32) {
	for uint32(len(c.callStack)) > depth {
		f := c.callStack[len(c.callStack)-1]
		c.callStack = c.callStack[:len(c.callStack)-1]
		c.WP = f.savedWP
	}
}
