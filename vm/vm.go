package vm

import (
	"fmt"

	"github.com/hsx-systems/hsx/common"
)

// Reason identifies why Step/Clock returned control to the executive.
type Reason uint8

const (
	ReasonOk Reason = iota
	ReasonBreak
	ReasonFault
	ReasonSvc
)

func (r Reason) String() string {
	switch r {
	case ReasonOk:
		return "Ok"
	case ReasonBreak:
		return "Break"
	case ReasonFault:
		return "Fault"
	case ReasonSvc:
		return "Svc"
	default:
		return "Unknown"
	}
}

// StepResult reports the outcome of advancing one or more instructions.
type StepResult struct {
	PC       uint32
	Reason   Reason
	FaultErr error // set when Reason == ReasonFault
	SvcMod   uint8 // set when Reason == ReasonSvc
	SvcFunc  uint8
}

// VM is the MiniVM execution engine. It never schedules, never services an
// SVC, and never preempts: it advances exactly one instruction per Step, or
// up to n per Clock, stopping early on any non-Ok reason.
type VM struct {
	ctx *Context
}

// New creates a VM with no active context; call SetContext before Step.
func New() *VM { return &VM{} }

// SetContext makes ctx the active task context. O(1): a pointer exchange.
func (v *VM) SetContext(ctx *Context) { v.ctx = ctx }

// Context returns the currently active task context.
func (v *VM) Context() *Context { return v.ctx }

// Step fetches, decodes, and executes exactly one instruction.
func (v *VM) Step() StepResult {
	ctx := v.ctx
	word, err := ctx.Code.Fetch(ctx.PC)
	if err != nil {
		res, _ := v.fault(common.ErrOutOfBounds)
		res.PC = ctx.PC
		return res
	}
	in, err := Decode(word, 0)
	if err != nil {
		res, _ := v.fault(common.ErrOutOfBounds)
		res.PC = ctx.PC
		return res
	}
	if !in.Op.Valid() {
		res, _ := v.fault(common.ErrIllegalInstruction)
		res.PC = ctx.PC
		return res
	}

	nextPC := ctx.PC + 4
	res, finalPC := v.execute(in, nextPC)
	if res.Reason == ReasonOk {
		ctx.PC = finalPC
		if !ctx.CheckStackInvariant() {
			res, _ = v.fault(common.ErrStackOverflow)
		}
	}
	res.PC = ctx.PC
	return res
}

// Clock advances up to n instructions, stopping early on any non-Ok
// reason.
func (v *VM) Clock(n int) StepResult {
	var last StepResult
	for i := 0; i < n; i++ {
		last = v.Step()
		if last.Reason != ReasonOk {
			return last
		}
	}
	return last
}

func (v *VM) fault(err error) (StepResult, uint32) {
	v.ctx.FaultCode = err
	return StepResult{Reason: ReasonFault, FaultErr: err}, v.ctx.PC
}

func branchTarget(imm16 uint16) uint32 { return uint32(imm16) * 4 }

// execute dispatches the decoded instruction and returns the outcome along
// with the PC the context should advance to when the outcome is ReasonOk
// (nextPC for straight-line instructions, the branch/call/return target
// otherwise).
func (v *VM) execute(in Instr, nextPC uint32) (StepResult, uint32) {
	ctx := v.ctx
	switch in.Op {
	case OpNop:
		// no-op

	case OpMov:
		ctx.SetReg(in.A, ctx.Reg(in.B))

	case OpLdi:
		var imm32 uint32
		if in.Imm16&0x8000 != 0 {
			imm32 = 0xFFFF0000 | uint32(in.Imm16)
		} else {
			imm32 = uint32(in.Imm16)
		}
		ctx.SetReg(in.A, imm32)

	case OpLd:
		addr := ctx.Reg(in.B) + uint32(in.C)
		val, err := ctx.Data.Read32(addr)
		if err != nil {
			return v.fault(err)
		}
		ctx.SetReg(in.A, val)

	case OpSt:
		addr := ctx.Reg(in.A) + uint32(in.C)
		if err := ctx.Data.Write32(addr, ctx.Reg(in.B)); err != nil {
			return v.fault(err)
		}

	case OpAdd:
		result, p := pswAfterAdd(ctx.Reg(in.B), ctx.Reg(in.C), false)
		ctx.SetReg(in.A, result)
		ctx.PSW = p

	case OpAdc:
		result, p := pswAfterAdd(ctx.Reg(in.B), ctx.Reg(in.C), ctx.PSW.C)
		ctx.SetReg(in.A, result)
		ctx.PSW = p

	case OpSub:
		result, p := pswAfterSub(ctx.Reg(in.B), ctx.Reg(in.C), false)
		ctx.SetReg(in.A, result)
		ctx.PSW = p

	case OpSbc:
		result, p := pswAfterSub(ctx.Reg(in.B), ctx.Reg(in.C), !ctx.PSW.C)
		ctx.SetReg(in.A, result)
		ctx.PSW = p

	case OpMul:
		a, b := ctx.Reg(in.B), ctx.Reg(in.C)
		wide := uint64(a) * uint64(b)
		result := uint32(wide)
		ctx.SetReg(in.A, result)
		ctx.PSW = PSW{Z: result == 0, N: signBit(result), V: wide>>32 != 0, C: wide>>32 != 0}

	case OpDiv:
		divisor := int32(ctx.Reg(in.C))
		if divisor == 0 {
			return v.fault(common.ErrDivideByZero)
		}
		dividend := int32(ctx.Reg(in.B))
		result := uint32(dividend / divisor) // Go / truncates toward zero
		ctx.SetReg(in.A, result)
		ctx.PSW = PSW{Z: result == 0, N: signBit(result)}

	case OpAnd:
		result := ctx.Reg(in.B) & ctx.Reg(in.C)
		ctx.SetReg(in.A, result)
		ctx.PSW = pswAfterLogic(result, false)

	case OpOr:
		result := ctx.Reg(in.B) | ctx.Reg(in.C)
		ctx.SetReg(in.A, result)
		ctx.PSW = pswAfterLogic(result, false)

	case OpXor:
		result := ctx.Reg(in.B) ^ ctx.Reg(in.C)
		ctx.SetReg(in.A, result)
		ctx.PSW = pswAfterLogic(result, false)

	case OpNot:
		result := ^ctx.Reg(in.B)
		ctx.SetReg(in.A, result)
		ctx.PSW = pswAfterLogic(result, false)

	case OpLsl:
		shift := ctx.Reg(in.C) % 32
		rv := ctx.Reg(in.B)
		var carry bool
		if shift > 0 {
			carry = (rv>>(32-shift))&1 != 0
		}
		result := rv << shift
		ctx.SetReg(in.A, result)
		ctx.PSW = pswAfterLogic(result, carry)

	case OpLsr:
		shift := ctx.Reg(in.C) % 32
		rv := ctx.Reg(in.B)
		var carry bool
		if shift > 0 {
			carry = (rv>>(shift-1))&1 != 0
		}
		result := rv >> shift
		ctx.SetReg(in.A, result)
		ctx.PSW = pswAfterLogic(result, carry)

	case OpAsr:
		shift := ctx.Reg(in.C) % 32
		rv := int32(ctx.Reg(in.B))
		var carry bool
		if shift > 0 {
			carry = (uint32(rv)>>(shift-1))&1 != 0
		}
		result := uint32(rv >> shift)
		ctx.SetReg(in.A, result)
		ctx.PSW = pswAfterLogic(result, carry)

	case OpCmp:
		_, p := pswAfterSub(ctx.Reg(in.A), ctx.Reg(in.B), false)
		ctx.PSW = p

	case OpBeq:
		if ctx.PSW.Z {
			ctx.Code.DiscardPrefetch()
			return StepResult{Reason: ReasonOk}, branchTarget(in.Imm16)
		}
	case OpBne:
		if !ctx.PSW.Z {
			ctx.Code.DiscardPrefetch()
			return StepResult{Reason: ReasonOk}, branchTarget(in.Imm16)
		}
	case OpBlt:
		if ctx.PSW.N != ctx.PSW.V {
			ctx.Code.DiscardPrefetch()
			return StepResult{Reason: ReasonOk}, branchTarget(in.Imm16)
		}
	case OpBge:
		if ctx.PSW.N == ctx.PSW.V {
			ctx.Code.DiscardPrefetch()
			return StepResult{Reason: ReasonOk}, branchTarget(in.Imm16)
		}
	case OpBc:
		if ctx.PSW.C {
			ctx.Code.DiscardPrefetch()
			return StepResult{Reason: ReasonOk}, branchTarget(in.Imm16)
		}
	case OpBnc:
		if !ctx.PSW.C {
			ctx.Code.DiscardPrefetch()
			return StepResult{Reason: ReasonOk}, branchTarget(in.Imm16)
		}

	case OpJmp:
		ctx.Code.DiscardPrefetch()
		return StepResult{Reason: ReasonOk}, branchTarget(in.Imm16)

	case OpCall:
		frameSize := uint32(in.A)
		if frameSize == 0 {
			frameSize = DefaultFrameSize
		}
		ctx.callStack = append(ctx.callStack, callFrame{returnPC: nextPC, savedWP: ctx.WP})
		ctx.WP = (ctx.WP + frameSize) % RegisterArenaSize
		ctx.Code.DiscardPrefetch()
		return StepResult{Reason: ReasonOk}, branchTarget(in.Imm16)

	case OpRet:
		if len(ctx.callStack) == 0 {
			return v.fault(common.ErrIllegalInstruction)
		}
		f := ctx.callStack[len(ctx.callStack)-1]
		ctx.callStack = ctx.callStack[:len(ctx.callStack)-1]
		ctx.WP = f.savedWP
		ctx.Code.DiscardPrefetch()
		return StepResult{Reason: ReasonOk}, f.returnPC

	case OpSvc:
		return StepResult{Reason: ReasonSvc, SvcMod: in.A, SvcFunc: in.B}, ctx.PC

	case OpBrk:
		return StepResult{Reason: ReasonBreak}, ctx.PC

	default:
		return v.fault(fmt.Errorf("%w: 0x%02x", common.ErrIllegalInstruction, uint8(in.Op)))
	}
	return StepResult{Reason: ReasonOk}, nextPC
}
