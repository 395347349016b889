package vm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hsx-systems/hsx/common"
)

// newTestVM assembles prog (already-encoded 4-byte instructions, concatenated)
// into a code cache and wires up a data TLB with a single RW page for scratch
// memory, returning a ready-to-step VM.
func newTestVM(t *testing.T, prog []byte) (*VM, *Context) {
	t.Helper()
	store := ByteStore(prog)
	ctx := &Context{
		Code:       NewCodeCache(store, 4, CodeLineSize),
		Data:       NewDataTLB(4),
		StackLimit: 0x10000,
	}
	ctx.Data.Map(0, make([]byte, 256), ClassRW)
	v := New()
	v.SetContext(ctx)
	return v, ctx
}

func asm(instrs ...Instr) []byte {
	var out []byte
	for _, in := range instrs {
		w := Encode(in)
		out = append(out, w[:]...)
	}
	return out
}

func TestStepAddUpdatesRegisterAndPSW(t *testing.T) {
	prog := asm(
		Instr{Op: OpLdi, A: 0, Imm16: 5},
		Instr{Op: OpLdi, A: 1, Imm16: 7},
		Instr{Op: OpAdd, A: 2, B: 0, C: 1},
	)
	v, ctx := newTestVM(t, prog)

	require.Equal(t, ReasonOk, v.Step().Reason)
	require.Equal(t, ReasonOk, v.Step().Reason)
	res := v.Step()

	require.Equal(t, ReasonOk, res.Reason)
	assert.Equal(t, uint32(12), ctx.Reg(2))
	assert.False(t, ctx.PSW.Z)
	assert.False(t, ctx.PSW.C)
	assert.Equal(t, uint32(12), ctx.PC)
}

func TestStepLdiSignExtends(t *testing.T) {
	prog := asm(Instr{Op: OpLdi, A: 0, Imm16: 0xFFFE})
	v, ctx := newTestVM(t, prog)

	require.Equal(t, ReasonOk, v.Step().Reason)
	assert.Equal(t, uint32(0xFFFFFFFE), ctx.Reg(0))
}

func TestStepDivByZeroFaults(t *testing.T) {
	prog := asm(
		Instr{Op: OpLdi, A: 0, Imm16: 9},
		Instr{Op: OpLdi, A: 1, Imm16: 0},
		Instr{Op: OpDiv, A: 2, B: 0, C: 1},
	)
	v, ctx := newTestVM(t, prog)

	require.Equal(t, ReasonOk, v.Step().Reason)
	require.Equal(t, ReasonOk, v.Step().Reason)
	res := v.Step()

	require.Equal(t, ReasonFault, res.Reason)
	assert.ErrorIs(t, res.FaultErr, common.ErrDivideByZero)
	assert.ErrorIs(t, ctx.FaultCode, common.ErrDivideByZero)
}

func TestStepDivTruncatesTowardZero(t *testing.T) {
	prog := asm(
		Instr{Op: OpLdi, A: 0, Imm16: 0xFFF9}, // -7
		Instr{Op: OpLdi, A: 1, Imm16: 2},
		Instr{Op: OpDiv, A: 2, B: 0, C: 1},
	)
	v, ctx := newTestVM(t, prog)

	require.Equal(t, ReasonOk, v.Step().Reason)
	require.Equal(t, ReasonOk, v.Step().Reason)
	require.Equal(t, ReasonOk, v.Step().Reason)

	assert.Equal(t, int32(-3), int32(ctx.Reg(2))) // -7/2 == -3, not -4
}

func TestStepBranchTakenJumpsToTarget(t *testing.T) {
	// instruction index 3 -> byte offset 12, landing on the NOP and skipping
	// the BRK that a fallthrough would otherwise hit.
	prog := asm(
		Instr{Op: OpLdi, A: 0, Imm16: 0}, // pc 0
		Instr{Op: OpBeq, Imm16: 3},       // pc 4
		Instr{Op: OpBrk},                 // pc 8 (must be skipped)
		Instr{Op: OpNop},                 // pc 12 (branch target)
	)
	v, ctx := newTestVM(t, prog)

	// Force Z by comparing equal values first.
	ctx.SetReg(5, 3)
	ctx.SetReg(6, 3)
	_, p := pswAfterSub(ctx.Reg(5), ctx.Reg(6), false)
	ctx.PSW = p
	require.True(t, ctx.PSW.Z)

	require.Equal(t, ReasonOk, v.Step().Reason) // LDI, PC -> 4
	res := v.Step()                             // BEQ taken, target = 3*4 = 12

	require.Equal(t, ReasonOk, res.Reason)
	assert.Equal(t, uint32(12), ctx.PC, "branch target is imm16*4")
}

func TestStepBranchNotTakenFallsThrough(t *testing.T) {
	prog := asm(
		Instr{Op: OpLdi, A: 0, Imm16: 1},
		Instr{Op: OpCmp, A: 0, B: 1}, // R0=1, R1=0 -> not equal
		Instr{Op: OpBeq, Imm16: 99},
		Instr{Op: OpNop},
	)
	v, ctx := newTestVM(t, prog)

	require.Equal(t, ReasonOk, v.Step().Reason)
	require.Equal(t, ReasonOk, v.Step().Reason)
	require.False(t, ctx.PSW.Z)

	res := v.Step()
	require.Equal(t, ReasonOk, res.Reason)
	assert.Equal(t, uint32(12), ctx.PC, "untaken branch must fall through to nextPC")
}

func TestStepCallAdvancesWindowAndJumps(t *testing.T) {
	prog := asm(
		Instr{Op: OpCall, A: 16, Imm16: 2}, // pc 0 -> call target index 2 (byte 8)
		Instr{Op: OpBrk},                   // pc 4
		Instr{Op: OpLdi, A: 0, Imm16: 42},  // pc 8 (callee)
		Instr{Op: OpRet},                   // pc 12
	)
	v, ctx := newTestVM(t, prog)

	res := v.Step() // CALL
	require.Equal(t, ReasonOk, res.Reason)
	assert.Equal(t, uint32(8), ctx.PC, "CALL must transfer control to its target, not fall through")
	assert.Equal(t, uint32(16), ctx.WP, "CALL must advance the register window by the frame size")

	res = v.Step() // LDI in callee window
	require.Equal(t, ReasonOk, res.Reason)
	assert.Equal(t, uint32(42), ctx.Reg(0))

	res = v.Step() // RET
	require.Equal(t, ReasonOk, res.Reason)
	assert.Equal(t, uint32(4), ctx.PC, "RET must resume at the instruction after CALL")
	assert.Equal(t, uint32(0), ctx.WP, "RET must restore the caller's register window")
}

func TestStepRetWithEmptyCallStackFaults(t *testing.T) {
	prog := asm(Instr{Op: OpRet})
	v, _ := newTestVM(t, prog)

	res := v.Step()
	require.Equal(t, ReasonFault, res.Reason)
	assert.ErrorIs(t, res.FaultErr, common.ErrIllegalInstruction)
}

func TestStepSvcReturnsReasonSvcWithoutAdvancingOnItsOwn(t *testing.T) {
	prog := asm(Instr{Op: OpSvc, A: 3, B: 7})
	v, ctx := newTestVM(t, prog)

	res := v.Step()
	require.Equal(t, ReasonSvc, res.Reason)
	assert.Equal(t, uint8(3), res.SvcMod)
	assert.Equal(t, uint8(7), res.SvcFunc)
	assert.Equal(t, uint32(0), ctx.PC, "SVC must not advance PC; the executive moves PC past it once the call is serviced")
}

func TestStepBrkStopsWithReasonBreak(t *testing.T) {
	prog := asm(Instr{Op: OpBrk})
	v, _ := newTestVM(t, prog)

	res := v.Step()
	assert.Equal(t, ReasonBreak, res.Reason)
}

func TestClockStopsEarlyOnFault(t *testing.T) {
	prog := asm(
		Instr{Op: OpNop},
		Instr{Op: OpLdi, A: 0, Imm16: 1},
		Instr{Op: OpLdi, A: 1, Imm16: 0},
		Instr{Op: OpDiv, A: 2, B: 0, C: 1},
		Instr{Op: OpNop},
	)
	v, _ := newTestVM(t, prog)

	res := v.Clock(10)
	require.Equal(t, ReasonFault, res.Reason)
	assert.ErrorIs(t, res.FaultErr, common.ErrDivideByZero)
}

func TestStepOutOfBoundsStackFaults(t *testing.T) {
	prog := asm(Instr{Op: OpNop})
	v, ctx := newTestVM(t, prog)
	ctx.StackBase = 0x1000
	ctx.StackLimit = 0x2000
	ctx.SP = 0 // violates StackBase <= SP invariant

	res := v.Step()
	require.Equal(t, ReasonFault, res.Reason)
	assert.ErrorIs(t, res.FaultErr, common.ErrStackOverflow)
}

func TestLoadStoreRoundTrip(t *testing.T) {
	prog := asm(
		Instr{Op: OpLdi, A: 0, Imm16: 0xBEEF},
		Instr{Op: OpSt, A: 1, B: 0, C: 4},
		Instr{Op: OpLd, A: 2, B: 1, C: 4},
	)
	v, ctx := newTestVM(t, prog)

	require.Equal(t, ReasonOk, v.Step().Reason)
	require.Equal(t, ReasonOk, v.Step().Reason)
	res := v.Step()

	require.Equal(t, ReasonOk, res.Reason)
	assert.Equal(t, uint32(0xFFFFBEEF), ctx.Reg(2))
}

func TestWriteToReadOnlyPageFaultsWithPermission(t *testing.T) {
	prog := asm(Instr{Op: OpSt, A: 0, B: 0, C: 0})
	v, ctx := newTestVM(t, prog)
	ctx.Data = NewDataTLB(4)
	ctx.Data.Map(0, make([]byte, 16), ClassRO)

	res := v.Step()
	require.Equal(t, ReasonFault, res.Reason)
	assert.ErrorIs(t, res.FaultErr, common.ErrPermission)
}

func TestCodeCacheMissThenHit(t *testing.T) {
	store := ByteStore(asm(Instr{Op: OpNop}, Instr{Op: OpNop}))
	cc := NewCodeCache(store, 4, CodeLineSize)

	_, err := cc.Fetch(0)
	require.NoError(t, err)
	assert.EqualValues(t, 1, cc.Misses)

	_, err = cc.Fetch(0)
	require.NoError(t, err)
	assert.EqualValues(t, 1, cc.Hits)
}

func TestPSWTruthTableAdd(t *testing.T) {
	cases := []struct {
		name                       string
		a, b                       uint32
		carryIn                    bool
		wantResult                 uint32
		wantZ, wantC, wantN, wantV bool
	}{
		{"zero", 0, 0, false, 0, true, false, false, false},
		{"carry-out", 0xFFFFFFFF, 1, false, 0, true, true, false, false},
		{"signed-overflow", 0x7FFFFFFF, 1, false, 0x80000000, false, false, true, true},
		{"two-negatives-overflow", 0x80000000, 0x80000000, false, 0, true, true, false, true},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			result, p := pswAfterAdd(c.a, c.b, c.carryIn)
			assert.Equal(t, c.wantResult, result)
			assert.Equal(t, c.wantZ, p.Z, "Z")
			assert.Equal(t, c.wantC, p.C, "C")
			assert.Equal(t, c.wantN, p.N, "N")
			assert.Equal(t, c.wantV, p.V, "V")
		})
	}
}

func TestPSWTruthTableSub(t *testing.T) {
	result, p := pswAfterSub(5, 5, false)
	assert.Equal(t, uint32(0), result)
	assert.True(t, p.Z)
	assert.True(t, p.C, "no borrow when a >= b")

	result, p = pswAfterSub(0, 1, false)
	assert.Equal(t, uint32(0xFFFFFFFF), result)
	assert.False(t, p.C, "borrow occurred")
}
