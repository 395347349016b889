package exec

import (
	"context"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hsx-systems/hsx/common"
	"github.com/hsx-systems/hsx/config"
	"github.com/hsx-systems/hsx/image"
	"github.com/hsx-systems/hsx/registry"
	"github.com/hsx-systems/hsx/toolchain"
)

// buildImage assembles and links src into a loadable Image, the same
// pipeline toolchain_test.go exercises directly.
func buildImage(t *testing.T, src string) *image.Image {
	t.Helper()
	obj, err := toolchain.Assemble("unit.mvasm", src)
	require.NoError(t, err)
	result, err := toolchain.Link([]*toolchain.Object{obj}, toolchain.LinkOptions{AppName: "test"})
	require.NoError(t, err)
	img, err := image.Load(result.HXE)
	require.NoError(t, err)
	return img
}

const breakpointSrc = `
_start:
    ADD R1, R2, R3
    BRK
`

// TestSingleStepWithBreakpoint: a breakpoint planted on the first
// instruction stops the task before it executes and emits a break event;
// once cleared, the next slice executes it as normal.
func TestSingleStepWithBreakpoint(t *testing.T) {
	e := New(config.Default())
	defer e.Close()

	img := buildImage(t, breakpointSrc)
	pid, err := e.Load(img)
	require.NoError(t, err)

	entryPC := img.Header.EntryPC
	require.NoError(t, e.SetBreakpoint(pid, entryPC))

	var events []Event
	_, err = e.Attach(func(ev Event) { events = append(events, ev) })
	require.NoError(t, err)

	e.Tick(10)
	task := e.Task(pid)
	require.NotNil(t, task)
	assert.Equal(t, StateStopped, task.State)
	assert.Equal(t, entryPC, task.Ctx.PC, "breakpoint stop must not advance PC")
	require.Len(t, events, 1)
	assert.Equal(t, CategoryBreak, events[0].Category)
	assert.Equal(t, BreakEvent{PID: pid, PC: entryPC}, events[0].Body)

	require.NoError(t, e.ClearBreakpoint(pid, entryPC))
	task.State = StateReady

	e.Tick(10)
	task = e.Task(pid)
	assert.Equal(t, entryPC+4, task.Ctx.PC, "one instruction executed past the breakpoint")
	assert.Equal(t, uint32(0), task.Ctx.Reg(1), "R2+R3 defaults to 0+0")
}

const faultSrc = `
_start:
    LDI R1, 1
    LDI R2, 0
    DIV R3, R1, R2
    BRK
`

// TestDivideByZeroFaultsTask: a DivideByZero trap moves the task to
// Faulted, the fault is reported once, and the task leaves the ready queue
// for good.
func TestDivideByZeroFaultsTask(t *testing.T) {
	e := New(config.Default())
	defer e.Close()

	img := buildImage(t, faultSrc)
	pid, err := e.Load(img)
	require.NoError(t, err)

	var faults []FaultEvent
	ch := make(chan FaultEvent, 1)
	sub := e.FaultFeed.Subscribe(ch)
	defer sub.Unsubscribe()

	e.Tick(10)

	select {
	case fe := <-ch:
		faults = append(faults, fe)
	default:
	}

	task := e.Task(pid)
	require.NotNil(t, task)
	assert.Equal(t, StateFaulted, task.State)
	require.Len(t, faults, 1)
	assert.Equal(t, pid, faults[0].PID)
	assert.ErrorIs(t, faults[0].Err, common.ErrDivideByZero)

	// A faulted task is never scheduled again.
	pcBefore := task.Ctx.PC
	e.Tick(10)
	assert.Equal(t, pcBefore, task.Ctx.PC)
}

// TestUnloadReleasesOwnedMailboxesAndValues: task exit releases every
// mailbox and registry entry the task owned.
func TestUnloadReleasesOwnedMailboxesAndValues(t *testing.T) {
	e := New(config.Default())
	defer e.Close()

	img := buildImage(t, "_start:\n    BRK\n")
	pid, err := e.Load(img)
	require.NoError(t, err)

	_, err = e.Mailboxes.Create("app:scratch", 64, 0, pid)
	require.NoError(t, err)
	oid := common.MakeOID(1, 1)
	require.NoError(t, e.Values.Register(oid, 0, 0, 0, nil, pid))

	e.Unload(pid)

	_, err = e.Mailboxes.Open("app:scratch")
	assert.Error(t, err)
	_, err = e.Values.Get(oid)
	assert.ErrorIs(t, err, common.ErrNoSuchValue)
}

// mailboxRecvSrc creates "shared:test" and parks on a blocking recv; the
// name bytes are poked into the task's stack arena by the test before the
// first tick.
const mailboxRecvSrc = `
_start:
    LDI R0, 512      ; name pointer
    LDI R1, 11       ; len("shared:test")
    LDI R2, 4        ; RDWR
    LDI R3, 64       ; capacity
    SVC 5, 1         ; mbox create -> handle in R1
    MOV R4, R1
    MOV R0, R4
    LDI R1, 640      ; receive buffer
    LDI R2, 16
    LDI R3, -1       ; infinite timeout
    SVC 5, 4         ; mbox recv
    BRK
`

func pokeString(t *testing.T, e *Executive, pid common.PID, addr uint32, s string) {
	t.Helper()
	b := []byte(s)
	for len(b)%4 != 0 {
		b = append(b, 0)
	}
	for i := 0; i < len(b); i += 4 {
		w := uint32(b[i]) | uint32(b[i+1])<<8 | uint32(b[i+2])<<16 | uint32(b[i+3])<<24
		require.NoError(t, e.WriteMemory(pid, addr+uint32(i), w))
	}
}

// TestMailboxRecvParksTaskUntilSend drives a guest task through mailbox
// create + blocking recv: the task parks, a host-side send wakes it within
// the next tick, and the payload lands in guest memory.
func TestMailboxRecvParksTaskUntilSend(t *testing.T) {
	e := New(config.Default())
	defer e.Close()

	img := buildImage(t, mailboxRecvSrc)
	pid, err := e.Load(img)
	require.NoError(t, err)
	pokeString(t, e, pid, 512, "shared:test")

	e.Tick(100)
	task := e.Task(pid)
	require.NotNil(t, task)
	// The tick's end promotes mailbox-blocked tasks back to Ready so the
	// next tick retries their SVC; the park is visible as a PC still
	// sitting on the recv SVC instruction.
	assert.Equal(t, StateReady, task.State)
	assert.Equal(t, uint32(40), task.Ctx.PC, "task must be parked on the recv SVC, not past it")

	h, err := e.Mailboxes.Open("shared:test")
	require.NoError(t, err)
	payload := []byte("0123456789abcdef")
	_, err = e.Mailboxes.Send(context.Background(), h, payload, false)
	require.NoError(t, err)

	e.Tick(100) // the retried recv now succeeds and the task runs to BRK
	task = e.Task(pid)
	assert.Equal(t, StateStopped, task.State, "task runs to its BRK once the recv completes")

	for i := 0; i < len(payload); i += 4 {
		w, err := e.ReadMemory(pid, 640+uint32(i))
		require.NoError(t, err)
		want := uint32(payload[i]) | uint32(payload[i+1])<<8 | uint32(payload[i+2])<<16 | uint32(payload[i+3])<<24
		assert.Equal(t, want, w)
	}

	stats, err := e.Mailboxes.Stats(h)
	require.NoError(t, err)
	assert.EqualValues(t, 1, stats.Sends)
	assert.EqualValues(t, 1, stats.Receives)
	assert.EqualValues(t, 0, stats.Drops)
}

// sleepSrc sleeps 100us then stops.
const sleepSrc = `
_start:
    LDI R0, 100
    SVC 6, 2
    BRK
`

// TestSleepSVCWakesAfterDeadline: a sleeping task stays parked until the
// logical clock passes its deadline, then resumes past the SVC.
func TestSleepSVCWakesAfterDeadline(t *testing.T) {
	e := New(config.Default())
	defer e.Close()

	img := buildImage(t, sleepSrc)
	pid, err := e.Load(img)
	require.NoError(t, err)

	e.Tick(10)
	task := e.Task(pid)
	require.Equal(t, StateBlocked, task.State)
	require.Equal(t, BlockSleep, task.Block)

	e.Advance(50)
	e.Tick(10)
	assert.Equal(t, StateBlocked, task.State, "deadline not reached yet")

	e.Advance(60)
	e.Tick(10)
	assert.Equal(t, StateStopped, task.State, "woken task runs to its BRK, not back into the sleep SVC")
}

// secureCmdSrc declares a secure command whose handler lives in the image.
const secureCmdSrc = `
.cmd {"group":240,"id":16,"handler":"sys_reset","auth":"user","secure":true,"pin":"1234","name":"sys.reset"}
_start:
    BRK
sys_reset:
    LDI R0, 7
    RET
`

// TestSecureCommandTokenGate: calling a secure command without its PIN is
// rejected with Permission and the handler never runs; with the PIN the
// in-image handler executes in the owning task's context.
func TestSecureCommandTokenGate(t *testing.T) {
	e := New(config.Default())
	defer e.Close()

	img := buildImage(t, secureCmdSrc)
	_, err := e.Load(img)
	require.NoError(t, err)

	var invoked []registry.InvokedEvent
	e.Commands.OnInvoked = func(ev registry.InvokedEvent) { invoked = append(invoked, ev) }

	oid := common.MakeOID(240, 16)
	_, err = e.Commands.Call(context.Background(), oid, "", registry.AuthUser, nil)
	assert.ErrorIs(t, err, common.ErrPermission)
	require.Len(t, invoked, 1)
	assert.Equal(t, "EPERM", invoked[0].Status)

	result, err := e.Commands.Call(context.Background(), oid, "1234", registry.AuthUser, nil)
	require.NoError(t, err)
	require.Len(t, result, 4)
	assert.Equal(t, uint32(7), binary.BigEndian.Uint32(result), "handler's R0 is the call result")
}

// TestValueSubscriptionPostsToMailbox: binding a mailbox to a value OID
// delivers every subsequent change as a {oid, f16} envelope.
func TestValueSubscriptionPostsToMailbox(t *testing.T) {
	e := New(config.Default())
	defer e.Close()

	oid := common.MakeOID(0xF0, 0x03)
	require.NoError(t, e.Values.Register(oid, 0, registry.ValueRW, registry.AuthUser, nil, 1))

	h, err := e.Mailboxes.Create("shared:subs", 64, 0, 0)
	require.NoError(t, err)
	_, err = e.SubscribeValue(oid, h)
	require.NoError(t, err)

	require.NoError(t, e.Values.Set(oid, common.FromFloat32(2.5), registry.AuthUser, true))

	out := make([]byte, 4)
	n, err := e.Mailboxes.Recv(context.Background(), h, out, 0)
	require.NoError(t, err)
	require.Equal(t, 4, n)
	assert.Equal(t, uint16(oid), binary.LittleEndian.Uint16(out[0:2]))
	got := common.F16(binary.LittleEndian.Uint16(out[2:4]))
	assert.InDelta(t, 2.5, got.ToFloat32(), 0.01)
}

// TestBadSvcModuleFaultsTask: an SVC naming a module outside the table is
// a task fault, not a recoverable error status.
func TestBadSvcModuleFaultsTask(t *testing.T) {
	e := New(config.Default())
	defer e.Close()

	img := buildImage(t, "_start:\n    SVC 0x3F, 1\n    BRK\n")
	pid, err := e.Load(img)
	require.NoError(t, err)

	e.Tick(10)
	task := e.Task(pid)
	require.NotNil(t, task)
	assert.Equal(t, StateFaulted, task.State)
	assert.ErrorIs(t, task.FaultCode, common.ErrBadSvc)
}
