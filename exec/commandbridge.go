package exec

import (
	"context"
	"encoding/binary"

	"github.com/hsx-systems/hsx/common"
	"github.com/hsx-systems/hsx/registry"
	"github.com/hsx-systems/hsx/vm"
)

// maxInlineSteps bounds one synchronous in-image command invocation so a
// runaway handler (missing RET, infinite loop) can't wedge the executive
// forever; it faults the call instead, same failure shape as any other
// handler fault.
const maxInlineSteps = 1 << 20

// schedLockHeld marks a context as originating from inside the scheduler,
// where e.mu is already held. Handlers that need the lock check for it
// before acquiring, so a guest task SVC-calling a command doesn't deadlock
// against its own scheduler slice.
type schedLockHeld struct{}

// lockedContext returns a context carrying the scheduler-lock marker.
func (e *Executive) lockedContext() context.Context {
	return context.WithValue(context.Background(), schedLockHeld{}, true)
}

// inlineCallHandler builds the registry.Handler for a ".cmd" directive
// whose handler resolved to an in-image code address; the invocation
// executes in the owning task's context. It reuses that task's live
// Context — same register arena, same stack — rather than spinning up a
// detached one, exactly as a CALL to an ordinary subroutine would, and
// synthesizes the call/return frame CALL/RET already know how to unwind.
func (e *Executive) inlineCallHandler(pid common.PID, addr uint32) registry.Handler {
	return func(ctx context.Context, args []byte) ([]byte, error) {
		if ctx.Value(schedLockHeld{}) == nil {
			e.mu.Lock()
			defer e.mu.Unlock()
		}

		t, ok := e.Tasks[pid]
		if !ok {
			return nil, common.ErrHandlerFault
		}
		return e.runInlineLocked(t, addr, args)
	}
}

// runInlineLocked drives t's context from addr until the synthesized call
// frame unwinds (its matching RET), a fault occurs, or maxInlineSteps is
// exceeded. args's leading 4 bytes (big-endian), if present, are passed in
// R1; the result is R0 encoded the same way, matching the word-oriented
// argument convention SVC handlers already use for status/value returns.
func (e *Executive) runInlineLocked(t *Task, addr uint32, args []byte) ([]byte, error) {
	ctx := t.Ctx
	savedPC := ctx.PC
	savedDepth := uint32(ctx.CallDepth())

	var argWord uint32
	if len(args) >= 4 {
		argWord = binary.BigEndian.Uint32(args)
	}

	ctx.PushCallFrame(savedPC, vm.DefaultFrameSize)
	calleeWP := ctx.WP
	ctx.SetReg(1, argWord)
	ctx.PC = addr

	for i := 0; i < maxInlineSteps; i++ {
		e.vm.SetContext(ctx)
		res := e.vm.Step()
		switch res.Reason {
		case vm.ReasonOk:
			if uint32(ctx.CallDepth()) == savedDepth {
				// The RET already restored the caller's window; the
				// handler's return register lives in the callee frame.
				out := make([]byte, 4)
				binary.BigEndian.PutUint32(out, ctx.WindowReg(calleeWP, 0))
				return out, nil
			}
			continue

		case vm.ReasonFault:
			e.faultTaskLocked(t, res.PC, res.FaultErr)
			return nil, res.FaultErr

		case vm.ReasonSvc:
			out := e.dispatchSVC(t, Module(res.SvcMod), res.SvcFunc)
			if out.fault != nil {
				e.faultTaskLocked(t, res.PC, out.fault)
				return nil, out.fault
			}
			ctx.SetReg(0, out.status)
			ctx.SetReg(1, out.value)
			if out.park != BlockNone {
				// A blocking SVC inside an inline command call has no
				// caller context to resume into later; surface it as a
				// transient failure rather than leaving the frame parked
				// forever.
				ctx.PopCallFrame(savedDepth)
				ctx.PC = savedPC
				return nil, common.ErrWouldBlock
			}
			if t.State == StateStopped || t.State == StateFaulted {
				// TASK_EXIT inside the handler: the invocation completes
				// with whatever the handler left in its R0.
				result := make([]byte, 4)
				binary.BigEndian.PutUint32(result, ctx.WindowReg(calleeWP, 0))
				return result, nil
			}
			ctx.PC += 4
			continue

		default:
			return nil, common.ErrHandlerFault
		}
	}

	ctx.PopCallFrame(savedDepth)
	ctx.PC = savedPC
	return nil, common.ErrTimedOut
}

// asyncResultEnvelope packs an async command completion for mailbox
// delivery: {oid u16, status u16, payload_len u16, payload}.
func asyncResultEnvelope(res registry.AsyncResult) []byte {
	status := uint16(0)
	if res.Status != "OK" {
		status = 1
	}
	out := make([]byte, 6+len(res.Payload))
	binary.LittleEndian.PutUint16(out[0:2], uint16(res.OID))
	binary.LittleEndian.PutUint16(out[2:4], status)
	binary.LittleEndian.PutUint16(out[4:6], uint16(len(res.Payload)))
	copy(out[6:], res.Payload)
	return out
}

// CallCommandAsync enqueues oid's invocation on the bounded executor pool;
// when the handler completes, the result envelope is posted to the
// caller-supplied reply mailbox. A reply-mailbox failure ends the delivery
// silently — the caller is never faulted for a vanished reply queue.
func (e *Executive) CallCommandAsync(oid common.OID, token string, auth registry.AuthLevel, args []byte, reply common.MailboxHandle) error {
	return e.Commands.CallAsync(context.Background(), oid, token, auth, args, func(res registry.AsyncResult) error {
		_, err := e.Mailboxes.Send(context.Background(), reply, asyncResultEnvelope(res), false)
		return err
	})
}
