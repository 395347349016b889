package exec

import (
	"context"
	"errors"
	"strconv"

	"github.com/hsx-systems/hsx/common"
	"github.com/hsx-systems/hsx/mailbox"
	"github.com/hsx-systems/hsx/registry"
)

// Reserved SVC module IDs. 0x10-0x18 are held back for HAL backends
// (UART/CAN/Timer/FRAM/FS/GPIO/I2C/SPI) supplied by host driver stubs.
const (
	ModTaskStdio Module = 0x01
	ModCAN       Module = 0x02
	ModFS        Module = 0x04
	ModMailbox   Module = 0x05
	ModExecutive Module = 0x06
	ModValue     Module = 0x07
	ModCommand   Module = 0x08
)

// Module is an SVC module identifier.
type Module uint8

// Status codes returned in R0.
const (
	StatusOK        uint32 = 0
	StatusEAGAIN    uint32 = 1
	StatusETIMEDOUT uint32 = 2
	StatusEPERM     uint32 = 3
	StatusENOENT    uint32 = 4
	StatusEINVAL    uint32 = 5
	StatusEIO       uint32 = 6
	StatusEBADF     uint32 = 7
)

// TASK/STDIO function IDs.
const (
	FnTaskExit   uint8 = 0x01
	FnConsoleLog uint8 = 0x02
)

// Mailbox function IDs.
const (
	FnMboxCreate uint8 = 0x01
	FnMboxOpen   uint8 = 0x02
	FnMboxSend   uint8 = 0x03
	FnMboxRecv   uint8 = 0x04
	FnMboxPeek   uint8 = 0x05
	FnMboxClose  uint8 = 0x06
)

// Value function IDs.
const (
	FnValueGet       uint8 = 0x01
	FnValueSet       uint8 = 0x02
	FnValueSubscribe uint8 = 0x03
)

// Command function IDs.
const (
	FnCommandCall      uint8 = 0x01
	FnCommandCallAsync uint8 = 0x02
)

// Executive function IDs.
const (
	FnExecVersion uint8 = 0x01
	FnExecSleep   uint8 = 0x02
	FnExecPS      uint8 = 0x03
)

// svcOutcome is what a handler wants to happen to the calling task after
// the SVC returns: leave it Ready immediately, park it pending a wake
// condition (mailbox readiness or a sleep deadline), or fault it outright.
type svcOutcome struct {
	status   uint32
	value    uint32
	park     BlockKind
	wakeAt   int64
	mailbox  common.MailboxHandle
	fault    error // non-nil: the task faults instead of continuing
	svcError bool  // known module, unknown function; reported to the event stream
}

// dispatchSVC routes one trapped SVC to its module handler. Arguments are
// R0-R3 as captured at the trap; the handler's return values are written
// back into R0/R1 by the scheduler once the handler returns. An SVC naming
// a module with no handler here faults the task with BadSvc; that includes
// the reserved CAN (0x02) and FS (0x04) modules and the HAL range.
func (e *Executive) dispatchSVC(t *Task, mod Module, fn uint8) svcOutcome {
	switch mod {
	case ModTaskStdio:
		return e.svcTaskStdio(t, fn)
	case ModMailbox:
		return e.svcMailbox(t, fn)
	case ModValue:
		return e.svcValue(t, fn)
	case ModCommand:
		return e.svcCommand(t, fn)
	case ModExecutive:
		return e.svcExecutive(t, fn)
	default:
		return svcOutcome{fault: common.ErrBadSvc}
	}
}

func (e *Executive) svcTaskStdio(t *Task, fn uint8) svcOutcome {
	switch fn {
	case FnTaskExit:
		e.exitTask(t, int32(t.Ctx.Reg(0)))
		return svcOutcome{status: StatusOK}
	case FnConsoleLog:
		addr, length := t.Ctx.Reg(0), t.Ctx.Reg(1)
		buf := make([]byte, length)
		for i := uint32(0); i < length; i++ {
			v, err := t.Ctx.Data.Read32(addr + (i &^ 3))
			if err != nil {
				return svcOutcome{status: StatusEIO}
			}
			buf[i] = byte(v >> ((i % 4) * 8))
		}
		e.Console.Write(t.PID, buf)
		return svcOutcome{status: StatusOK}
	default:
		return svcOutcome{status: StatusENOENT, svcError: true}
	}
}

func (e *Executive) svcMailbox(t *Task, fn uint8) svcOutcome {
	switch fn {
	case FnMboxOpen:
		name := e.readCString(t, t.Ctx.Reg(0), t.Ctx.Reg(1))
		h, err := e.Mailboxes.Open(name)
		if err != nil {
			return svcOutcome{status: statusOf(err)}
		}
		return svcOutcome{status: StatusOK, value: uint32(h)}

	case FnMboxCreate:
		name := e.readCString(t, t.Ctx.Reg(0), t.Ctx.Reg(1))
		mode := mailbox.Mode(t.Ctx.Reg(2))
		capacity := int(t.Ctx.Reg(3))
		h, err := e.Mailboxes.Create(name, capacity, mode, t.PID)
		if err != nil {
			return svcOutcome{status: statusOf(err)}
		}
		return svcOutcome{status: StatusOK, value: uint32(h)}

	case FnMboxSend:
		// Always issued non-blocking against the mailbox itself (blocking=false):
		// the executive is a single cooperative scheduler goroutine, so a
		// suspension point parks the *task*, not the thread. A caller that
		// asked for blocking semantics (R3 != 0) gets re-dispatched here on
		// every tick until the send succeeds, rather than stalling Tick.
		handle := common.MailboxHandle(t.Ctx.Reg(0))
		payload := e.readBytes(t, t.Ctx.Reg(1), t.Ctx.Reg(2))
		blocking := t.Ctx.Reg(3) != 0
		_, err := e.Mailboxes.Send(context.Background(), handle, payload, false)
		if errors.Is(err, common.ErrWouldBlock) {
			if blocking {
				return svcOutcome{status: StatusEAGAIN, park: BlockMailbox, mailbox: handle}
			}
			return svcOutcome{status: StatusEAGAIN}
		}
		if err != nil {
			return svcOutcome{status: statusOf(err)}
		}
		return svcOutcome{status: StatusOK}

	case FnMboxRecv:
		handle := common.MailboxHandle(t.Ctx.Reg(0))
		out := make([]byte, t.Ctx.Reg(2))
		timeoutUS := int32(t.Ctx.Reg(3))
		n, err := e.Mailboxes.Recv(context.Background(), handle, out, 0)
		if errors.Is(err, common.ErrWouldBlock) {
			if timeoutUS != 0 { // non-zero: block (negative is the infinite sentinel)
				return svcOutcome{status: StatusEAGAIN, park: BlockMailbox, mailbox: handle}
			}
			return svcOutcome{status: StatusEAGAIN}
		}
		if err != nil {
			return svcOutcome{status: statusOf(err)}
		}
		e.writeBytes(t, t.Ctx.Reg(1), out[:n])
		return svcOutcome{status: StatusOK, value: uint32(n)}

	case FnMboxPeek:
		handle := common.MailboxHandle(t.Ctx.Reg(0))
		out := make([]byte, t.Ctx.Reg(2))
		n, err := e.Mailboxes.Peek(handle, out)
		if err != nil {
			return svcOutcome{status: statusOf(err)}
		}
		e.writeBytes(t, t.Ctx.Reg(1), out[:n])
		return svcOutcome{status: StatusOK, value: uint32(n)}

	case FnMboxClose:
		handle := common.MailboxHandle(t.Ctx.Reg(0))
		if err := e.Mailboxes.Close(handle); err != nil {
			return svcOutcome{status: statusOf(err)}
		}
		return svcOutcome{status: StatusOK}

	default:
		return svcOutcome{status: StatusENOENT, svcError: true}
	}
}

func (e *Executive) svcValue(t *Task, fn uint8) svcOutcome {
	switch fn {
	case FnValueGet:
		oid := common.OID(t.Ctx.Reg(0))
		v, err := e.Values.Get(oid)
		if err != nil {
			return svcOutcome{status: statusOf(err)}
		}
		return svcOutcome{status: StatusOK, value: uint32(v)}
	case FnValueSet:
		oid := common.OID(t.Ctx.Reg(0))
		v := common.F16(t.Ctx.Reg(1))
		entry, ok := e.Values.Entry(oid)
		isOwner := ok && entry.Owner == t.PID
		if err := e.Values.Set(oid, v, registry.AuthUser, isOwner); err != nil {
			return svcOutcome{status: statusOf(err)}
		}
		return svcOutcome{status: StatusOK}
	case FnValueSubscribe:
		oid := common.OID(t.Ctx.Reg(0))
		reply := common.MailboxHandle(t.Ctx.Reg(1))
		id, err := e.SubscribeValue(oid, reply)
		if err != nil {
			return svcOutcome{status: statusOf(err)}
		}
		return svcOutcome{status: StatusOK, value: id}
	default:
		return svcOutcome{status: StatusENOENT, svcError: true}
	}
}

func (e *Executive) svcCommand(t *Task, fn uint8) svcOutcome {
	switch fn {
	case FnCommandCall:
		oid := common.OID(t.Ctx.Reg(0))
		args := e.readBytes(t, t.Ctx.Reg(1), t.Ctx.Reg(2))
		// R3 is the PIN-token register for secure commands; zero means
		// "no token supplied".
		var token string
		if pin := t.Ctx.Reg(3); pin != 0 {
			token = strconv.FormatUint(uint64(pin), 10)
		}
		result, err := e.Commands.Call(e.lockedContext(), oid, token, registry.AuthUser, args)
		if err != nil {
			return svcOutcome{status: statusOf(err)}
		}
		e.writeBytes(t, t.Ctx.Reg(1), result)
		return svcOutcome{status: StatusOK, value: uint32(len(result))}

	case FnCommandCallAsync:
		// R3 carries the reply mailbox handle; the completion envelope is
		// posted there by the executor pool.
		oid := common.OID(t.Ctx.Reg(0))
		args := e.readBytes(t, t.Ctx.Reg(1), t.Ctx.Reg(2))
		reply := common.MailboxHandle(t.Ctx.Reg(3))
		if err := e.CallCommandAsync(oid, "", registry.AuthUser, args, reply); err != nil {
			return svcOutcome{status: statusOf(err)}
		}
		return svcOutcome{status: StatusOK}

	default:
		return svcOutcome{status: StatusENOENT, svcError: true}
	}
}

func (e *Executive) svcExecutive(t *Task, fn uint8) svcOutcome {
	switch fn {
	case FnExecVersion:
		return svcOutcome{status: StatusOK, value: protocolVersion}
	case FnExecSleep:
		us := int64(t.Ctx.Reg(0))
		return svcOutcome{status: StatusOK, park: BlockSleep, wakeAt: e.now + us}
	case FnExecPS:
		return svcOutcome{status: StatusOK, value: uint32(len(e.Tasks))}
	default:
		return svcOutcome{status: StatusENOENT, svcError: true}
	}
}

const protocolVersion = 2

// statusOf maps a sentinel error to the SVC status vocabulary.
func statusOf(err error) uint32 {
	switch {
	case errors.Is(err, common.ErrWouldBlock):
		return StatusEAGAIN
	case errors.Is(err, common.ErrTimedOut):
		return StatusETIMEDOUT
	case errors.Is(err, common.ErrPermission):
		return StatusEPERM
	case errors.Is(err, common.ErrNoSuchMailbox), errors.Is(err, common.ErrNoSuchValue), errors.Is(err, common.ErrNoSuchCommand):
		return StatusENOENT
	case errors.Is(err, common.ErrBadHandle):
		return StatusEBADF
	default:
		return StatusEINVAL
	}
}

// readCString reads a name out of guest data memory. Guest pointer
// arguments always carry an explicit length, never a NUL terminator.
func (e *Executive) readCString(t *Task, addr, length uint32) string {
	return string(e.readBytes(t, addr, length))
}

func (e *Executive) readBytes(t *Task, addr, length uint32) []byte {
	out := make([]byte, length)
	var i uint32
	for ; i+4 <= length; i += 4 {
		v, err := t.Ctx.Data.Read32(addr + i)
		if err != nil {
			return out[:i]
		}
		out[i], out[i+1], out[i+2], out[i+3] = byte(v), byte(v>>8), byte(v>>16), byte(v>>24)
	}
	for ; i < length; i++ {
		v, err := t.Ctx.Data.ReadByte(addr + i)
		if err != nil {
			return out[:i]
		}
		out[i] = v
	}
	return out
}

func (e *Executive) writeBytes(t *Task, addr uint32, data []byte) {
	var i int
	for ; i+4 <= len(data); i += 4 {
		v := uint32(data[i]) | uint32(data[i+1])<<8 | uint32(data[i+2])<<16 | uint32(data[i+3])<<24
		_ = t.Ctx.Data.Write32(addr+uint32(i), v)
	}
	for ; i < len(data); i++ {
		_ = t.Ctx.Data.WriteByte(addr+uint32(i), data[i])
	}
}
