package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/hsx-systems/hsx/common"
	"github.com/hsx-systems/hsx/exec"
	"github.com/hsx-systems/hsx/image"
	"github.com/hsx-systems/hsx/registry"
)

// Server binds one Executive to the control-plane dispatch table. A Server
// is shared by every transport (stream, WebSocket) attached to the same
// executive; the underlying exec.Session lock still enforces the
// one-debugger rule, this type is just the JSON plumbing in front of it.
type Server struct {
	Exec *exec.Executive

	mu         sync.Mutex
	session    *exec.Session
	currentPID common.PID
}

// NewServer constructs a Server for exc.
func NewServer(exc *exec.Executive) *Server {
	return &Server{Exec: exc}
}

// Dispatch handles one Request and returns its Response. push, if non-nil,
// is how the server delivers unsolicited event-stream notifications for
// this connection (bound by session.open/session.reattach); pass nil for
// connections that never subscribe. Every inbound request refreshes the
// attached session's keepalive.
func (s *Server) Dispatch(req Request, push func(EventMessage)) Response {
	s.mu.Lock()
	if s.session != nil {
		s.session.Touch()
	}
	s.mu.Unlock()

	result, err := s.call(req.Cmd, req.Args, push)
	if err != nil {
		code := ErrCodeFault
		if _, ok := err.(*methodNotFoundError); ok {
			code = ErrCodeMethodNotFound
		} else if _, ok := err.(*invalidParamsError); ok {
			code = ErrCodeInvalidParams
		}
		return errorResponse(req.Seq, code, err)
	}
	return Response{Seq: req.Seq, OK: true, Result: result}
}

type methodNotFoundError struct{ cmd string }

func (e *methodNotFoundError) Error() string { return fmt.Sprintf("rpc: unknown cmd %q", e.cmd) }

type invalidParamsError struct{ msg string }

func (e *invalidParamsError) Error() string { return e.msg }

func decodeArgs(raw json.RawMessage, v interface{}) error {
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return &invalidParamsError{msg: "rpc: bad args: " + err.Error()}
	}
	return nil
}

func (s *Server) pidOrCurrent(pid common.PID) common.PID {
	if pid != 0 {
		return pid
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.currentPID
}

func (s *Server) call(cmd string, raw json.RawMessage, push func(EventMessage)) (interface{}, error) {
	switch cmd {

	case "session.open":
		return s.sessionOpen(push)

	case "session.reattach":
		var p struct {
			SessionID common.SessionID `json:"session_id"`
		}
		if err := decodeArgs(raw, &p); err != nil {
			return nil, err
		}
		return s.sessionReattach(p.SessionID, push)

	case "session.close":
		var p struct {
			SessionID common.SessionID `json:"session_id"`
		}
		if err := decodeArgs(raw, &p); err != nil {
			return nil, err
		}
		return nil, s.Exec.Detach(p.SessionID)

	case "session.ack":
		var p struct {
			Seq uint64 `json:"seq"`
		}
		if err := decodeArgs(raw, &p); err != nil {
			return nil, err
		}
		s.mu.Lock()
		sess := s.session
		s.mu.Unlock()
		if sess == nil {
			return nil, common.ErrNoSession
		}
		sess.Ack(p.Seq)
		return nil, nil

	case "load":
		var p struct {
			Bytes []byte `json:"bytes"` // base64 on the wire
		}
		if err := decodeArgs(raw, &p); err != nil {
			return nil, err
		}
		img, err := image.Load(p.Bytes)
		if err != nil {
			return nil, err
		}
		pid, err := s.Exec.Load(img)
		if err != nil {
			return nil, err
		}
		return struct {
			PID common.PID `json:"pid"`
			App string     `json:"app"`
		}{pid, img.Header.AppName}, nil

	case "ps":
		return s.ps(), nil

	case "vm.set_context":
		var p struct {
			PID common.PID `json:"pid"`
		}
		if err := decodeArgs(raw, &p); err != nil {
			return nil, err
		}
		if s.Exec.Task(p.PID) == nil {
			return nil, common.ErrNoSuchTask
		}
		s.mu.Lock()
		s.currentPID = p.PID
		s.mu.Unlock()
		return nil, nil

	case "vm.step":
		var p struct {
			PID common.PID `json:"pid"`
		}
		if err := decodeArgs(raw, &p); err != nil {
			return nil, err
		}
		return s.Exec.StepTask(s.pidOrCurrent(p.PID), 1)

	case "vm.clock":
		var p struct {
			PID common.PID `json:"pid"`
			N   int        `json:"n"`
		}
		if err := decodeArgs(raw, &p); err != nil {
			return nil, err
		}
		return s.Exec.StepTask(s.pidOrCurrent(p.PID), p.N)

	case "vm.step_over":
		var p struct {
			PID common.PID `json:"pid"`
		}
		if err := decodeArgs(raw, &p); err != nil {
			return nil, err
		}
		return s.Exec.StepOver(s.pidOrCurrent(p.PID))

	case "vm.step_out":
		var p struct {
			PID common.PID `json:"pid"`
		}
		if err := decodeArgs(raw, &p); err != nil {
			return nil, err
		}
		return s.Exec.StepOut(s.pidOrCurrent(p.PID))

	case "vm.resume":
		var p struct {
			PID common.PID `json:"pid"`
		}
		if err := decodeArgs(raw, &p); err != nil {
			return nil, err
		}
		return nil, s.Exec.Resume(s.pidOrCurrent(p.PID))

	case "time.advance":
		var p struct {
			Microseconds int64 `json:"microseconds"`
		}
		if err := decodeArgs(raw, &p); err != nil {
			return nil, err
		}
		s.Exec.Advance(p.Microseconds)
		return nil, nil

	case "reg.get":
		var p struct {
			PID common.PID `json:"pid"`
			Reg uint8      `json:"reg"`
		}
		if err := decodeArgs(raw, &p); err != nil {
			return nil, err
		}
		return s.Exec.GetRegister(s.pidOrCurrent(p.PID), p.Reg)

	case "reg.set":
		var p struct {
			PID   common.PID `json:"pid"`
			Reg   uint8      `json:"reg"`
			Value uint32     `json:"value"`
		}
		if err := decodeArgs(raw, &p); err != nil {
			return nil, err
		}
		return nil, s.Exec.SetRegister(s.pidOrCurrent(p.PID), p.Reg, p.Value)

	case "bp.set":
		var p struct {
			PID common.PID `json:"pid"`
			PC  uint32     `json:"pc"`
		}
		if err := decodeArgs(raw, &p); err != nil {
			return nil, err
		}
		return nil, s.Exec.SetBreakpoint(s.pidOrCurrent(p.PID), p.PC)

	case "bp.clear":
		var p struct {
			PID common.PID `json:"pid"`
			PC  uint32     `json:"pc"`
		}
		if err := decodeArgs(raw, &p); err != nil {
			return nil, err
		}
		return nil, s.Exec.ClearBreakpoint(s.pidOrCurrent(p.PID), p.PC)

	case "bp.list":
		var p struct {
			PID common.PID `json:"pid"`
		}
		if err := decodeArgs(raw, &p); err != nil {
			return nil, err
		}
		return s.Exec.Breakpoints(s.pidOrCurrent(p.PID))

	case "mbox.list":
		return s.Exec.Mailboxes.List(), nil

	case "mbox.inspect":
		var p struct {
			Handle common.MailboxHandle `json:"handle"`
		}
		if err := decodeArgs(raw, &p); err != nil {
			return nil, err
		}
		return s.Exec.Mailboxes.Stats(p.Handle)

	case "val.list":
		return s.Exec.Values.List(), nil

	case "val.get":
		var p struct {
			OID common.OID `json:"oid"`
		}
		if err := decodeArgs(raw, &p); err != nil {
			return nil, err
		}
		return s.Exec.Values.Get(p.OID)

	case "val.set":
		var p struct {
			OID   common.OID `json:"oid"`
			Value float32    `json:"value"`
			Auth  string     `json:"auth"`
			Owner bool       `json:"owner"`
		}
		if err := decodeArgs(raw, &p); err != nil {
			return nil, err
		}
		return nil, s.Exec.Values.Set(p.OID, common.FromFloat32(p.Value), parseAuth(p.Auth), p.Owner)

	case "val.subscribe":
		var p struct {
			OID   common.OID           `json:"oid"`
			Reply common.MailboxHandle `json:"reply"`
		}
		if err := decodeArgs(raw, &p); err != nil {
			return nil, err
		}
		id, err := s.Exec.SubscribeValue(p.OID, p.Reply)
		if err != nil {
			return nil, err
		}
		return struct {
			ID uint32 `json:"id"`
		}{id}, nil

	case "val.unsubscribe":
		var p struct {
			OID common.OID `json:"oid"`
			ID  uint32     `json:"id"`
		}
		if err := decodeArgs(raw, &p); err != nil {
			return nil, err
		}
		s.Exec.UnsubscribeValue(p.OID, p.ID)
		return nil, nil

	case "val.stats":
		var p struct {
			OID common.OID `json:"oid"`
		}
		if err := decodeArgs(raw, &p); err != nil {
			return nil, err
		}
		entry, ok := s.Exec.Values.Entry(p.OID)
		if !ok {
			return nil, common.ErrNoSuchValue
		}
		descriptors, _ := s.Exec.Values.Descriptors(p.OID)
		return struct {
			Entry       registry.ValueEntry       `json:"entry"`
			Descriptors []registry.DescriptorSpec `json:"descriptors"`
		}{entry, descriptors}, nil

	case "cmd.list":
		return s.Exec.Commands.List(), nil

	case "cmd.call":
		var p struct {
			OID   common.OID `json:"oid"`
			Token string     `json:"token"`
			Auth  string     `json:"auth"`
			Args  []byte     `json:"args"`
		}
		if err := decodeArgs(raw, &p); err != nil {
			return nil, err
		}
		return s.Exec.Commands.Call(context.Background(), p.OID, p.Token, parseAuth(p.Auth), p.Args)

	case "cmd.call_async":
		var p struct {
			OID   common.OID           `json:"oid"`
			Token string               `json:"token"`
			Auth  string               `json:"auth"`
			Args  []byte               `json:"args"`
			Reply common.MailboxHandle `json:"reply"`
		}
		if err := decodeArgs(raw, &p); err != nil {
			return nil, err
		}
		return nil, s.Exec.CallCommandAsync(p.OID, p.Token, parseAuth(p.Auth), p.Args, p.Reply)

	case "cmd.stats":
		var p struct {
			OID common.OID `json:"oid"`
		}
		if err := decodeArgs(raw, &p); err != nil {
			return nil, err
		}
		stats, _ := s.Exec.Commands.Stats(p.OID)
		return stats, nil

	case "disassemble":
		var p struct {
			PID common.PID `json:"pid"`
		}
		if err := decodeArgs(raw, &p); err != nil {
			return nil, err
		}
		return s.Exec.Disassemble(s.pidOrCurrent(p.PID))

	case "readMemory":
		var p struct {
			PID  common.PID `json:"pid"`
			Addr uint32     `json:"addr"`
		}
		if err := decodeArgs(raw, &p); err != nil {
			return nil, err
		}
		return s.Exec.ReadMemory(s.pidOrCurrent(p.PID), p.Addr)

	case "writeMemory":
		var p struct {
			PID   common.PID `json:"pid"`
			Addr  uint32     `json:"addr"`
			Value uint32     `json:"value"`
		}
		if err := decodeArgs(raw, &p); err != nil {
			return nil, err
		}
		return nil, s.Exec.WriteMemory(s.pidOrCurrent(p.PID), p.Addr, p.Value)

	case "traceControl":
		var p struct {
			PID     common.PID `json:"pid"`
			Enabled bool       `json:"enabled"`
		}
		if err := decodeArgs(raw, &p); err != nil {
			return nil, err
		}
		return nil, s.Exec.SetTrace(s.pidOrCurrent(p.PID), p.Enabled)

	case "traceRecords":
		var p struct {
			PID common.PID `json:"pid"`
		}
		if err := decodeArgs(raw, &p); err != nil {
			return nil, err
		}
		return s.Exec.TraceRecords(s.pidOrCurrent(p.PID))

	case "events.subscribe":
		return s.eventsSubscribe(push)

	default:
		return nil, &methodNotFoundError{cmd: cmd}
	}
}

func parseAuth(s string) registry.AuthLevel {
	if s == "admin" {
		return registry.AuthAdmin
	}
	return registry.AuthUser
}

func (s *Server) ps() []taskSummary {
	out := make([]taskSummary, 0)
	for _, pid := range s.Exec.PIDs() {
		t := s.Exec.Task(pid)
		if t == nil {
			continue
		}
		out = append(out, taskSummary{PID: pid, App: t.AppName, State: t.State.String(), PC: t.Ctx.PC})
	}
	return out
}

type taskSummary struct {
	PID   common.PID `json:"pid"`
	App   string     `json:"app"`
	State string     `json:"state"`
	PC    uint32     `json:"pc"`
}

func pushEvent(push func(EventMessage)) func(exec.Event) {
	return func(ev exec.Event) {
		if push != nil {
			push(EventMessage{Event: ev.Category.String(), Seq: ev.Seq, Body: ev.Body})
		}
	}
}

func (s *Server) sessionOpen(push func(EventMessage)) (interface{}, error) {
	sess, err := s.Exec.Attach(pushEvent(push))
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.session = sess
	s.mu.Unlock()
	return struct {
		SessionID common.SessionID `json:"session_id"`
	}{sess.ID}, nil
}

// sessionReattach resumes a session within its keepalive grace window,
// rebinding the event stream to this connection's push path; unacked
// non-droppable events replay immediately.
func (s *Server) sessionReattach(id common.SessionID, push func(EventMessage)) (interface{}, error) {
	sess, err := s.Exec.Reattach(id, pushEvent(push))
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.session = sess
	s.mu.Unlock()
	return struct {
		SessionID common.SessionID `json:"session_id"`
	}{sess.ID}, nil
}

func (s *Server) eventsSubscribe(push func(EventMessage)) (interface{}, error) {
	s.mu.Lock()
	sess := s.session
	s.mu.Unlock()
	if sess == nil {
		return nil, common.ErrNoSession
	}
	return struct {
		SessionID common.SessionID `json:"session_id"`
	}{sess.ID}, nil
}
