package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/peterh/liner"
	"gopkg.in/urfave/cli.v1"

	"github.com/hsx-systems/hsx/rpc"
)

var attachCommand = cli.Command{
	Action: attachAction,
	Name:   "attach",
	Usage:  "open an interactive session against a running target",
	Flags:  []cli.Flag{rpcAddrFlag, pidFlag},
}

// attachSession keeps one long-lived connection open for the whole REPL,
// routing replies back to whichever call is waiting on them while printing
// every unsolicited event push as it arrives.
type attachSession struct {
	conn net.Conn
	enc  *json.Encoder

	mu      sync.Mutex
	nextSeq uint64
	pending map[uint64]chan wireFrame
}

func newAttachSession(addr string) (*attachSession, error) {
	conn, err := net.DialTimeout("tcp", addr, 3*time.Second)
	if err != nil {
		return nil, err
	}
	s := &attachSession{
		conn:    conn,
		enc:     json.NewEncoder(conn),
		pending: make(map[uint64]chan wireFrame),
	}
	go s.readLoop()
	return s, nil
}

func (s *attachSession) readLoop() {
	scanner := bufio.NewScanner(s.conn)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		var frame wireFrame
		if err := json.Unmarshal(scanner.Bytes(), &frame); err != nil {
			continue
		}
		if frame.Event != "" {
			fmt.Printf("\n<< event %s seq=%d %s\n", frame.Event, frame.Seq, string(frame.Body))
			continue
		}
		s.mu.Lock()
		ch, ok := s.pending[frame.Seq]
		delete(s.pending, frame.Seq)
		s.mu.Unlock()
		if ok {
			ch <- frame
		}
	}
}

func (s *attachSession) call(cmd string, args interface{}) (wireFrame, error) {
	s.mu.Lock()
	s.nextSeq++
	seq := s.nextSeq
	ch := make(chan wireFrame, 1)
	s.pending[seq] = ch
	s.mu.Unlock()

	req := rpc.Request{Version: rpc.ProtocolVersion, Cmd: cmd, Seq: seq}
	if args != nil {
		b, err := json.Marshal(args)
		if err != nil {
			return wireFrame{}, err
		}
		req.Args = b
	}
	if err := s.enc.Encode(req); err != nil {
		return wireFrame{}, err
	}
	frame := <-ch
	if frame.Error != nil {
		return frame, fmt.Errorf("hsx: %s", frame.Error.Message)
	}
	return frame, nil
}

func (s *attachSession) Close() error { return s.conn.Close() }

// attachAction drives a peterh/liner REPL over one attached session.
func attachAction(ctx *cli.Context) error {
	sess, err := newAttachSession(ctx.GlobalString(rpcAddrFlag.Name))
	if err != nil {
		return cli.NewExitError(err, exitSessionRefused)
	}
	defer sess.Close()

	if _, err := sess.call("session.open", nil); err != nil {
		return cli.NewExitError(err, exitSessionRefused)
	}
	if _, err := sess.call("events.subscribe", nil); err != nil {
		return cli.NewExitError(err, exitSessionRefused)
	}

	pid := ctx.Uint64(pidFlag.Name)
	if pid != 0 {
		if _, err := sess.call("vm.set_context", map[string]interface{}{"pid": pid}); err != nil {
			fmt.Println("warning:", err)
		}
	}

	line := liner.NewLiner()
	defer line.Close()
	line.SetCtrlCAborts(true)

	fmt.Println("hsx attach: type 'help' for commands, 'quit' to exit")
	for {
		input, err := line.Prompt("hsx> ")
		if err != nil {
			break
		}
		input = strings.TrimSpace(input)
		if input == "" {
			continue
		}
		line.AppendHistory(input)
		if input == "quit" || input == "exit" {
			break
		}
		if input == "help" {
			printAttachHelp()
			continue
		}
		runAttachCommand(sess, input)
	}
	return nil
}

func printAttachHelp() {
	fmt.Println(`commands:
  step [n]             single-step n instructions (default 1)
  bp set <pc>          set a breakpoint
  bp clear <pc>        clear a breakpoint
  bp list              list breakpoints
  reg get <n>          read register n
  reg set <n> <v>      write register n
  disas                disassemble the current task
  mbox list            list mailboxes
  val list             list registry values
  val get <oid>        read one value
  cmd list             list commands
  cmd call <oid>       invoke a command
  quit                 leave the session`)
}

func runAttachCommand(sess *attachSession, line string) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return
	}
	var resp wireFrame
	var err error

	switch fields[0] {
	case "step":
		n := 1
		if len(fields) > 1 {
			n, _ = strconv.Atoi(fields[1])
		}
		if n > 1 {
			resp, err = sess.call("vm.clock", map[string]interface{}{"n": n})
		} else {
			resp, err = sess.call("vm.step", nil)
		}
	case "bp":
		if len(fields) < 2 {
			fmt.Println("usage: bp set|clear|list [pc]")
			return
		}
		switch fields[1] {
		case "set":
			pc, _ := parsePC(fields[2])
			resp, err = sess.call("bp.set", map[string]interface{}{"pc": pc})
		case "clear":
			pc, _ := parsePC(fields[2])
			resp, err = sess.call("bp.clear", map[string]interface{}{"pc": pc})
		case "list":
			resp, err = sess.call("bp.list", nil)
		}
	case "reg":
		if len(fields) < 3 {
			fmt.Println("usage: reg get|set <n> [v]")
			return
		}
		n, _ := strconv.Atoi(fields[2])
		if fields[1] == "get" {
			resp, err = sess.call("reg.get", map[string]interface{}{"reg": n})
		} else if fields[1] == "set" && len(fields) > 3 {
			v, _ := strconv.ParseUint(fields[3], 0, 32)
			resp, err = sess.call("reg.set", map[string]interface{}{"reg": n, "value": v})
		}
	case "disas":
		resp, err = sess.call("disassemble", nil)
	case "mbox":
		resp, err = sess.call("mbox.list", nil)
	case "val":
		if len(fields) >= 2 && fields[1] == "get" && len(fields) > 2 {
			oid, _ := parseOID(fields[2])
			resp, err = sess.call("val.get", map[string]interface{}{"oid": oid})
		} else {
			resp, err = sess.call("val.list", nil)
		}
	case "cmd":
		if len(fields) >= 2 && fields[1] == "call" && len(fields) > 2 {
			oid, _ := parseOID(fields[2])
			resp, err = sess.call("cmd.call", map[string]interface{}{"oid": oid})
		} else {
			resp, err = sess.call("cmd.list", nil)
		}
	default:
		fmt.Println("unknown command, type 'help'")
		return
	}

	if err != nil {
		fmt.Println("error:", err)
		return
	}
	var pretty interface{}
	if len(resp.Result) > 0 {
		_ = json.Unmarshal(resp.Result, &pretty)
	}
	b, _ := json.MarshalIndent(pretty, "", "  ")
	fmt.Println(string(b))
}
