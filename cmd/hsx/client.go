package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net"
	"time"

	"github.com/hsx-systems/hsx/rpc"
)

// client is a thin one-request-at-a-time wrapper over the control plane's
// line-delimited stream transport, used by every non-interactive
// subcommand.
type client struct {
	conn    net.Conn
	dec     *json.Decoder
	nextSeq uint64
}

func dial(addr string) (*client, error) {
	conn, err := net.DialTimeout("tcp", addr, 3*time.Second)
	if err != nil {
		return nil, err
	}
	return &client{conn: conn, dec: json.NewDecoder(bufio.NewReader(conn))}, nil
}

func (c *client) Close() error { return c.conn.Close() }

// wireFrame is the union of a Response and an EventMessage as they appear
// on the shared stream; Event is non-empty only for server pushes.
type wireFrame struct {
	Seq    uint64          `json:"seq"`
	OK     bool            `json:"ok"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *rpc.ErrorObj   `json:"error,omitempty"`
	Event  string          `json:"event,omitempty"`
	Body   json.RawMessage `json:"body,omitempty"`
}

// call sends one request and waits for the response carrying a matching
// seq, discarding any unsolicited event pushes that arrive first.
func (c *client) call(cmd string, args interface{}) (wireFrame, error) {
	c.nextSeq++
	req := rpc.Request{Version: rpc.ProtocolVersion, Cmd: cmd, Seq: c.nextSeq}
	if args != nil {
		b, err := json.Marshal(args)
		if err != nil {
			return wireFrame{}, err
		}
		req.Args = b
	}
	line, err := json.Marshal(req)
	if err != nil {
		return wireFrame{}, err
	}
	if _, err := c.conn.Write(append(line, '\n')); err != nil {
		return wireFrame{}, err
	}
	for {
		var frame wireFrame
		if err := c.dec.Decode(&frame); err != nil {
			return wireFrame{}, err
		}
		if frame.Event != "" {
			// A push arriving ahead of our reply; non-interactive
			// commands simply skip it.
			continue
		}
		if frame.Seq == req.Seq {
			if frame.Error != nil {
				return frame, fmt.Errorf("hsx: %s", frame.Error.Message)
			}
			return frame, nil
		}
	}
}

// decodeResult unpacks a response frame's raw result into a concrete
// destination type.
func decodeResult(frame wireFrame, out interface{}) error {
	if len(frame.Result) == 0 {
		return nil
	}
	return json.Unmarshal(frame.Result, out)
}
