package rpc

import (
	"bufio"
	"encoding/json"
	"io"
	"sync"

	"github.com/hsx-systems/hsx/log"
)

// ServeStream drives the normative line-delimited transport: one JSON
// Request per line in, one JSON Response per line out. Server-pushed
// EventMessages interleave on the same writer under writeMu so a
// notification never splices into a reply mid-line.
func ServeStream(srv *Server, rw io.ReadWriter) {
	var writeMu sync.Mutex
	enc := json.NewEncoder(rw)
	write := func(v interface{}) {
		writeMu.Lock()
		defer writeMu.Unlock()
		if err := enc.Encode(v); err != nil {
			log.Warn("rpc stream write failed", "err", err)
		}
	}
	push := func(ev EventMessage) { write(ev) }

	scanner := bufio.NewScanner(rw)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var req Request
		if err := json.Unmarshal(line, &req); err != nil {
			write(errorResponse(0, ErrCodeParse, err))
			continue
		}
		write(srv.Dispatch(req, push))
	}
}
