package rpc

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/hsx-systems/hsx/config"
	"github.com/hsx-systems/hsx/exec"
	"github.com/hsx-systems/hsx/image"
	"github.com/hsx-systems/hsx/toolchain"
)

func loadSampleTask(t *testing.T) (*exec.Executive, uint16) {
	t.Helper()
	obj, err := toolchain.Assemble("unit.mvasm", "_start:\n    LDI R1, 7\n    BRK\n")
	require.NoError(t, err)
	result, err := toolchain.Link([]*toolchain.Object{obj}, toolchain.LinkOptions{AppName: "rpc-test"})
	require.NoError(t, err)
	img, err := image.Load(result.HXE)
	require.NoError(t, err)

	e := exec.New(config.Default())
	pid, err := e.Load(img)
	require.NoError(t, err)
	return e, uint16(pid)
}

func call(t *testing.T, srv *Server, cmd string, args interface{}) Response {
	t.Helper()
	var raw json.RawMessage
	if args != nil {
		b, err := json.Marshal(args)
		require.NoError(t, err)
		raw = b
	}
	return srv.Dispatch(Request{Version: ProtocolVersion, Cmd: cmd, Args: raw, Seq: 1}, nil)
}

func TestPsListsLoadedTask(t *testing.T) {
	e, pid := loadSampleTask(t)
	srv := NewServer(e)

	resp := call(t, srv, "ps", nil)
	require.Nil(t, resp.Error)
	require.True(t, resp.OK)

	tasks, ok := resp.Result.([]taskSummary)
	require.True(t, ok)
	require.Len(t, tasks, 1)
	require.EqualValues(t, pid, tasks[0].PID)
	require.Equal(t, "Ready", tasks[0].State)
}

func TestVMSetContextThenStep(t *testing.T) {
	e, pid := loadSampleTask(t)
	srv := NewServer(e)

	resp := call(t, srv, "vm.set_context", map[string]interface{}{"pid": pid})
	require.Nil(t, resp.Error)

	resp = call(t, srv, "vm.step", nil)
	require.Nil(t, resp.Error)
}

func TestUnknownMethodReturnsMethodNotFound(t *testing.T) {
	e, _ := loadSampleTask(t)
	srv := NewServer(e)

	resp := call(t, srv, "nonexistent.method", nil)
	require.NotNil(t, resp.Error)
	require.Equal(t, ErrCodeMethodNotFound, resp.Error.Code)
}

func TestSessionOpenThenEventsSubscribe(t *testing.T) {
	e, _ := loadSampleTask(t)
	srv := NewServer(e)

	resp := call(t, srv, "session.open", nil)
	require.Nil(t, resp.Error)

	resp = call(t, srv, "events.subscribe", nil)
	require.Nil(t, resp.Error)
}

func TestMboxListEmpty(t *testing.T) {
	e, _ := loadSampleTask(t)
	srv := NewServer(e)

	resp := call(t, srv, "mbox.list", nil)
	require.Nil(t, resp.Error)
}
