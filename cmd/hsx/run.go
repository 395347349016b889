package main

import (
	"net"
	"net/http"
	"os"
	"time"

	"gopkg.in/urfave/cli.v1"

	"github.com/hsx-systems/hsx/config"
	"github.com/hsx-systems/hsx/exec"
	"github.com/hsx-systems/hsx/image"
	"github.com/hsx-systems/hsx/log"
	"github.com/hsx-systems/hsx/rpc"
)

var runCommand = cli.Command{
	Action:    runImage,
	Name:      "run",
	Usage:     "load an HXE image and serve the debugger control plane",
	ArgsUsage: "<image.hxe>",
	Flags:     []cli.Flag{configFlag, rpcAddrFlag},
}

// runImage is the target-side entry point: load the image, start the
// executive's tick loop on a fixed quantum, and serve the control plane
// until the process is killed. This is the long-lived process other hsx
// invocations attach to.
func runImage(ctx *cli.Context) error {
	if ctx.NArg() != 1 {
		return cli.NewExitError("usage: hsx run <image.hxe>", exitUsageError)
	}
	path := ctx.Args().Get(0)

	cfg := config.Default()
	if cfgPath := ctx.String(configFlag.Name); cfgPath != "" {
		loaded, err := config.Load(cfgPath)
		if err != nil {
			return cli.NewExitError(err, exitUsageError)
		}
		cfg = loaded
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return cli.NewExitError(err, exitImageError)
	}
	img, err := image.Load(raw)
	if err != nil {
		return cli.NewExitError(err, exitImageError)
	}

	e := exec.New(cfg)
	defer e.Close()
	pid, err := e.Load(img)
	if err != nil {
		return cli.NewExitError(err, exitRuntimeFault)
	}
	log.Info("hsx: image loaded", "pid", pid, "app", img.Header.AppName)

	srv := rpc.NewServer(e)

	addr := ctx.String(rpcAddrFlag.Name)
	if cfg.Debug.ListenAddr != "" {
		addr = cfg.Debug.ListenAddr
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return cli.NewExitError(err, exitSessionRefused)
	}
	log.Info("hsx: control plane listening", "addr", addr)
	go serveStreamListener(srv, ln)

	if cfg.Debug.WebSocketAddr != "" {
		go func() {
			log.Info("hsx: websocket control plane listening", "addr", cfg.Debug.WebSocketAddr)
			if err := http.ListenAndServe(cfg.Debug.WebSocketAddr, rpc.WebSocketHandler(srv)); err != nil {
				log.Error("hsx: websocket listener stopped", "err", err)
			}
		}()
	}

	tickLoop(e)
	return nil
}

func serveStreamListener(srv *rpc.Server, ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			log.Error("hsx: control plane accept failed", "err", err)
			return
		}
		go rpc.ServeStream(srv, conn)
	}
}

// tickLoop drives every Ready task forward at a fixed cadence, the
// in-process stand-in for the embedded target's own instruction clock.
func tickLoop(e *exec.Executive) {
	const quantum = 1000
	ticker := time.NewTicker(2 * time.Millisecond)
	defer ticker.Stop()
	for range ticker.C {
		e.Tick(quantum)
		e.Advance(2000)
	}
}
