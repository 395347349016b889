// Command hsx is the host-side tool for the HSX embedded VM platform: it
// can run an HXE image as a long-lived target (hsx run) and drive the
// debugger control plane against a running target as a client (load, ps,
// attach, step, bp, mbox, val, cmd).
package main

import (
	"fmt"
	"os"

	"gopkg.in/urfave/cli.v1"

	"github.com/hsx-systems/hsx/log"
)

var (
	rpcAddrFlag = cli.StringFlag{
		Name:  "rpc-addr",
		Usage: "control-plane stream listener address",
		Value: "127.0.0.1:4040",
	}
	configFlag = cli.StringFlag{
		Name:  "config",
		Usage: "hsx.toml configuration file",
	}
	pidFlag = cli.Uint64Flag{
		Name:  "pid",
		Usage: "target task PID",
	}
)

func main() {
	app := cli.NewApp()
	app.Name = "hsx"
	app.Usage = "HSX embedded VM platform: run images and attach the debugger control plane"
	app.Version = "0.1.0"
	app.Flags = []cli.Flag{rpcAddrFlag}

	app.Commands = []cli.Command{
		runCommand,
		loadCommand,
		psCommand,
		attachCommand,
		stepCommand,
		bpCommand,
		mboxCommand,
		valCommand,
		cmdCommand,
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitUsageError)
	}
}

// Exit codes: success, usage error, runtime fault, image error, session
// refused.
const (
	exitOK             = 0
	exitUsageError     = 1
	exitRuntimeFault   = 2
	exitImageError     = 3
	exitSessionRefused = 4
)

func fatal(code int, err error) {
	log.Error("hsx", "err", err)
	fmt.Fprintln(os.Stderr, err)
	os.Exit(code)
}
