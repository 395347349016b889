package main

import (
	"fmt"
	"strconv"

	"gopkg.in/urfave/cli.v1"
)

var stepCommand = cli.Command{
	Action:    stepAction,
	Name:      "step",
	Usage:     "single-step a task n instructions (default 1)",
	ArgsUsage: "[n]",
	Flags:     []cli.Flag{rpcAddrFlag, pidFlag},
}

func stepAction(ctx *cli.Context) error {
	n := 1
	if ctx.NArg() == 1 {
		parsed, err := strconv.Atoi(ctx.Args().Get(0))
		if err != nil {
			return cli.NewExitError(fmt.Errorf("hsx: bad step count %q", ctx.Args().Get(0)), exitUsageError)
		}
		n = parsed
	}

	c, err := dial(ctx.GlobalString(rpcAddrFlag.Name))
	if err != nil {
		return cli.NewExitError(err, exitSessionRefused)
	}
	defer c.Close()

	pid := ctx.Uint64(pidFlag.Name)
	method, args := "vm.step", map[string]interface{}{"pid": pid}
	if n > 1 {
		method = "vm.clock"
		args["n"] = n
	}
	resp, err := c.call(method, args)
	if err != nil {
		return cli.NewExitError(err, exitRuntimeFault)
	}

	var outcome struct {
		PC     uint32 `json:"PC"`
		Reason uint8  `json:"Reason"`
	}
	if err := decodeResult(resp, &outcome); err != nil {
		return cli.NewExitError(err, exitRuntimeFault)
	}
	fmt.Printf("pc=0x%04X reason=%s\n", outcome.PC, reasonName(outcome.Reason))
	return nil
}

func reasonName(r uint8) string {
	switch r {
	case 0:
		return "Ok"
	case 1:
		return "Break"
	case 2:
		return "Fault"
	case 3:
		return "Svc"
	default:
		return "Unknown"
	}
}
