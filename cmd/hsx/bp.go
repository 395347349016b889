package main

import (
	"fmt"
	"strconv"

	"gopkg.in/urfave/cli.v1"
)

var bpCommand = cli.Command{
	Name:  "bp",
	Usage: "manage breakpoints on a loaded task",
	Subcommands: []cli.Command{
		{Action: bpSetAction, Name: "set", Usage: "set a breakpoint", ArgsUsage: "<pc>", Flags: []cli.Flag{rpcAddrFlag, pidFlag}},
		{Action: bpClearAction, Name: "clear", Usage: "clear a breakpoint", ArgsUsage: "<pc>", Flags: []cli.Flag{rpcAddrFlag, pidFlag}},
		{Action: bpListAction, Name: "list", Usage: "list breakpoints", Flags: []cli.Flag{rpcAddrFlag, pidFlag}},
	},
}

func parsePC(s string) (uint32, error) {
	n, err := strconv.ParseUint(s, 0, 32)
	return uint32(n), err
}

func bpSetAction(ctx *cli.Context) error {
	if ctx.NArg() != 1 {
		return cli.NewExitError("usage: hsx bp set <pc>", exitUsageError)
	}
	pc, err := parsePC(ctx.Args().Get(0))
	if err != nil {
		return cli.NewExitError(err, exitUsageError)
	}
	c, err := dial(ctx.GlobalString(rpcAddrFlag.Name))
	if err != nil {
		return cli.NewExitError(err, exitSessionRefused)
	}
	defer c.Close()
	if _, err := c.call("bp.set", map[string]interface{}{"pid": ctx.Uint64(pidFlag.Name), "pc": pc}); err != nil {
		return cli.NewExitError(err, exitRuntimeFault)
	}
	return nil
}

func bpClearAction(ctx *cli.Context) error {
	if ctx.NArg() != 1 {
		return cli.NewExitError("usage: hsx bp clear <pc>", exitUsageError)
	}
	pc, err := parsePC(ctx.Args().Get(0))
	if err != nil {
		return cli.NewExitError(err, exitUsageError)
	}
	c, err := dial(ctx.GlobalString(rpcAddrFlag.Name))
	if err != nil {
		return cli.NewExitError(err, exitSessionRefused)
	}
	defer c.Close()
	if _, err := c.call("bp.clear", map[string]interface{}{"pid": ctx.Uint64(pidFlag.Name), "pc": pc}); err != nil {
		return cli.NewExitError(err, exitRuntimeFault)
	}
	return nil
}

func bpListAction(ctx *cli.Context) error {
	c, err := dial(ctx.GlobalString(rpcAddrFlag.Name))
	if err != nil {
		return cli.NewExitError(err, exitSessionRefused)
	}
	defer c.Close()
	resp, err := c.call("bp.list", map[string]interface{}{"pid": ctx.Uint64(pidFlag.Name)})
	if err != nil {
		return cli.NewExitError(err, exitRuntimeFault)
	}
	var pcs []uint32
	if err := decodeResult(resp, &pcs); err != nil {
		return cli.NewExitError(err, exitRuntimeFault)
	}
	for _, pc := range pcs {
		fmt.Printf("0x%04X\n", pc)
	}
	return nil
}
