package main

import (
	"encoding/hex"
	"fmt"
	"os"

	"github.com/olekukonko/tablewriter"
	"gopkg.in/urfave/cli.v1"

	"github.com/hsx-systems/hsx/registry"
)

var tokenFlag = cli.StringFlag{Name: "token", Usage: "secure-command PIN"}
var argsFlag = cli.StringFlag{Name: "args", Usage: "hex-encoded argument payload"}

var cmdCommand = cli.Command{
	Name:  "cmd",
	Usage: "list and invoke registered commands",
	Subcommands: []cli.Command{
		{Action: cmdListAction, Name: "list", Usage: "list every registered command", Flags: []cli.Flag{rpcAddrFlag}},
		{Action: cmdCallAction, Name: "call", Usage: "invoke a command", ArgsUsage: "<oid>", Flags: []cli.Flag{rpcAddrFlag, adminFlag, tokenFlag, argsFlag}},
		{Action: cmdStatsAction, Name: "stats", Usage: "show invocation counters", ArgsUsage: "<oid>", Flags: []cli.Flag{rpcAddrFlag}},
	},
}

func cmdListAction(ctx *cli.Context) error {
	c, err := dial(ctx.GlobalString(rpcAddrFlag.Name))
	if err != nil {
		return cli.NewExitError(err, exitSessionRefused)
	}
	defer c.Close()

	resp, err := c.call("cmd.list", nil)
	if err != nil {
		return cli.NewExitError(err, exitRuntimeFault)
	}
	var rows []registry.CommandEntry
	if err := decodeResult(resp, &rows); err != nil {
		return cli.NewExitError(err, exitRuntimeFault)
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"OID", "HandlerAddr", "Flags", "Owner"})
	for _, r := range rows {
		table.Append([]string{
			r.OID.String(),
			fmt.Sprintf("0x%04X", r.HandlerAddr),
			fmt.Sprintf("%02x", uint8(r.Flags)),
			fmt.Sprintf("%d", r.Owner),
		})
	}
	table.Render()
	return nil
}

func cmdCallAction(ctx *cli.Context) error {
	if ctx.NArg() != 1 {
		return cli.NewExitError("usage: hsx cmd call <oid> [--token PIN] [--args hex]", exitUsageError)
	}
	oid, err := parseOID(ctx.Args().Get(0))
	if err != nil {
		return cli.NewExitError(err, exitUsageError)
	}
	var args []byte
	if raw := ctx.String(argsFlag.Name); raw != "" {
		args, err = hex.DecodeString(raw)
		if err != nil {
			return cli.NewExitError(err, exitUsageError)
		}
	}

	c, err := dial(ctx.GlobalString(rpcAddrFlag.Name))
	if err != nil {
		return cli.NewExitError(err, exitSessionRefused)
	}
	defer c.Close()

	auth := "user"
	if ctx.Bool(adminFlag.Name) {
		auth = "admin"
	}
	resp, err := c.call("cmd.call", map[string]interface{}{
		"oid": oid, "token": ctx.String(tokenFlag.Name), "auth": auth, "args": args,
	})
	if err != nil {
		return cli.NewExitError(err, exitRuntimeFault)
	}
	var result []byte
	if err := decodeResult(resp, &result); err != nil {
		return cli.NewExitError(err, exitRuntimeFault)
	}
	fmt.Println(hex.EncodeToString(result))
	return nil
}

func cmdStatsAction(ctx *cli.Context) error {
	if ctx.NArg() != 1 {
		return cli.NewExitError("usage: hsx cmd stats <oid>", exitUsageError)
	}
	oid, err := parseOID(ctx.Args().Get(0))
	if err != nil {
		return cli.NewExitError(err, exitUsageError)
	}

	c, err := dial(ctx.GlobalString(rpcAddrFlag.Name))
	if err != nil {
		return cli.NewExitError(err, exitSessionRefused)
	}
	defer c.Close()

	resp, err := c.call("cmd.stats", map[string]interface{}{"oid": oid})
	if err != nil {
		return cli.NewExitError(err, exitRuntimeFault)
	}
	var stats registry.CallStats
	if err := decodeResult(resp, &stats); err != nil {
		return cli.NewExitError(err, exitRuntimeFault)
	}
	fmt.Printf("invocations=%d faults=%d\n", stats.Invocations, stats.Faults)
	return nil
}
