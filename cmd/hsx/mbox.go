package main

import (
	"fmt"
	"os"
	"strconv"

	"github.com/olekukonko/tablewriter"
	"gopkg.in/urfave/cli.v1"

	"github.com/hsx-systems/hsx/mailbox"
)

var mboxCommand = cli.Command{
	Name:  "mbox",
	Usage: "inspect the mailbox table",
	Subcommands: []cli.Command{
		{Action: mboxListAction, Name: "list", Usage: "list every live mailbox", Flags: []cli.Flag{rpcAddrFlag}},
		{Action: mboxInspectAction, Name: "inspect", Usage: "show one mailbox's counters", ArgsUsage: "<handle>", Flags: []cli.Flag{rpcAddrFlag}},
	},
}

func mboxListAction(ctx *cli.Context) error {
	c, err := dial(ctx.GlobalString(rpcAddrFlag.Name))
	if err != nil {
		return cli.NewExitError(err, exitSessionRefused)
	}
	defer c.Close()

	resp, err := c.call("mbox.list", nil)
	if err != nil {
		return cli.NewExitError(err, exitRuntimeFault)
	}
	var rows []mailbox.Info
	if err := decodeResult(resp, &rows); err != nil {
		return cli.NewExitError(err, exitRuntimeFault)
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"Handle", "Name", "Owner", "Capacity", "HighWater", "Sends", "Drops"})
	for _, r := range rows {
		table.Append([]string{
			fmt.Sprintf("%d", r.Handle),
			r.Name,
			fmt.Sprintf("%d", r.OwnerPID),
			fmt.Sprintf("%d", r.Capacity),
			fmt.Sprintf("%d", r.Stats.HighWater),
			fmt.Sprintf("%d", r.Stats.Sends),
			fmt.Sprintf("%d", r.Stats.Drops),
		})
	}
	table.Render()
	return nil
}

func mboxInspectAction(ctx *cli.Context) error {
	if ctx.NArg() != 1 {
		return cli.NewExitError("usage: hsx mbox inspect <handle>", exitUsageError)
	}
	handle, err := strconv.ParseUint(ctx.Args().Get(0), 0, 32)
	if err != nil {
		return cli.NewExitError(err, exitUsageError)
	}

	c, err := dial(ctx.GlobalString(rpcAddrFlag.Name))
	if err != nil {
		return cli.NewExitError(err, exitSessionRefused)
	}
	defer c.Close()

	resp, err := c.call("mbox.inspect", map[string]interface{}{"handle": handle})
	if err != nil {
		return cli.NewExitError(err, exitRuntimeFault)
	}
	var stats mailbox.Stats
	if err := decodeResult(resp, &stats); err != nil {
		return cli.NewExitError(err, exitRuntimeFault)
	}
	fmt.Printf("sends=%d receives=%d drops=%d overflows=%d highwater=%d\n",
		stats.Sends, stats.Receives, stats.Drops, stats.Overflows, stats.HighWater)
	return nil
}
