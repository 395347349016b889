package main

import (
	"fmt"
	"os"

	"github.com/olekukonko/tablewriter"
	"gopkg.in/urfave/cli.v1"
)

var psCommand = cli.Command{
	Action: psAction,
	Name:   "ps",
	Usage:  "list tasks loaded on a running target",
	Flags:  []cli.Flag{rpcAddrFlag},
}

type taskRow struct {
	PID   uint16 `json:"pid"`
	App   string `json:"app"`
	State string `json:"state"`
	PC    uint32 `json:"pc"`
}

func psAction(ctx *cli.Context) error {
	c, err := dial(ctx.GlobalString(rpcAddrFlag.Name))
	if err != nil {
		return cli.NewExitError(err, exitSessionRefused)
	}
	defer c.Close()

	resp, err := c.call("ps", nil)
	if err != nil {
		return cli.NewExitError(err, exitRuntimeFault)
	}

	var rows []taskRow
	if err := decodeResult(resp, &rows); err != nil {
		return cli.NewExitError(err, exitRuntimeFault)
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"PID", "App", "State", "PC"})
	for _, r := range rows {
		table.Append([]string{
			fmt.Sprintf("%d", r.PID),
			r.App,
			r.State,
			fmt.Sprintf("0x%04X", r.PC),
		})
	}
	table.Render()
	return nil
}
