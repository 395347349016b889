package main

import (
	"fmt"
	"os"
	"strconv"

	"github.com/olekukonko/tablewriter"
	"gopkg.in/urfave/cli.v1"

	"github.com/hsx-systems/hsx/common"
	"github.com/hsx-systems/hsx/registry"
)

var valCommand = cli.Command{
	Name:  "val",
	Usage: "read and write registry values",
	Subcommands: []cli.Command{
		{Action: valListAction, Name: "list", Usage: "list every registered value", Flags: []cli.Flag{rpcAddrFlag}},
		{Action: valGetAction, Name: "get", Usage: "read one value", ArgsUsage: "<oid>", Flags: []cli.Flag{rpcAddrFlag}},
		{Action: valSetAction, Name: "set", Usage: "write one value", ArgsUsage: "<oid> <float>", Flags: []cli.Flag{rpcAddrFlag, adminFlag}},
		{Action: valStatsAction, Name: "stats", Usage: "show one value's descriptor chain", ArgsUsage: "<oid>", Flags: []cli.Flag{rpcAddrFlag}},
	},
}

var adminFlag = cli.BoolFlag{Name: "admin", Usage: "present admin credentials for this call"}

func parseOID(s string) (common.OID, error) {
	n, err := strconv.ParseUint(s, 0, 16)
	return common.OID(n), err
}

func valListAction(ctx *cli.Context) error {
	c, err := dial(ctx.GlobalString(rpcAddrFlag.Name))
	if err != nil {
		return cli.NewExitError(err, exitSessionRefused)
	}
	defer c.Close()

	resp, err := c.call("val.list", nil)
	if err != nil {
		return cli.NewExitError(err, exitRuntimeFault)
	}
	var rows []registry.ValueEntry
	if err := decodeResult(resp, &rows); err != nil {
		return cli.NewExitError(err, exitRuntimeFault)
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"OID", "Value", "Flags", "Owner"})
	for _, r := range rows {
		table.Append([]string{
			r.OID.String(),
			fmt.Sprintf("%g", r.Payload.ToFloat32()),
			fmt.Sprintf("%02x", uint8(r.Flags)),
			fmt.Sprintf("%d", r.Owner),
		})
	}
	table.Render()
	return nil
}

func valGetAction(ctx *cli.Context) error {
	if ctx.NArg() != 1 {
		return cli.NewExitError("usage: hsx val get <oid>", exitUsageError)
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

	resp, err := c.call("val.get", map[string]interface{}{"oid": oid})
	if err != nil {
		return cli.NewExitError(err, exitRuntimeFault)
	}
	var payload common.F16
	if err := decodeResult(resp, &payload); err != nil {
		return cli.NewExitError(err, exitRuntimeFault)
	}
	fmt.Printf("%g\n", payload.ToFloat32())
	return nil
}

func valSetAction(ctx *cli.Context) error {
	if ctx.NArg() != 2 {
		return cli.NewExitError("usage: hsx val set <oid> <float>", exitUsageError)
	}
	oid, err := parseOID(ctx.Args().Get(0))
	if err != nil {
		return cli.NewExitError(err, exitUsageError)
	}
	v, err := strconv.ParseFloat(ctx.Args().Get(1), 32)
	if err != nil {
		return cli.NewExitError(err, exitUsageError)
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
	if _, err := c.call("val.set", map[string]interface{}{
		"oid": oid, "value": float32(v), "auth": auth, "owner": false,
	}); err != nil {
		return cli.NewExitError(err, exitRuntimeFault)
	}
	return nil
}

func valStatsAction(ctx *cli.Context) error {
	if ctx.NArg() != 1 {
		return cli.NewExitError("usage: hsx val stats <oid>", exitUsageError)
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

	resp, err := c.call("val.stats", map[string]interface{}{"oid": oid})
	if err != nil {
		return cli.NewExitError(err, exitRuntimeFault)
	}
	var out struct {
		Entry       registry.ValueEntry       `json:"entry"`
		Descriptors []registry.DescriptorSpec `json:"descriptors"`
	}
	if err := decodeResult(resp, &out); err != nil {
		return cli.NewExitError(err, exitRuntimeFault)
	}
	fmt.Printf("oid=%s value=%g flags=%02x owner=%d\n", out.Entry.OID, out.Entry.Payload.ToFloat32(), uint8(out.Entry.Flags), out.Entry.Owner)
	for _, d := range out.Descriptors {
		fmt.Printf("  %+v\n", d)
	}
	return nil
}
