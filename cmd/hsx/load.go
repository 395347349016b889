package main

import (
	"fmt"
	"os"

	"gopkg.in/urfave/cli.v1"

	"github.com/hsx-systems/hsx/common"
	"github.com/hsx-systems/hsx/image"
)

var loadCommand = cli.Command{
	Action:    loadAction,
	Name:      "load",
	Usage:     "load an HXE image onto a running target",
	ArgsUsage: "<image.hxe>",
	Flags:     []cli.Flag{rpcAddrFlag},
}

// loadAction validates the image locally first so a corrupt file is
// rejected with an image-error exit code before any bytes cross the wire.
func loadAction(ctx *cli.Context) error {
	if ctx.NArg() != 1 {
		return cli.NewExitError("usage: hsx load <image.hxe>", exitUsageError)
	}
	raw, err := os.ReadFile(ctx.Args().Get(0))
	if err != nil {
		return cli.NewExitError(err, exitImageError)
	}
	if _, err := image.Load(raw); err != nil {
		return cli.NewExitError(err, exitImageError)
	}

	c, err := dial(ctx.GlobalString(rpcAddrFlag.Name))
	if err != nil {
		return cli.NewExitError(err, exitSessionRefused)
	}
	defer c.Close()

	resp, err := c.call("load", map[string]interface{}{"bytes": raw})
	if err != nil {
		return cli.NewExitError(err, exitImageError)
	}
	var out struct {
		PID common.PID `json:"pid"`
		App string     `json:"app"`
	}
	if err := decodeResult(resp, &out); err != nil {
		return cli.NewExitError(err, exitRuntimeFault)
	}
	fmt.Printf("loaded pid=%d app=%s\n", out.PID, out.App)
	return nil
}
