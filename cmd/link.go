// cmd/link.go

package main

import (
	"PeerSync/pkg/client"
	"fmt"
	"github.com/urfave/cli/v2"
)

func link(c *cli.Context) error {
	setLoggerLevel(c)
	if c.Args().Len() < 2 {
		return fmt.Errorf("DIR and TARGET are needed")
	}
	cl, err := client.Open(c.Args().Get(0), client.Options{})
	if err != nil {
		return err
	}
	if _, err = cl.Load(); err != nil {
		return err
	}
	version := c.Uint64("version")
	if version == 0 {
		version = cl.Latest()
	}
	ok, err := cl.Materialize(version, c.Args().Get(1))
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("version %d is not in %s", version, cl.Dir())
	}
	return nil
}

func linkFlags() *cli.Command {
	return &cli.Command{
		Name:      "link",
		Usage:     "hard link a local chunk to a stable name",
		ArgsUsage: "DIR TARGET",
		Action:    link,
		Flags: []cli.Flag{
			&cli.Uint64Flag{
				Name:  "version",
				Usage: "version to link (default: latest)",
			},
		},
	}
}
