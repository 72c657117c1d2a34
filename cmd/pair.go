// cmd/pair.go

package main

import (
	"PeerSync/pkg/config"
	"PeerSync/pkg/pairing"
	"context"
	"fmt"
	"github.com/urfave/cli/v2"
	"net"
)

func pair(c *cli.Context) error {
	setLoggerLevel(c)
	if c.Args().Len() < 2 {
		return fmt.Errorf("IP and SECRET are needed")
	}
	ip := net.ParseIP(c.Args().Get(0))
	if ip == nil {
		return fmt.Errorf("invalid IP %q", c.Args().Get(0))
	}
	if c.String("redis") == "" {
		return fmt.Errorf("--redis is needed")
	}
	r, err := pairing.NewRedis(c.String("redis"), c.String("redis-key"))
	if err != nil {
		return err
	}
	defer r.Close()
	return r.Pair(context.Background(), ip, []byte(c.Args().Get(1)))
}

func pairFlags(cfg *config.Config) *cli.Command {
	return &cli.Command{
		Name:      "pair",
		Usage:     "store the secret of a peer in Redis",
		ArgsUsage: "IP SECRET",
		Action:    pair,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "redis",
				Value: cfg.Redis,
				Usage: "Redis URL holding per-peer secrets",
			},
			&cli.StringFlag{
				Name:  "redis-key",
				Value: cfg.RedisKey,
				Usage: "Redis hash mapping peer IP to secret",
			},
		},
	}
}
