// cmd/pull.go

package main

import (
	"PeerSync/pkg/client"
	"PeerSync/pkg/config"
	"PeerSync/pkg/utils"
	"context"
	"fmt"
	"github.com/urfave/cli/v2"
	"os/signal"
	"syscall"
	"time"
)

func clientOptions(c *cli.Context) client.Options {
	return client.Options{
		ConnectTimeout: c.Duration("timeout"),
		ReadTimeout:    c.Duration("read-timeout"),
		MaxIndexSize:   uint32(c.Uint("max-index")),
		DownloadLimit:  c.Int64("download-limit") * 1e6 / 8,
	}
}

func remote(c *cli.Context) (string, []byte, error) {
	addr := c.String("server")
	if addr == "" {
		return "", nil, fmt.Errorf("--server is needed")
	}
	secret := c.String("secret")
	if secret == "" {
		return "", nil, fmt.Errorf("--secret is needed")
	}
	return addr, []byte(secret), nil
}

// syncOnce runs one sync with a progress bar and links the latest chunk
// to link if given.
func syncOnce(ctx context.Context, c *cli.Context, cl *client.Client, addr string, secret []byte) error {
	progress, bar := utils.NewDynProgressBar("syncing: ", c.Bool("quiet"))
	cl.SetProgress(func(done, total int) {
		bar.SetTotal(int64(total), false)
		bar.SetCurrent(int64(done))
	})
	start := time.Now()
	res, err := cl.Sync(ctx, secret, addr)
	bar.SetTotal(-1, true)
	progress.Wait()
	if err != nil {
		return err
	}
	logger.Infof("synced %d chunks from %s in %s: %d fetched (%d bytes), %d reused, %d removed, latest version %d",
		res.Chunks, addr, time.Since(start).Round(time.Millisecond), res.Fetched, res.Bytes, res.Reused, res.Removed, res.Latest)

	if link := c.String("link"); link != "" && res.Latest > 0 {
		if _, err = cl.Materialize(res.Latest, link); err != nil {
			return fmt.Errorf("link %s: %s", link, err)
		}
	}
	return nil
}

func pull(c *cli.Context) error {
	setLoggerLevel(c)
	if c.Args().Len() < 1 {
		return fmt.Errorf("DIR is needed")
	}
	addr, secret, err := remote(c)
	if err != nil {
		return err
	}
	cl, err := client.Open(c.Args().Get(0), clientOptions(c))
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	interval := c.Duration("interval")
	for {
		err = syncOnce(ctx, c, cl, addr, secret)
		if interval <= 0 {
			return err
		}
		if err != nil {
			logger.Errorf("%s", err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(interval):
		}
	}
}

func clientFlags(cfg *config.Config) []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:    "server",
			Aliases: []string{"s"},
			Value:   cfg.Server,
			Usage:   "address of the server (host:port)",
		},
		&cli.StringFlag{
			Name:  "secret",
			Value: cfg.Secret,
			Usage: "pairing secret",
		},
		&cli.DurationFlag{
			Name:  "timeout",
			Value: cfg.ConnectTimeout,
			Usage: "connect timeout",
		},
		&cli.DurationFlag{
			Name:  "read-timeout",
			Value: cfg.ReadTimeout,
			Usage: "fail a transfer that stalls for this long",
		},
		&cli.UintFlag{
			Name:  "max-index",
			Value: uint(cfg.MaxIndexSize),
			Usage: "maximum index size in bytes",
		},
	}
}

func pullFlags(cfg *config.Config) *cli.Command {
	return &cli.Command{
		Name:      "pull",
		Usage:     "fetch the chunks of a server into a local directory",
		ArgsUsage: "DIR",
		Action:    pull,
		Flags: append(clientFlags(cfg),
			&cli.Int64Flag{
				Name:  "download-limit",
				Value: cfg.DownloadLimit,
				Usage: "bandwidth limit for download in Mbps",
			},
			&cli.StringFlag{
				Name:  "link",
				Usage: "hard link the latest chunk to this name",
			},
			&cli.DurationFlag{
				Name:  "interval",
				Value: cfg.Interval,
				Usage: "sync repeatedly at this interval (0 means once)",
			},
		),
	}
}
