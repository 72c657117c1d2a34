// cmd/serve.go

package main

import (
	"PeerSync/pkg/chunk"
	"PeerSync/pkg/config"
	"PeerSync/pkg/pairing"
	"PeerSync/pkg/protocol"
	"PeerSync/pkg/server"
	"context"
	"fmt"
	"github.com/juicedata/godaemon"
	"github.com/urfave/cli/v2"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"
)

const redisRefresh = 10 * time.Second

func checkListening(addr string) {
	for i := 0; i < 20; i++ {
		time.Sleep(time.Millisecond * 500)
		conn, err := net.DialTimeout("tcp", addr, time.Second)
		if err == nil {
			conn.Close()
			logger.Infof("\033[92mOK\033[0m, serving on %s", addr)
			return
		}
		os.Stdout.WriteString(".")
		os.Stdout.Sync()
	}
	os.Stdout.WriteString("\n")
	logger.Fatalf("server is not listening after 10 seconds, please run in foreground")
}

func makeDaemon(c *cli.Context, dir string) error {
	var attrs godaemon.DaemonAttr
	attrs.OnExit = func(stage int) error {
		if stage != 0 {
			return nil
		}
		addr := c.String("listen")
		if host, port, err := net.SplitHostPort(addr); err == nil && (host == "" || host == "0.0.0.0") {
			addr = net.JoinHostPort("127.0.0.1", port)
		}
		checkListening(addr)
		return nil
	}

	// the current dir will be changed to root in daemon,
	// so the directories have to be absolute paths.
	if godaemon.Stage() == 0 {
		for i, a := range os.Args {
			if a == dir || a == c.String("source") {
				abs, err := filepath.Abs(a)
				if err == nil {
					os.Args[i] = abs
				} else {
					logger.Warnf("abs of %s: %s", a, err)
				}
			}
		}
		var err error
		logfile := c.String("log")
		attrs.Stdout, err = os.OpenFile(logfile, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			logger.Errorf("open log file %s: %s", logfile, err)
		}
	}
	_, _, err := godaemon.MakeDaemon(&attrs)
	return err
}

// newProvider picks the pairing provider: Redis if configured, otherwise
// the static secret.
func newProvider(ctx context.Context, c *cli.Context) (pairing.Provider, func(), error) {
	if url := c.String("redis"); url != "" {
		r, err := pairing.NewRedis(url, c.String("redis-key"))
		if err != nil {
			return nil, nil, err
		}
		if err = r.Refresh(ctx); err != nil {
			r.Close()
			return nil, nil, fmt.Errorf("load peers: %s", err)
		}
		go r.Watch(ctx, redisRefresh)
		return r, func() { r.Close() }, nil
	}
	secret := c.String("secret")
	if secret == "" {
		return nil, nil, fmt.Errorf("--secret or --redis is needed")
	}
	allow, err := pairing.ParseNetworks(c.String("allow"))
	if err != nil {
		return nil, nil, err
	}
	p, err := pairing.NewStatic([]byte(secret), allow)
	return p, func() {}, err
}

func serve(c *cli.Context) error {
	setLoggerLevel(c)
	if c.Args().Len() < 1 {
		return fmt.Errorf("DIR is needed")
	}
	dir := c.Args().Get(0)

	if c.Bool("d") {
		if err := makeDaemon(c, dir); err != nil {
			logger.Fatalf("Failed to make daemon: %s", err)
		}
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	provider, release, err := newProvider(ctx, c)
	if err != nil {
		return err
	}
	defer release()

	store, err := chunk.Open(dir)
	if err != nil {
		return err
	}
	defer store.Close()

	if source := c.String("source"); source != "" {
		m := chunk.NewMirror(store, source)
		published, _, err := m.Scan()
		if err != nil {
			return err
		}
		logger.Infof("published %d files from %s", published, source)
		go m.Run(ctx, c.Duration("rescan"))
	}

	loop, err := server.Listen(c.String("listen"), server.NewChunkServer(store, provider), protocol.RequestSize)
	if err != nil {
		return err
	}
	loop.IdleTimeout = c.Duration("idle-timeout")
	logger.Infof("serving %s (version %d)", dir, store.Version())
	return loop.Serve(ctx)
}

func serveFlags(cfg *config.Config) *cli.Command {
	return &cli.Command{
		Name:      "serve",
		Usage:     "serve a chunk directory to paired peers",
		ArgsUsage: "DIR",
		Action:    serve,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "listen",
				Value: cfg.Listen,
				Usage: "address to listen on",
			},
			&cli.StringFlag{
				Name:  "secret",
				Value: cfg.Secret,
				Usage: "pairing secret shared with all peers",
			},
			&cli.StringFlag{
				Name:  "allow",
				Value: cfg.Allow,
				Usage: "comma separated networks (CIDR) allowed to connect",
			},
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
			&cli.StringFlag{
				Name:  "source",
				Usage: "publish the files of this directory",
			},
			&cli.DurationFlag{
				Name:  "rescan",
				Value: cfg.Rescan,
				Usage: "interval between scans of the source directory",
			},
			&cli.DurationFlag{
				Name:  "idle-timeout",
				Value: cfg.IdleTimeout,
				Usage: "close connections idle for this long (0 means never)",
			},
			&cli.BoolFlag{
				Name:    "d",
				Aliases: []string{"background"},
				Usage:   "run in background",
			},
			&cli.StringFlag{
				Name:  "log",
				Value: cfg.LogFile,
				Usage: "path of log file when running in background",
			},
		},
	}
}
