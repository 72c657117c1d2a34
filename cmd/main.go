// cmd/main.go

package main

import (
	"PeerSync/pkg/config"
	"PeerSync/pkg/utils"
	"PeerSync/pkg/version"
	"fmt"
	"github.com/google/gops/agent"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"
	"os"
)

var logger = utils.GetLogger("peersync")

func globalFlags() []cli.Flag {
	return []cli.Flag{
		&cli.BoolFlag{
			Name:    "verbose",
			Aliases: []string{"debug", "v"},
			Usage:   "enable debug log",
		},
		&cli.BoolFlag{
			Name:    "quiet",
			Aliases: []string{"q"},
			Usage:   "only warning and errors",
		},
		&cli.BoolFlag{
			Name:  "trace",
			Usage: "enable trace log",
		},
		&cli.BoolFlag{
			Name:  "no-agent",
			Usage: "disable gops agent",
		},
	}
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		logger.Fatalf("config: %s", err)
	}
	app := &cli.App{
		Name:                 "peersync",
		Usage:                "A content addressed chunk sync tool.",
		Version:              version.Version(),
		EnableBashCompletion: true,
		Flags:                globalFlags(),
		Commands: []*cli.Command{
			serveFlags(cfg),
			pullFlags(cfg),
			indexFlags(cfg),
			linkFlags(),
			pairFlags(cfg),
		},
	}

	err = app.Run(reorderOptions(app, os.Args))
	if err != nil {
		logger.Fatal(err)
	}
}

// reorderOptions moves global flags given after the subcommand in front of
// it, so `peersync pull -v DIR` works like `peersync -v pull DIR`.
func reorderOptions(app *cli.App, args []string) []string {
	global := make(map[string]bool)
	for _, f := range app.Flags {
		for _, name := range f.Names() {
			global["-"+name] = true
			global["--"+name] = true
		}
	}
	if len(args) < 2 {
		return args
	}
	newArgs := []string{args[0]}
	var rest []string
	for _, a := range args[1:] {
		if global[a] {
			newArgs = append(newArgs, a)
		} else {
			rest = append(rest, a)
		}
	}
	return append(newArgs, rest...)
}

func setupAgent(c *cli.Context) {
	if c.Bool("no-agent") {
		return
	}
	go func() {
		for port := 6070; port < 6100; port++ {
			if err := agent.Listen(agent.Options{Addr: fmt.Sprintf("127.0.0.1:%d", port)}); err == nil {
				logger.Debugf("gops agent listening on 127.0.0.1:%d", port)
				return
			}
		}
	}()
}

func setLoggerLevel(c *cli.Context) {
	if c.Bool("trace") {
		utils.SetLogLevel(logrus.TraceLevel)
	} else if c.Bool("verbose") {
		utils.SetLogLevel(logrus.DebugLevel)
	} else if c.Bool("quiet") {
		utils.SetLogLevel(logrus.WarnLevel)
	} else {
		utils.SetLogLevel(logrus.InfoLevel)
	}
	setupAgent(c)
}
