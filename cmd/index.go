// cmd/index.go

package main

import (
	"PeerSync/pkg/client"
	"PeerSync/pkg/config"
	"context"
	"encoding/json"
	"fmt"
	"github.com/urfave/cli/v2"
)

func printJson(v interface{}) {
	output, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		logger.Fatalf("json: %s", err)
	}
	fmt.Println(string(output))
}

func index(c *cli.Context) error {
	setLoggerLevel(c)
	addr, secret, err := remote(c)
	if err != nil {
		return err
	}
	records, err := client.FetchIndex(context.Background(), secret, addr, clientOptions(c))
	if err != nil {
		return err
	}
	printJson(records)
	return nil
}

func indexFlags(cfg *config.Config) *cli.Command {
	return &cli.Command{
		Name:   "index",
		Usage:  "print the index of a server as JSON",
		Action: index,
		Flags:  clientFlags(cfg),
	}
}
