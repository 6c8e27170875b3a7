// Command runqueued hosts a set of runqueue actors behind a websocket gateway
// and exports their runner metrics for Prometheus.
package main

import (
	"fmt"
	"os"

	"github.com/urfave/cli/v2"
)

func main() {
	app := &cli.App{
		Name:  "runqueued",
		Usage: "serve runqueue actors over websocket",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "path to a YAML or JSON config file",
				EnvVars: []string{"RUNQUEUE_CONFIG"},
			},
			&cli.BoolFlag{
				Name:  "watch",
				Usage: "reload the config file when it changes",
				Value: true,
			},
		},
		Action: serveAction,
		Commands: []*cli.Command{
			checkConfigCommand(),
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func checkConfigCommand() *cli.Command {
	return &cli.Command{
		Name:      "check-config",
		Usage:     "load and validate a config file, then exit",
		ArgsUsage: "FILE",
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return cli.Exit("expected exactly one config file", 2)
			}
			cfg, err := loadConfig(c.Args().First())
			if err != nil {
				return cli.Exit(fmt.Sprintf("invalid config: %v", err), 1)
			}
			fmt.Printf("config ok: gateway %s%s, metrics %s, store %s\n",
				cfg.Gateway.Addr, cfg.Gateway.Path, cfg.Metrics.Addr, cfg.Store.Dir)
			return nil
		},
	}
}
