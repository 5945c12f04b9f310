// Package main runs the pose tracking pipeline against a configured frame source.
package main

import (
	"fmt"
	"os"

	"github.com/urfave/cli/v2"
)

const (
	flagConfig = "config"
	flagDebug  = "debug"
	flagRecord = "record"
	flagFile   = "file"
	flagNum    = "num"
)

func newApp() *cli.App {
	return &cli.App{
		Name:            "posetrack",
		Usage:           "detect a person and their skeleton in a stream of frames",
		HideHelpCommand: true,
		Commands: []*cli.Command{
			{
				Name:  "run",
				Usage: "run detection on the configured image source until interrupted",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:     flagConfig,
						Aliases:  []string{"c"},
						Usage:    "load configuration from `FILE`",
						Required: true,
					},
					&cli.BoolFlag{
						Name:    flagDebug,
						Aliases: []string{"vvv"},
						Usage:   "enable debug logging",
					},
					&cli.StringFlag{
						Name:  flagRecord,
						Usage: "record every event as JSON lines to `FILE`, overriding the config",
					},
				},
				Action: RunAction,
			},
			{
				Name:   "schema",
				Usage:  "print the JSON Schema of the configuration file",
				Action: SchemaAction,
			},
			{
				Name:  "anchors",
				Usage: "check an anchor table and print a summary",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:     flagFile,
						Usage:    "anchor table `FILE`",
						Required: true,
					},
					&cli.IntFlag{
						Name:  flagNum,
						Usage: "expected number of anchors",
						Value: 2254,
					},
				},
				Action: AnchorsAction,
			},
		},
	}
}

func main() {
	if err := newApp().Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
