// oprstac builds STAC catalogs from Open Polar Radar data, queries them,
// and serves them as a STAC API.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v3"

	"github.com/rkm/opr-stac/internal/config"
	"github.com/rkm/opr-stac/internal/stac"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newApp().Run(ctx, os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		stop()
		os.Exit(1)
	}
}

func newApp() *cli.Command {
	return &cli.Command{
		Name:    "oprstac",
		Usage:   "Build, query and serve STAC catalogs of Open Polar Radar data",
		Version: stac.Version,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "YAML configuration file",
				Sources: cli.EnvVars(config.EnvPrefix + "CONFIG"),
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "Override logging.level (debug, info, warn, error)",
			},
			&cli.StringFlag{
				Name:  "log-format",
				Usage: "Override logging.format (text, json)",
			},
		},
		Commands: []*cli.Command{
			newBuildCommand(),
			newBuildCampaignCommand(),
			newAggregateCommand(),
			newQueryCommand(),
			newLoadCommand(),
			newServeCommand(),
		},
	}
}
