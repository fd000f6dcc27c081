package main

import (
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/urfave/cli/v2"
)

func main() {
	app := &cli.App{
		Name:  "keeperctl",
		Usage: "Inspect the batches in a sequencer state database",
		Flags: []cli.Flag{dataDirFlag},
		Commands: []*cli.Command{
			getBatchesCmd,
			getPendingCmd,
		},
	}

	zerolog.SetGlobalLevel(zerolog.WarnLevel)

	if err := app.Run(os.Args); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
