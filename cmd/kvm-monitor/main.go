package main

import (
	"context"
	"os"

	"kvm-monitor/internal/cli"
)

func main() {
	app := cli.New(cli.Options{})
	if err := app.Run(context.Background(), os.Args); err != nil {
		os.Exit(cli.HandleError(err, os.Stderr))
	}
}
