package main

import (
	"os"

	"mailfeed/backend/internal/cli"
)

func main() {
	if err := cli.NewRootCommand(&cli.App{}).Execute(); err != nil {
		os.Exit(1)
	}
}
