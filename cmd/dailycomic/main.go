package main

import (
	"os"

	"github.com/comicbot/dailycomic/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
