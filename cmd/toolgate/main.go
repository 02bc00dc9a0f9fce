package main

import (
	"os"

	"github.com/harun/toolgate/internal/cli"
)

func main() {
	os.Exit(run())
}

func run() int {
	if err := cli.Execute(); err != nil {
		return 1
	}
	return 0
}
