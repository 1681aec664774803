package main

import (
	"os"

	"github.com/tailship/tailship/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
