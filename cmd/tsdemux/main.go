// Package main is the entry point for the tsdemux application.
package main

import (
	"os"

	"github.com/jmylchreest/tsdemux/cmd/tsdemux/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
