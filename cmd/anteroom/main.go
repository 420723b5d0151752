// Package main is the entry point for the anteroom CLI.
package main

import (
	"os"

	"github.com/Anteroom/Anteroom/cmd/anteroom/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
