// Package main is the entry point for the aura CLI.
package main

import (
	"os"

	"github.com/AuraHome/aura/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
