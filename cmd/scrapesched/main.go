// Package main is the entrypoint of the scrapesched scheduler daemon.
package main

import (
	"fmt"
	"os"

	"github.com/jholhewres/scrapesched/cmd/scrapesched/commands"
)

// version is injected at build time via ldflags.
var version = "dev"

func main() {
	rootCmd := commands.NewRootCmd(version)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
