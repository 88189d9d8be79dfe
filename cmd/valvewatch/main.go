// Package main is the valvewatch CLI entry point.
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"

	"github.com/jholhewres/valvewatch/cmd/valvewatch/commands"
)

// version is injected at build time via ldflags.
var version = "dev"

func main() {
	// Load .env if present; real environment variables win.
	_ = godotenv.Load()

	rootCmd := commands.NewRootCmd(version)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
