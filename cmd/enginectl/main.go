// Package main is the entry point for enginectl, a command-line client for
// the streaming engine's Owner API.
package main

import (
	"os"

	"hls-streamcore/cmd/enginectl/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
