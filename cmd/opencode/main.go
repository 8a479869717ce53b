// Package main provides the entry point for the OpenCode CLI.
package main

import (
	"fmt"
	"os"

	"agentcore/cmd/opencode/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
