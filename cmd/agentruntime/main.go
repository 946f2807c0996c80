// Package main provides the entry point for the AgentRuntime CLI.
package main

import (
	"fmt"
	"os"

	"github.com/hpd-ai/agentruntime/cmd/agentruntime/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
