// Package main provides the triage CLI, HTTP server and MCP server.
package main

import (
	"fmt"
	"os"
)

func main() {
	cli := NewCLI(Options{Output: os.Stdout})
	if err := cli.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
