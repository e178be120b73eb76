package main

import (
	"fmt"
	"os"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "mcpgate: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	subcmd := "http"
	args := os.Args[1:]
	if len(args) > 0 && args[0] != "" && args[0][0] != '-' {
		subcmd = args[0]
		args = args[1:]
	}

	switch subcmd {
	case "stdio":
		return cmdStdio(args)
	case "http":
		return cmdHTTP(args)
	default:
		return fmt.Errorf("unknown command: %s\nUsage: mcpgate [stdio|http]", subcmd)
	}
}
