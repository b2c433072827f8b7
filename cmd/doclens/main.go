// Package main provides the entry point for the doclens CLI.
package main

import (
	"fmt"
	"os"

	"github.com/doclens-ai/doclens/cmd/doclens/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
