// Package main is the entry point for the ferry device task dispatcher.
package main

import (
	"fmt"
	"os"

	"firestige.xyz/ferry/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
