package main

import (
	"fmt"
	"os"

	_ "go.uber.org/automaxprocs"

	"github.com/psantana5/vidcoord/cmd/vidcoord/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
