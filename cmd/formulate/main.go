package main

import (
	"fmt"
	"os"
)

// Version is set at build time with -ldflags.
var Version = "v0.1.0-dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
