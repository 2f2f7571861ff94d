// Package main is the entry point for the Damai Jiwa server.
//
// MAIN PACKAGE IN GO:
// Every Go program starts in main() of the "main" package. Ours only hands
// control to the cobra command tree in ./commands; configuration, logging
// and wiring happen there and in internal/server.
//
// WHY cmd/server/?
// The cmd/ directory is a Go convention for executable entry points.
package main

import (
	"fmt"
	"os"

	"github.com/sakif/damaijiwa/cmd/server/commands"
)

// Set by the release build via -ldflags.
var version = "dev"

func main() {
	commands.SetVersion(version)

	if err := commands.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
