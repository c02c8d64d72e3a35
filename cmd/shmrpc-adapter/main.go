// Command shmrpc-adapter runs the RPC adapter engine as a standalone
// process, grounded on marmos91-dittofs's cmd/dittofs CLI: a cobra root
// command with a --config flag and serve/version subcommands
// (SPEC_FULL.md §10.5).
package main

import (
	"fmt"
	"os"

	"shmrpc/cmd/shmrpc-adapter/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "shmrpc-adapter:", err)
		os.Exit(1)
	}
}
