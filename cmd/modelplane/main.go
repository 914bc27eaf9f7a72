// Package main is the entry point for the modelplane control plane.
//
// modelplane provisions isolated model-serving clusters into customer
// cloud accounts: it renders and applies per-deployment infrastructure,
// bootstraps the serving stack over SSH, narrows network access to the
// customer's allow-list, and streams step-by-step progress to owners.
//
// For detailed usage information, run:
//
//	modelplane --help
package main

import (
	"fmt"
	"os"

	"github.com/modelplane/modelplane/cmd/modelplane/commands"
)

// Version information set by goreleaser at build time.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	commands.SetVersionInfo(version, commit, date)
	if err := commands.Root().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
