// Package main provides the conduit CLI, which runs an echo server for
// exercising gRPC transport endpoints.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/conduitrpc/conduit/cmd/conduit/commands"
)

var (
	// Version information (set by build flags)
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "conduit",
		Short: "gRPC transport toolkit",
		Long: `Conduit is a gRPC transport library for Go: a client and server for the
gRPC-over-HTTP/2 wire protocol with gRPC-Web support over HTTP/1.1 and HTTP/2.

The CLI runs a test echo server speaking binary gRPC, gRPC-Web and
gRPC-Web-Text on a single port.`,
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
	}

	rootCmd.AddCommand(
		commands.NewServeCommand(),
		commands.NewVersionCommand(version, commit, buildDate),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
