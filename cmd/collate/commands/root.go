// Package commands implements the collate command line interface.
package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/inkhouse/collate"
)

// globalParams holds the flags shared by every subcommand.
type globalParams struct {
	// confPath is an optional YAML config file. Environment variables with
	// the COLLATE_ prefix override file values either way.
	confPath string
}

// Execute runs the CLI under the given base context. The context carries
// signal cancellation through to the long-running commands.
func Execute(ctx context.Context) error {
	return newRootCommand().ExecuteContext(ctx)
}

func newRootCommand() *cobra.Command {
	params := &globalParams{}
	root := &cobra.Command{
		Use:   "collate",
		Short: "Provenance-preserving document reconciliation service",
		Long: `collate ingests book and contributor documents from a message bus,
stamps every field with the identity of the source that supplied it,
merges the per-source copies into a single current document per entity,
and serves lookups, field history, and search over HTTP.`,
		Version:       collate.Version(),
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&params.confPath, "config", "c", "",
		"path to a YAML config file")

	root.AddCommand(
		newServeCommand(params),
		newReindexCommand(params),
		newVersionCommand(),
	)
	return root
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the collate version",
		Args:  cobra.NoArgs,
		Run: func(_ *cobra.Command, _ []string) {
			fmt.Printf("collate version: %s\n", collate.Version())
		},
	}
}
