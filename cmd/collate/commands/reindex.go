package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

func newReindexCommand(params *globalParams) *cobra.Command {
	return &cobra.Command{
		Use:   "reindex {current|history}",
		Short: "Rebuild the search index from the store",
		Long: `reindex pushes every stored document into the search index and exits.

The current target rebuilds from merged documents, one per entity. The
history target rebuilds from the per-source documents, one per store
record. Both write into the same index name.`,
		ValidArgs: []string{"current", "history"},
		Args:      cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := openDeps(params.confPath)
			if err != nil {
				return err
			}
			defer d.db.Close()
			return runReindex(cmd.Context(), d, args[0])
		},
	}
}

func runReindex(ctx context.Context, d *deps, target string) error {
	var (
		pushed int
		err    error
	)
	switch target {
	case "current":
		pushed, err = d.bridge.ReindexCurrent(ctx)
	case "history":
		pushed, err = d.bridge.ReindexHistory(ctx)
	default:
		return fmt.Errorf("unknown reindex target %q", target)
	}
	if err != nil {
		return fmt.Errorf("reindexing %s: %w", target, err)
	}
	fmt.Printf("Reindexed %d %s document(s) into %q\n", pushed, target, d.cfg.Index.Name)
	return nil
}
