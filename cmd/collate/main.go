// Command collate runs the document reconciliation service: a bus listener
// that annotates and merges book and contributor documents, an HTTP API over
// the stored results, and one-shot maintenance commands for the search index.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/inkhouse/collate/cmd/collate/commands"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := commands.Execute(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
