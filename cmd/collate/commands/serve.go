package commands

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/inkhouse/collate/api"
	"github.com/inkhouse/collate/config"
	"github.com/inkhouse/collate/ingestor"
	"github.com/inkhouse/collate/listener"
)

const shutdownGrace = 10 * time.Second

func newServeCommand(params *globalParams) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the bus listener and the HTTP API",
		Long: `serve connects to the message bus, consumes document messages into the
store, and exposes the HTTP API for lookups, history, search, and
reindexing. It runs until interrupted.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			d, err := openDeps(params.confPath)
			if err != nil {
				return err
			}
			defer d.db.Close()
			return runServe(cmd.Context(), d)
		},
	}
}

// runServe wires the pipeline, listener, and HTTP server together and runs
// them until ctx is canceled or one of them fails.
func runServe(ctx context.Context, d *deps) error {
	cfg := d.cfg

	// The listener both feeds the pipeline and distributes its results, so
	// the ingester is bound through a closure resolved at first delivery.
	var pipeline *ingestor.Pipeline
	lis := listener.New(listenerConfig(cfg), listener.IngesterFunc(
		func(ctx context.Context, payload []byte) (*ingestor.Result, error) {
			return pipeline.Ingest(ctx, payload)
		}), d.extractor,
		listener.WithLogger(d.logger.With("component", "listener")))

	pipeline = ingestor.New(d.db.History(), d.db.Current(), d.extractor,
		ingestor.WithNotifier(ingestor.MultiNotifier{d.bridge, lis}),
		ingestor.WithContributorSchema(cfg.Schema.Contributor),
		ingestor.WithCallTimeout(cfg.Store.Timeout),
		ingestor.WithLogger(d.logger.With("component", "ingestor")))

	server := api.NewServer(d.db.Current(), d.db.History(), d.bridge,
		api.WithSchemas(cfg.Schema.Book, cfg.Schema.Contributor),
		api.WithTimeout(cfg.API.Timeout),
		api.WithLogger(d.logger.With("component", "api")))

	httpServer := &http.Server{
		Addr:              cfg.API.Listen,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return lis.Run(gctx)
	})
	g.Go(func() error {
		d.logger.Info("http api listening", "addr", cfg.API.Listen)
		if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	d.logger.Info("collate started",
		"store", cfg.Store.Path,
		"index", cfg.Index.Name,
		"queue", cfg.Listener.Input.Queue)

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	d.logger.Info("collate stopped")
	return nil
}

// listenerConfig maps the loaded configuration onto the listener's wiring.
func listenerConfig(cfg *config.Config) listener.Config {
	return listener.Config{
		URL:                  cfg.Bus.URL,
		Queue:                cfg.Listener.Input.Queue,
		Exchange:             cfg.Listener.Input.Exchange,
		ExchangeType:         cfg.Listener.Input.ExchangeType,
		BindingArguments:     cfg.Listener.Input.BindingArguments,
		Prefetch:             cfg.Listener.Input.Prefetch,
		ErrorExchange:        cfg.Listener.Error.Exchange,
		MessageTimeout:       cfg.Listener.Error.MessageTimeout,
		OutputExchange:       cfg.Listener.Distributor.Output.Exchange,
		Workers:              cfg.Listener.Workers,
		ActorTimeout:         cfg.Listener.ActorTimeout,
		RetryInterval:        cfg.Listener.RetryInterval,
		InitialRetryInterval: cfg.Bus.InitialRetryInterval,
		MaxRetryInterval:     cfg.Bus.MaxRetryInterval,
	}
}
