package commands

import (
	"log/slog"
	"os"
	"strings"

	"github.com/inkhouse/collate/config"
	"github.com/inkhouse/collate/identity"
	"github.com/inkhouse/collate/indexer"
	"github.com/inkhouse/collate/indexer/elastic"
	"github.com/inkhouse/collate/logging"
	"github.com/inkhouse/collate/store/sqlite"
)

// deps bundles the services every subcommand wires up: configuration, the
// document store, the search index, and the bridge between them.
type deps struct {
	cfg       *config.Config
	logger    logging.Logger
	extractor *identity.Extractor
	db        *sqlite.DB
	bridge    *indexer.Bridge
}

// openDeps loads configuration and opens the store, index, and bridge.
// Callers own closing deps.db.
func openDeps(confPath string) (*deps, error) {
	cfg, err := config.Load(confPath)
	if err != nil {
		return nil, err
	}
	logger := newLogger(cfg.Log.Level)
	extractor := identity.NewExtractor(cfg.Schema.VolatileSourceFields)

	db, err := sqlite.Open(cfg.Store.Path, extractor)
	if err != nil {
		return nil, err
	}

	index, err := elastic.New(cfg.Index.Addresses, cfg.Index.Name)
	if err != nil {
		db.Close()
		return nil, err
	}

	bridge := indexer.NewBridge(db.History(), db.Current(), index, extractor,
		indexer.WithChunkSize(cfg.Index.ReindexChunk),
		indexer.WithLogger(logger.With("component", "indexer")))

	return &deps{
		cfg:       cfg,
		logger:    logger,
		extractor: extractor,
		db:        db,
		bridge:    bridge,
	}, nil
}

// newLogger builds a JSON logger on stderr at the configured level.
func newLogger(level string) logging.Logger {
	handler := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: parseLevel(level)})
	return logging.NewSlogAdapter(slog.New(handler))
}

// parseLevel maps a config level name to a slog level. Unknown names fall
// back to info.
func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
