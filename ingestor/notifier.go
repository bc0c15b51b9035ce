package ingestor

import (
	"context"

	"github.com/hashicorp/go-multierror"

	"github.com/inkhouse/collate/store"
)

// Notifier receives the merged document after every successful ingest.
// Notification failures are logged by the pipeline, never fatal to it.
type Notifier interface {
	CurrentReplaced(ctx context.Context, rec store.Record) error
}

// NopNotifier ignores all notifications.
type NopNotifier struct{}

// CurrentReplaced implements Notifier.
func (NopNotifier) CurrentReplaced(context.Context, store.Record) error { return nil }

// MultiNotifier fans one notification out to several notifiers. Every
// notifier is invoked; their failures are combined into one error.
type MultiNotifier []Notifier

// CurrentReplaced implements Notifier.
func (m MultiNotifier) CurrentReplaced(ctx context.Context, rec store.Record) error {
	var errs *multierror.Error
	for _, n := range m {
		if err := n.CurrentReplaced(ctx, rec); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	return errs.ErrorOrNil()
}
