package commands

import (
	"log/slog"
	"testing"
	"time"

	"github.com/inkhouse/collate/config"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input string
		want  slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"DEBUG", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{"", slog.LevelInfo},
		{"verbose", slog.LevelInfo},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			if got := parseLevel(tt.input); got != tt.want {
				t.Errorf("parseLevel(%q) = %v, want %v", tt.input, got, tt.want)
			}
		})
	}
}

func TestListenerConfigMapping(t *testing.T) {
	cfg := &config.Config{
		Bus: config.Bus{
			URL:                  "amqp://bus:5672/",
			InitialRetryInterval: 250 * time.Millisecond,
			MaxRetryInterval:     5 * time.Second,
		},
		Listener: config.Listener{
			RetryInterval: 2 * time.Second,
			ActorTimeout:  45 * time.Second,
			Workers:       8,
			Input: config.Input{
				Queue:        "docs-in",
				Exchange:     "docs",
				ExchangeType: "headers",
				BindingArguments: []map[string]any{
					{"contentType": "application/vnd.collate.book+json"},
				},
				Prefetch: 24,
			},
			Error: config.ErrorSink{
				Exchange:       "docs-error",
				MessageTimeout: time.Hour,
			},
			Distributor: config.Distributor{
				Output: config.Output{Exchange: "docs-out"},
			},
		},
	}

	got := listenerConfig(cfg)

	if got.URL != "amqp://bus:5672/" {
		t.Errorf("URL = %q", got.URL)
	}
	if got.Queue != "docs-in" || got.Exchange != "docs" || got.ExchangeType != "headers" {
		t.Errorf("input wiring = %q/%q/%q", got.Queue, got.Exchange, got.ExchangeType)
	}
	if len(got.BindingArguments) != 1 {
		t.Errorf("BindingArguments count = %d, want 1", len(got.BindingArguments))
	}
	if got.Prefetch != 24 {
		t.Errorf("Prefetch = %d, want 24", got.Prefetch)
	}
	if got.ErrorExchange != "docs-error" || got.MessageTimeout != time.Hour {
		t.Errorf("error wiring = %q/%v", got.ErrorExchange, got.MessageTimeout)
	}
	if got.OutputExchange != "docs-out" {
		t.Errorf("OutputExchange = %q, want docs-out", got.OutputExchange)
	}
	if got.Workers != 8 || got.ActorTimeout != 45*time.Second {
		t.Errorf("worker wiring = %d/%v", got.Workers, got.ActorTimeout)
	}
	if got.RetryInterval != 2*time.Second {
		t.Errorf("RetryInterval = %v, want 2s", got.RetryInterval)
	}
	if got.InitialRetryInterval != 250*time.Millisecond || got.MaxRetryInterval != 5*time.Second {
		t.Errorf("backoff wiring = %v/%v", got.InitialRetryInterval, got.MaxRetryInterval)
	}
}

func TestNewLoggerNeverNil(t *testing.T) {
	for _, level := range []string{"debug", "info", "warn", "error", "bogus"} {
		if newLogger(level) == nil {
			t.Errorf("newLogger(%q) returned nil", level)
		}
	}
}
