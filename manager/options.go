// Package manager implements the policy managers: a local one that trains
// in the calling goroutine, one that drives trainer processes, and one that
// drives remote trainers.
package manager

import (
	"context"
	"io"
	"log/slog"
	"time"

	"github.com/zeu5/dist-rl-training/core"
	"github.com/zeu5/dist-rl-training/metrics"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/zeu5/dist-rl-training/manager"

// Checkpointer persists policy states after every version bump.
type Checkpointer interface {
	Save(ctx context.Context, version int, states map[string]core.PolicyState) error
}

type options struct {
	logger         *slog.Logger
	metrics        *metrics.Metrics
	tracer         trace.Tracer
	checkpointer   Checkpointer
	replyTimeout   time.Duration
	startupTimeout time.Duration
	initialVersion int
}

func defaultOptions() *options {
	return &options{
		logger:         slog.New(slog.NewTextHandler(io.Discard, nil)),
		tracer:         otel.Tracer(tracerName),
		startupTimeout: 30 * time.Second,
	}
}

type Option func(*options)

func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(o *options) {
		o.metrics = m
	}
}

func WithTracer(t trace.Tracer) Option {
	return func(o *options) {
		if t != nil {
			o.tracer = t
		}
	}
}

func WithCheckpointer(c Checkpointer) Option {
	return func(o *options) {
		o.checkpointer = c
	}
}

// WithReplyTimeout bounds the wait for trainer replies in one call. Zero
// leaves the wait bounded by the caller's context only.
func WithReplyTimeout(d time.Duration) Option {
	return func(o *options) {
		o.replyTimeout = d
	}
}

// WithStartupTimeout bounds how long the multi-node manager waits for its
// peers to come up. Zero skips the wait.
func WithStartupTimeout(d time.Duration) Option {
	return func(o *options) {
		o.startupTimeout = d
	}
}

// WithInitialVersion starts the version counter at v, for a manager resumed
// from a checkpoint. The policies handed to the constructor must already
// hold the checkpointed states.
func WithInitialVersion(v int) Option {
	return func(o *options) {
		if v > 0 {
			o.initialVersion = v
		}
	}
}
