package worker

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/oremus-labs/aip-weave/internal/billing"
	"github.com/oremus-labs/aip-weave/internal/logutil"
	"github.com/oremus-labs/aip-weave/internal/metrics"
	"github.com/oremus-labs/aip-weave/internal/queue"
)

// Source yields billing deliveries.
type Source interface {
	Next(ctx context.Context) ([]queue.Delivery, error)
	Ack(ctx context.Context, id string) error
}

// Options configure the background worker process.
type Options struct {
	Source  Source
	Journal billing.Recorder
	Logger  *zap.Logger
	Backoff time.Duration
}

// Runner drains the billing stream into the journal.
type Runner struct {
	source  Source
	journal billing.Recorder
	logger  *zap.Logger
	backoff time.Duration
}

// New creates a new Runner.
func New(opts Options) *Runner {
	backoff := opts.Backoff
	if backoff <= 0 {
		backoff = 2 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = logutil.Logger()
	}
	return &Runner{
		source:  opts.Source,
		journal: opts.Journal,
		logger:  opts.Logger,
		backoff: backoff,
	}
}

// Run consumes until ctx is cancelled.
func (r *Runner) Run(ctx context.Context) error {
	if r.source == nil || r.journal == nil {
		return errors.New("worker requires a source and a journal")
	}
	r.logger.Info("aip-weave worker started, waiting for billing events")

	for {
		if ctx.Err() != nil {
			r.logger.Info("worker shutting down")
			return ctx.Err()
		}
		deliveries, err := r.source.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			r.logger.Warn("worker: read failed", zap.Error(err))
			select {
			case <-ctx.Done():
			case <-time.After(r.backoff):
			}
			continue
		}
		for _, d := range deliveries {
			r.handle(ctx, d)
		}
	}
}

func (r *Runner) handle(ctx context.Context, d queue.Delivery) {
	if d.Err != nil {
		r.logger.Warn("worker: dropping undecodable entry", zap.String("streamId", d.StreamID), zap.Error(d.Err))
		r.ack(ctx, d.StreamID)
		return
	}
	rec := d.Message.Record
	if err := r.journal.Record(ctx, rec); err != nil {
		// Left pending; the consumer re-reads its backlog after a restart.
		metrics.BillingEvent(string(rec.Kind), "journal_failed")
		r.logger.Error("worker: journal write failed", zap.String("streamId", d.StreamID), zap.Error(err))
		return
	}
	metrics.BillingEvent(string(rec.Kind), "journaled")
	r.ack(ctx, d.StreamID)
}

func (r *Runner) ack(ctx context.Context, id string) {
	if err := r.source.Ack(ctx, id); err != nil {
		r.logger.Warn("worker: ack failed", zap.String("streamId", id), zap.Error(err))
	}
}
