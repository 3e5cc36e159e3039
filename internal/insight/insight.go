// Package insight drives the integrated analysis of a completed job: it
// reuses a finished analysis when one exists, otherwise starts one and polls
// until the service reports a terminal state.
package insight

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/keyword-job-tracker/internal/clock"
	"github.com/JakeFAU/keyword-job-tracker/internal/job"
)

var (
	// ErrFailed is returned when the service reports the analysis errored.
	ErrFailed = errors.New("integrated analysis failed")
	// ErrTimeout is returned when no terminal state arrived within Config.Timeout.
	ErrTimeout = errors.New("integrated analysis timed out")
)

// API is the part of the service client the poller needs.
type API interface {
	StartInsight(ctx context.Context, id int64) error
	GetInsight(ctx context.Context, id int64) (job.Insight, error)
}

// Config controls polling.
type Config struct {
	Interval time.Duration
	// Timeout bounds the whole run. Zero waits until ctx ends.
	Timeout time.Duration
}

// Poller runs integrated analyses.
type Poller struct {
	api    API
	cfg    Config
	clock  job.Clock
	logger *zap.Logger
}

// New builds a Poller. A nil clk uses the system clock.
func New(api API, cfg Config, clk job.Clock, logger *zap.Logger) *Poller {
	if cfg.Interval <= 0 {
		cfg.Interval = 3 * time.Second
	}
	if clk == nil {
		clk = clock.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Poller{api: api, cfg: cfg, clock: clk, logger: logger}
}

// Run returns the completed analysis of job id. onUpdate, when set, sees
// every status the service reports, including the final one.
func (p *Poller) Run(ctx context.Context, id int64, onUpdate func(job.Insight)) (job.Insight, error) {
	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	if p.cfg.Timeout > 0 {
		t := p.clock.AfterFunc(p.cfg.Timeout, func() { cancel(ErrTimeout) })
		defer t.Stop()
	}
	notify := func(in job.Insight) {
		if onUpdate != nil {
			onUpdate(in)
		}
	}
	logger := p.logger.With(zap.Int64("job_id", id))

	existing, err := p.api.GetInsight(ctx, id)
	switch {
	case err != nil:
		// Usually a 404 when nothing was started yet.
		logger.Debug("no existing integrated analysis", zap.Error(err))
	case existing.Status == job.InsightCompleted && existing.Text != "":
		notify(existing)
		return existing, nil
	}

	if err != nil || existing.Status != job.InsightProcessing {
		if err := p.api.StartInsight(ctx, id); err != nil {
			return job.Insight{}, p.ctxErr(ctx, fmt.Errorf("start integrated analysis: %w", err))
		}
		logger.Info("integrated analysis started")
	}

	for {
		in, err := p.api.GetInsight(ctx, id)
		if err != nil {
			return job.Insight{}, p.ctxErr(ctx, fmt.Errorf("poll integrated analysis: %w", err))
		}
		notify(in)
		switch in.Status {
		case job.InsightCompleted:
			logger.Info("integrated analysis completed")
			return in, nil
		case job.InsightError:
			return in, fmt.Errorf("%w: %s", ErrFailed, in.Message)
		}
		if err := p.wait(ctx); err != nil {
			return in, err
		}
	}
}

func (p *Poller) wait(ctx context.Context) error {
	fired := make(chan struct{})
	t := p.clock.AfterFunc(p.cfg.Interval, func() { close(fired) })
	select {
	case <-ctx.Done():
		t.Stop()
		return context.Cause(ctx)
	case <-fired:
		return nil
	}
}

// ctxErr prefers the cancellation cause once ctx has ended.
func (p *Poller) ctxErr(ctx context.Context, err error) error {
	if cause := context.Cause(ctx); cause != nil {
		return cause
	}
	return err
}
