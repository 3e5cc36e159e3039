// Package precheck decides whether a job needs a live feed before one is
// opened.
package precheck

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/keyword-job-tracker/internal/job"
)

// Result is the outcome of a status precheck.
type Result struct {
	JobID int64
	// FeedRequired is false only when the job is already terminal.
	FeedRequired bool
	// Status is the status known before any feed exists. It is pending when
	// the check was inconclusive.
	Status job.Status
	Brief  job.Brief
	// Initial is shown before the feed delivers anything.
	Initial job.ProgressMessage
	// Terminal is the synthesized terminal message of a finished job.
	Terminal *job.ProgressMessage
	// Inconclusive marks a failed status request.
	Inconclusive bool
	Err          error
}

// Checker fetches the job status once per Check.
type Checker struct {
	api    job.StatusFetcher
	logger *zap.Logger
}

// New builds a Checker.
func New(api job.StatusFetcher, logger *zap.Logger) *Checker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Checker{api: api, logger: logger}
}

// Check issues one status request. A failed request never fails the check;
// it reports an inconclusive result that asks for a live feed.
func (c *Checker) Check(ctx context.Context, id int64) Result {
	brief, err := c.api.GetJob(ctx, id)
	if err != nil {
		c.logger.Warn("status precheck failed, falling back to live feed",
			zap.Int64("job_id", id),
			zap.Error(err),
		)
		return Result{
			JobID:        id,
			FeedRequired: true,
			Status:       job.StatusPending,
			Initial:      waiting("Status unknown, connecting to live progress"),
			Inconclusive: true,
			Err:          fmt.Errorf("precheck job %d: %w", id, err),
		}
	}
	if brief.ID == 0 {
		brief.ID = id
	}
	return FromBrief(brief)
}

// FromBrief makes the precheck decision from a brief that is already known.
func FromBrief(brief job.Brief) Result {
	res := Result{JobID: brief.ID, Status: brief.Status, Brief: brief}
	switch brief.Status {
	case job.StatusCompleted:
		msg := mustProgress(job.StageCompleted, 100, "Analysis complete", job.CompletedDetails{
			TotalVolume: brief.TotalResult,
			SeedVolume:  brief.SeedResult,
		})
		res.Initial = msg
		res.Terminal = &msg
	case job.StatusFailed:
		reason := brief.ErrorMessage
		if reason == "" {
			reason = "analysis failed"
		}
		msg := mustProgress(job.StageError, 0, reason, job.ErrorDetails{Error: reason})
		res.Initial = msg
		res.Terminal = &msg
	case job.StatusProcessing:
		res.FeedRequired = true
		res.Initial = waiting("Analysis running, connecting to live progress")
	default:
		res.FeedRequired = true
		res.Status = job.StatusPending
		res.Initial = waiting("Analysis queued, connecting to live progress")
	}
	return res
}

func waiting(text string) job.ProgressMessage {
	return mustProgress(job.StageInitializing, 0, text, nil)
}

// mustProgress builds messages from fixed detail structs that always marshal.
func mustProgress(stage job.Stage, percent float64, text string, details any) job.ProgressMessage {
	msg, err := job.NewProgress(stage, percent, text, details)
	if err != nil {
		panic(err)
	}
	return msg
}
