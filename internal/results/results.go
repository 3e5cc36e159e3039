// Package results loads the result sets of a completed job and prints a
// one-line summary per set.
package results

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/keyword-job-tracker/internal/apiclient"
	"github.com/JakeFAU/keyword-job-tracker/internal/job"
)

// Fetcher reads one result set.
type Fetcher interface {
	FetchResult(ctx context.Context, id int64, kind job.ResultKind) (json.RawMessage, error)
}

// Panel is the last load of one result set.
type Panel struct {
	Kind      job.ResultKind
	JobID     int64
	Data      json.RawMessage
	Err       error
	Missing   bool
	FetchedAt time.Time
}

// Summary describes the panel contents.
func (p Panel) Summary() string {
	switch {
	case p.Missing:
		return "not available"
	case p.Err != nil:
		return "error: " + p.Err.Error()
	default:
		return Summarize(p.Data)
	}
}

// Board refreshes a fixed set of panels together.
type Board struct {
	fetcher Fetcher
	kinds   []job.ResultKind
	out     io.Writer
	logger  *zap.Logger

	mu     sync.RWMutex
	panels map[job.ResultKind]Panel
}

// NewBoard builds a Board over kinds, or every result kind when none are
// given. A nil writer disables printing.
func NewBoard(f Fetcher, out io.Writer, logger *zap.Logger, kinds ...job.ResultKind) *Board {
	if len(kinds) == 0 {
		kinds = job.ResultKinds()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Board{
		fetcher: f,
		kinds:   kinds,
		out:     out,
		logger:  logger,
		panels:  make(map[job.ResultKind]Panel, len(kinds)),
	}
}

// Refresh reloads every panel for id. A missing set is not an error; other
// failures are joined and returned after all panels were tried.
func (b *Board) Refresh(ctx context.Context, id int64) error {
	var errs []error
	loaded := make([]Panel, 0, len(b.kinds))
	for _, kind := range b.kinds {
		p := Panel{Kind: kind, JobID: id, FetchedAt: time.Now().UTC()}
		raw, err := b.fetcher.FetchResult(ctx, id, kind)
		switch {
		case apiclient.IsNotFound(err):
			p.Missing = true
		case err != nil:
			p.Err = err
			errs = append(errs, fmt.Errorf("load %s: %w", kind, err))
			b.logger.Warn("result panel refresh failed",
				zap.Int64("job_id", id),
				zap.String("kind", string(kind)),
				zap.Error(err),
			)
		default:
			p.Data = raw
		}
		loaded = append(loaded, p)
	}

	b.mu.Lock()
	for _, p := range loaded {
		b.panels[p.Kind] = p
	}
	b.mu.Unlock()

	b.print(id, loaded)
	return errors.Join(errs...)
}

// Panel returns the last load of kind.
func (b *Board) Panel(kind job.ResultKind) (Panel, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	p, ok := b.panels[kind]
	return p, ok
}

func (b *Board) print(id int64, panels []Panel) {
	if b.out == nil {
		return
	}
	fmt.Fprintf(b.out, "Results for job %d\n", id)
	for _, p := range panels {
		fmt.Fprintf(b.out, "  %-14s %s\n", p.Kind, p.Summary())
	}
}

// Summarize describes a JSON document by its top-level shape.
func Summarize(raw json.RawMessage) string {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return "unreadable"
	}
	switch t := v.(type) {
	case []any:
		return plural(len(t), "row")
	case map[string]any:
		for _, key := range []string{"items", "results", "data", "keywords"} {
			if rows, ok := t[key].([]any); ok {
				return plural(len(rows), "row")
			}
		}
		return plural(len(t), "field")
	case nil:
		return "empty"
	default:
		return fmt.Sprint(t)
	}
}

func plural(n int, noun string) string {
	if n == 1 {
		return "1 " + noun
	}
	return fmt.Sprintf("%d %ss", n, noun)
}
