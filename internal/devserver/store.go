package devserver

import (
	"encoding/json"
	"errors"
	"strings"
	"sync"

	"github.com/JakeFAU/keyword-job-tracker/internal/job"
)

var (
	// ErrNotFound signals that the requested job or result set does not exist.
	ErrNotFound = errors.New("job not found")
	// ErrAlreadyStarted is returned by a second start of the same job.
	ErrAlreadyStarted = errors.New("job already started")
	// ErrEmptySeed rejects a creation request without a seed keyword.
	ErrEmptySeed = errors.New("seed_input is required")
	// ErrNotCompleted rejects an integrated analysis of an unfinished job.
	ErrNotCompleted = errors.New("job has not completed")
)

type record struct {
	brief   job.Brief
	started bool
	last    job.ProgressMessage
	results map[job.ResultKind]json.RawMessage
	insight *job.Insight
}

// Store keeps jobs in memory. Repeated seeds resolve to the completed job
// that already analyzed them.
type Store struct {
	clock job.Clock

	mu     sync.RWMutex
	nextID int64
	jobs   map[int64]*record
	bySeed map[string]int64
}

// NewStore builds an empty Store.
func NewStore(clk job.Clock) *Store {
	return &Store{
		clock:  clk,
		jobs:   make(map[int64]*record),
		bySeed: make(map[string]int64),
	}
}

func normalizeSeed(seed string) string {
	return strings.ToLower(strings.TrimSpace(seed))
}

// Create registers a pending job for seed. When a completed job for the same
// seed exists its brief is returned instead and cached is true.
func (s *Store) Create(seed string) (brief job.Brief, cached bool, err error) {
	key := normalizeSeed(seed)
	if key == "" {
		return job.Brief{}, false, ErrEmptySeed
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.bySeed[key]; ok {
		if rec := s.jobs[id]; rec != nil && rec.brief.Status == job.StatusCompleted {
			return rec.brief, true, nil
		}
	}
	s.nextID++
	now := s.clock.Now()
	rec := &record{
		brief: job.Brief{
			ID:        s.nextID,
			SeedInput: strings.TrimSpace(seed),
			Status:    job.StatusPending,
			CreatedAt: &now,
		},
	}
	s.jobs[rec.brief.ID] = rec
	return rec.brief, false, nil
}

// Get returns the brief of id.
func (s *Store) Get(id int64) (job.Brief, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.jobs[id]
	if !ok {
		return job.Brief{}, ErrNotFound
	}
	return rec.brief, nil
}

// Last returns the most recent progress message recorded for id.
func (s *Store) Last(id int64) (job.ProgressMessage, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.jobs[id]
	if !ok || rec.last.Type == "" {
		return job.ProgressMessage{}, false
	}
	return rec.last, true
}

// Start marks id as processing. Only the first call succeeds.
func (s *Store) Start(id int64) (job.Brief, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.jobs[id]
	if !ok {
		return job.Brief{}, ErrNotFound
	}
	if rec.started || rec.brief.Status.Terminal() {
		return rec.brief, ErrAlreadyStarted
	}
	rec.started = true
	rec.brief.Status = job.StatusProcessing
	return rec.brief, nil
}

// Record stores msg as the latest progress of id and applies terminal stages
// to the brief.
func (s *Store) Record(id int64, msg job.ProgressMessage, results map[job.ResultKind]json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.jobs[id]
	if !ok {
		return ErrNotFound
	}
	rec.last = msg
	switch msg.Stage {
	case job.StageCompleted:
		rec.brief.Status = job.StatusCompleted
		if d, err := msg.DecodeDetails(); err == nil {
			if cd, ok := d.(job.CompletedDetails); ok {
				rec.brief.TotalResult = cd.TotalVolume
				rec.brief.SeedResult = cd.SeedVolume
			}
		}
		rec.results = results
		s.bySeed[normalizeSeed(rec.brief.SeedInput)] = id
	case job.StageError:
		rec.brief.Status = job.StatusFailed
		rec.brief.ErrorMessage = msg.FailureReason()
	}
	return nil
}

// Result returns one result set of a completed job.
func (s *Store) Result(id int64, kind job.ResultKind) (json.RawMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	raw, ok := rec.results[kind]
	if !ok {
		return nil, ErrNotFound
	}
	return raw, nil
}

// History returns jobs whose seed contains keyword, newest first. An empty
// keyword matches every job.
func (s *Store) History(keyword string, limit, skip int) []job.Brief {
	key := normalizeSeed(keyword)
	s.mu.RLock()
	briefs := make([]job.Brief, 0, len(s.jobs))
	for _, rec := range s.jobs {
		if key == "" || strings.Contains(normalizeSeed(rec.brief.SeedInput), key) {
			briefs = append(briefs, rec.brief)
		}
	}
	s.mu.RUnlock()

	job.SortNewestFirst(briefs)
	if skip >= len(briefs) {
		return []job.Brief{}
	}
	briefs = briefs[skip:]
	if limit > 0 && limit < len(briefs) {
		briefs = briefs[:limit]
	}
	return briefs
}

// StartInsight begins the integrated analysis of a completed job. started is
// false when an analysis is already running or finished.
func (s *Store) StartInsight(id int64) (in job.Insight, started bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.jobs[id]
	if !ok {
		return job.Insight{}, false, ErrNotFound
	}
	if rec.brief.Status != job.StatusCompleted {
		return job.Insight{}, false, ErrNotCompleted
	}
	if rec.insight != nil && rec.insight.Status != job.InsightError {
		return *rec.insight, false, nil
	}
	rec.insight = &job.Insight{JobID: id, Status: job.InsightProcessing, Message: "analysis started"}
	return *rec.insight, true, nil
}

// FinishInsight records the outcome of a running analysis. A non-empty
// failure marks it errored.
func (s *Store) FinishInsight(id int64, text, failure string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.jobs[id]
	if !ok || rec.insight == nil {
		return ErrNotFound
	}
	if failure != "" {
		rec.insight = &job.Insight{JobID: id, Status: job.InsightError, Message: failure}
		return nil
	}
	rec.insight = &job.Insight{JobID: id, Status: job.InsightCompleted, Message: "analysis ready", Text: text}
	return nil
}

// Insight returns the analysis state of id. ErrNotFound covers both an
// unknown job and one whose analysis never started.
func (s *Store) Insight(id int64) (job.Insight, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.jobs[id]
	if !ok || rec.insight == nil {
		return job.Insight{}, ErrNotFound
	}
	return *rec.insight, nil
}

// Len reports how many jobs the store holds.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.jobs)
}

