package job

import "sort"

// HistoryQuery pages through previously submitted jobs. Keyword filters by
// seed; a zero Limit leaves the page size to the service.
type HistoryQuery struct {
	Limit   int
	Skip    int
	Keyword string
}

// SortNewestFirst orders briefs by creation time, newest first. Briefs
// without a timestamp sort last; ties fall back to the higher id.
func SortNewestFirst(briefs []Brief) {
	sort.SliceStable(briefs, func(i, j int) bool {
		a, b := briefs[i].CreatedAt, briefs[j].CreatedAt
		switch {
		case a == nil && b == nil:
			return briefs[i].ID > briefs[j].ID
		case a == nil:
			return false
		case b == nil:
			return true
		case a.Equal(*b):
			return briefs[i].ID > briefs[j].ID
		}
		return a.After(*b)
	})
}

// InsightState is the lifecycle of the integrated analysis of a job.
type InsightState string

// Integrated analysis states reported by the service.
const (
	InsightProcessing InsightState = "processing"
	InsightCompleted  InsightState = "completed"
	InsightError      InsightState = "error"
)

// Terminal reports whether polling can stop.
func (s InsightState) Terminal() bool {
	return s == InsightCompleted || s == InsightError
}

// Insight is the integrated analysis status of one job. Text is only set
// once the analysis completed.
type Insight struct {
	JobID   int64        `json:"analysis_id"`
	Status  InsightState `json:"status"`
	Message string       `json:"message"`
	Text    string       `json:"insight,omitempty"`
}
