package job

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// StatusFetcher reads the current status of a job.
type StatusFetcher interface {
	GetJob(ctx context.Context, id int64) (Brief, error)
}

// ErrAlreadyStarted is returned by API.StartJob when the service had already
// begun processing the job.
var ErrAlreadyStarted = errors.New("job already started")

// API is the request/response boundary of the analysis service.
type API interface {
	StatusFetcher
	CreateJob(ctx context.Context, seedInput string) (Brief, error)
	StartJob(ctx context.Context, id int64) error
}

// Dialer opens the live feed for one job.
type Dialer interface {
	Dial(ctx context.Context, id int64) (Feed, error)
}

// Feed is a single live feed connection. ReadMessage blocks until a frame
// arrives or the connection ends. Close performs an intentional close that
// carries the normal-closure code; Abort drops the connection without a
// closing handshake.
type Feed interface {
	ReadMessage() ([]byte, error)
	Close() error
	Abort() error
}

// Clock returns the current time and schedules delayed callbacks (useful for
// testing).
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Timer
}

// Timer is a pending callback created by Clock.AfterFunc. Stop reports
// whether it prevented the callback from running.
type Timer interface {
	Stop() bool
}

// CloseNormalClosure is the close code of an intentional shutdown.
const CloseNormalClosure = 1000

// CloseError reports that the peer closed the feed with a close frame.
type CloseError struct {
	Code   int
	Reason string
}

func (e *CloseError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("feed closed with code %d", e.Code)
	}
	return fmt.Sprintf("feed closed with code %d: %s", e.Code, e.Reason)
}

// IsNormalClosure reports whether err is a close with the normal-closure code.
func IsNormalClosure(err error) bool {
	var ce *CloseError
	if errors.As(err, &ce) {
		return ce.Code == CloseNormalClosure
	}
	return false
}
