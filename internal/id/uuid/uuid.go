// Package uuid generates correlation identifiers for tracking sessions.
package uuid

import (
	"fmt"
	"strconv"
	"sync/atomic"

	"github.com/google/uuid"
)

// Generator creates UUID v7 strings.
type Generator struct {
	fallback atomic.Uint64
}

// New creates a new Generator.
func New() *Generator {
	return &Generator{}
}

// NewID returns a UUID7 string.
func (g *Generator) NewID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate uuid7: %w", err)
	}
	return id.String(), nil
}

// SessionID returns a UUID7, a UUID4 when the clock-based variant cannot be
// generated, and a process-local sequence as a last resort. Session ids only
// correlate log lines and events, so it never fails.
func (g *Generator) SessionID() string {
	if id, err := g.NewID(); err == nil {
		return id
	}
	if id, err := uuid.NewRandom(); err == nil {
		return id.String()
	}
	return "session-" + strconv.FormatUint(g.fallback.Add(1), 10)
}
