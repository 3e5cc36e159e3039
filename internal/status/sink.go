package status

import "context"

// Sink consumes batches of events delivered by the Hub. Consume runs on the
// hub goroutine and must not cancel its own subscription.
type Sink interface {
	Consume(ctx context.Context, batch []Event) error
	Close(ctx context.Context) error
}
