package report

import "context"

// Sink consumes batches of reports. Implementations must be safe for
// repeated calls and honor ctx deadlines.
type Sink interface {
	Consume(ctx context.Context, batch []Report) error
	Close(ctx context.Context) error
}

// Reporter accepts individual reports; Hub satisfies this interface so the
// job runner stays agnostic about buffering and delivery.
type Reporter interface {
	Report(r Report)
}

// Discard is a Reporter that drops everything.
type Discard struct{}

// Report implements Reporter.
func (Discard) Report(Report) {}
