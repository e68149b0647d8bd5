package ledger

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Ledger is the interface for the append-only audit ledger.
// Both MemoryLedger and PostgresLedger implement this interface.
type Ledger interface {
	// Append validates req, links a new entry to the current tip and commits
	// it. It either extends the chain by exactly one entry or returns an error
	// and leaves the chain unchanged.
	Append(ctx context.Context, req AppendRequest) (*Entry, error)

	// Get returns the entry with the given id.
	Get(ctx context.Context, id uuid.UUID) (*Entry, error)

	// Len returns the total number of entries.
	Len(ctx context.Context) (int, error)

	// Tip returns the hash of the most recent entry, or "" for an empty ledger.
	Tip(ctx context.Context) (string, error)

	// Entries returns entries matching f ordered by timestamp ascending.
	Entries(ctx context.Context, f Filter) ([]*Entry, error)

	// Inspect replays the chain and reports the first divergence, if any.
	Inspect(ctx context.Context) (*Report, error)

	// ValidateChain reports whether the whole stored chain is consistent.
	// Tampering yields false; the error is reserved for storage failures.
	ValidateChain(ctx context.Context) (bool, error)
}

// Filter restricts an entry query. From and To bound the timestamp as a
// closed interval; either may be nil. TenantID restricts to entries whose
// actor currently belongs to that tenant.
type Filter struct {
	From     *time.Time
	To       *time.Time
	TenantID *string
}

// AppendMetricsFunc is an optional callback observing append outcomes.
type AppendMetricsFunc func(err error, elapsed time.Duration)

// bounds returns the formatted interval bounds; "" means unbounded.
func (f Filter) bounds() (from, to string) {
	if f.From != nil {
		from = FormatTimestamp(*f.From)
	}
	if f.To != nil {
		to = FormatTimestamp(*f.To)
	}
	return from, to
}
