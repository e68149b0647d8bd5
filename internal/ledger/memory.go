package ledger

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// MemoryLedger is an in-memory, thread-safe Ledger implementation.
// A single mutex serializes appends, which gives the same no-fork guarantee
// as the row lock taken by PostgresLedger. It is primarily useful for tests
// and for tooling that does not need durable persistence.
type MemoryLedger struct {
	mu       sync.RWMutex
	entries  []*Entry // insertion order
	seq      int64
	tenants  map[int64]string
	clock    func() time.Time
	onAppend AppendMetricsFunc
	logger   *zap.Logger
}

// NewMemoryLedger creates an empty MemoryLedger.
func NewMemoryLedger(logger *zap.Logger) *MemoryLedger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MemoryLedger{
		tenants: make(map[int64]string),
		clock:   time.Now,
		logger:  logger,
	}
}

// SetClock overrides the time source used to stamp new entries.
func (l *MemoryLedger) SetClock(fn func() time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.clock = fn
}

// SetMetricsRecorder configures the append metrics callback.
func (l *MemoryLedger) SetMetricsRecorder(fn AppendMetricsFunc) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onAppend = fn
}

// AssignTenant records userID's current tenant membership, used by tenant
// scoped queries. A later call replaces the previous membership.
func (l *MemoryLedger) AssignTenant(userID int64, tenantID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.tenants[userID] = tenantID
}

// Append implements Ledger.
func (l *MemoryLedger) Append(ctx context.Context, req AppendRequest) (entry *Entry, err error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("append ledger entry: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	start := time.Now()
	if l.onAppend != nil {
		defer func() { l.onAppend(err, time.Since(start)) }()
	}

	var prev *tip
	if last := l.tipLocked(); last != nil {
		prev = &tip{Hash: last.Hash, Timestamp: last.Timestamp}
	}

	e, err := buildEntry(ctx, req, l.clock(), prev)
	if err != nil {
		return nil, fmt.Errorf("build ledger entry: %w", err)
	}
	l.seq++
	e.ID = uuid.New()
	e.Seq = l.seq
	l.entries = append(l.entries, e)

	l.logger.Debug("ledger entry appended",
		zap.Int64("seq", e.Seq),
		zap.String("action", e.Action),
		zap.String("resource_type", e.ResourceType),
	)
	return e.clone(), nil
}

// Get implements Ledger.
func (l *MemoryLedger) Get(_ context.Context, id uuid.UUID) (*Entry, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	for _, e := range l.entries {
		if e.ID == id {
			return e.clone(), nil
		}
	}
	return nil, ErrNotFound
}

// Len implements Ledger.
func (l *MemoryLedger) Len(_ context.Context) (int, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries), nil
}

// Tip implements Ledger.
func (l *MemoryLedger) Tip(_ context.Context) (string, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if last := l.tipLocked(); last != nil {
		return last.Hash, nil
	}
	return "", nil
}

// Entries implements Ledger.
func (l *MemoryLedger) Entries(_ context.Context, f Filter) ([]*Entry, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	from, to := f.bounds()
	out := make([]*Entry, 0, len(l.entries))
	for _, e := range l.orderedLocked() {
		if from != "" && e.Timestamp < from {
			continue
		}
		if to != "" && e.Timestamp > to {
			continue
		}
		if f.TenantID != nil && l.tenants[e.ActorUserID] != *f.TenantID {
			continue
		}
		out = append(out, e.clone())
	}
	return out, nil
}

// Inspect implements Ledger.
func (l *MemoryLedger) Inspect(_ context.Context) (*Report, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	w := newChainWalker()
	for _, e := range l.orderedLocked() {
		if !w.step(e) {
			break
		}
	}
	return w.result(), nil
}

// ValidateChain implements Ledger.
func (l *MemoryLedger) ValidateChain(ctx context.Context) (bool, error) {
	r, err := l.Inspect(ctx)
	if err != nil {
		return false, err
	}
	return r.Valid, nil
}

// tipLocked returns the entry with the greatest (timestamp, seq), or nil.
func (l *MemoryLedger) tipLocked() *Entry {
	var last *Entry
	for _, e := range l.entries {
		if last == nil || e.Timestamp > last.Timestamp ||
			(e.Timestamp == last.Timestamp && e.Seq > last.Seq) {
			last = e
		}
	}
	return last
}

// orderedLocked returns the entries sorted by timestamp, then seq.
func (l *MemoryLedger) orderedLocked() []*Entry {
	ordered := make([]*Entry, len(l.entries))
	copy(ordered, l.entries)
	sort.SliceStable(ordered, func(i, j int) bool {
		if ordered[i].Timestamp != ordered[j].Timestamp {
			return ordered[i].Timestamp < ordered[j].Timestamp
		}
		return ordered[i].Seq < ordered[j].Seq
	})
	return ordered
}
