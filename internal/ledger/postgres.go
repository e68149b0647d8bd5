package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// DefaultLockKey is the PostgreSQL advisory lock key used to serialize
// concurrent appends. The value is arbitrary but must be identical across
// every process writing to the same database.
const DefaultLockKey = int64(4_711_020_518)

const entryColumns = `id, seq, action, resource_type, resource_id, actor_user_id,
	old_values, new_values, ip_address, user_agent, reason, correlation_id,
	recorded_at, hash, previous_hash, immutable`

// PostgresLedger persists the audit ledger to the audit_ledger table.
// It implements the Ledger interface.
type PostgresLedger struct {
	pool     *pgxpool.Pool
	lockKey  int64
	clock    func() time.Time
	onAppend AppendMetricsFunc
	logger   *zap.Logger
}

// NewPostgresLedger creates a PostgresLedger backed by the given connection pool.
func NewPostgresLedger(pool *pgxpool.Pool, logger *zap.Logger) *PostgresLedger {
	return &PostgresLedger{
		pool:    pool,
		lockKey: DefaultLockKey,
		clock:   time.Now,
		logger:  logger,
	}
}

// SetLockKey overrides the advisory lock key.
func (l *PostgresLedger) SetLockKey(key int64) {
	l.lockKey = key
}

// SetMetricsRecorder configures the append metrics callback.
func (l *PostgresLedger) SetMetricsRecorder(fn AppendMetricsFunc) {
	l.onAppend = fn
}

// Append implements Ledger. It runs AppendTx in its own transaction.
func (l *PostgresLedger) Append(ctx context.Context, req AppendRequest) (*Entry, error) {
	return l.WithAudit(ctx, req, nil)
}

// WithAudit runs fn and appends req inside one transaction, so the business
// mutation performed by fn and its audit entry commit or roll back together.
// fn may be nil. A validation failure is reported before the transaction
// starts.
func (l *PostgresLedger) WithAudit(ctx context.Context, req AppendRequest, fn func(ctx context.Context, tx pgx.Tx) error) (entry *Entry, err error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	start := time.Now()
	if l.onAppend != nil {
		defer func() { l.onAppend(err, time.Since(start)) }()
	}

	tx, err := l.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if fn != nil {
		if err := fn(ctx, tx); err != nil {
			return nil, err
		}
	}

	entry, err = l.AppendTx(ctx, tx, req)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit ledger tx: %w", classify(err))
	}

	l.logger.Debug("ledger entry appended",
		zap.Int64("seq", entry.Seq),
		zap.String("action", entry.Action),
		zap.String("resource_type", entry.ResourceType),
	)
	return entry, nil
}

// AppendTx appends req inside the caller's transaction. The tip lock is held
// until that transaction ends, and the entry exists only if it commits.
func (l *PostgresLedger) AppendTx(ctx context.Context, tx pgx.Tx, req AppendRequest) (*Entry, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	// The advisory lock also serializes the very first append, when there is
	// no tip row for FOR UPDATE to lock. Both are released on commit/rollback.
	if _, err := tx.Exec(ctx, "SELECT pg_advisory_xact_lock($1)", l.lockKey); err != nil {
		return nil, fmt.Errorf("acquire ledger lock: %w", err)
	}

	var prev *tip
	var t tip
	err := tx.QueryRow(ctx,
		`SELECT hash, recorded_at FROM audit_ledger
		 ORDER BY recorded_at DESC, seq DESC LIMIT 1 FOR UPDATE`,
	).Scan(&t.Hash, &t.Timestamp)
	switch {
	case err == nil:
		prev = &t
	case errors.Is(err, pgx.ErrNoRows):
	default:
		return nil, fmt.Errorf("read ledger tip: %w", err)
	}

	entry, err := buildEntry(ctx, req, l.clock(), prev)
	if err != nil {
		return nil, fmt.Errorf("build ledger entry: %w", err)
	}

	if err := tx.QueryRow(ctx,
		`INSERT INTO audit_ledger (action, resource_type, resource_id, actor_user_id,
			old_values, new_values, ip_address, user_agent, reason, correlation_id,
			recorded_at, hash, previous_hash, immutable)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, true)
		 RETURNING id, seq`,
		entry.Action, entry.ResourceType, entry.ResourceID, entry.ActorUserID,
		jsonArg(entry.OldValues), jsonArg(entry.NewValues),
		entry.IPAddress, entry.UserAgent, entry.Reason, entry.CorrelationID,
		entry.Timestamp, entry.Hash, entry.PreviousHash,
	).Scan(&entry.ID, &entry.Seq); err != nil {
		return nil, fmt.Errorf("insert ledger entry: %w", classify(err))
	}
	return entry, nil
}

// Get implements Ledger.
func (l *PostgresLedger) Get(ctx context.Context, id uuid.UUID) (*Entry, error) {
	entry, err := scanEntry(l.pool.QueryRow(ctx,
		`SELECT `+entryColumns+` FROM audit_ledger WHERE id = $1`, id,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get ledger entry %s: %w", id, err)
	}
	return entry, nil
}

// Len implements Ledger.
func (l *PostgresLedger) Len(ctx context.Context) (int, error) {
	var n int
	if err := l.pool.QueryRow(ctx, "SELECT COUNT(*) FROM audit_ledger").Scan(&n); err != nil {
		return 0, fmt.Errorf("count ledger entries: %w", err)
	}
	return n, nil
}

// Tip implements Ledger.
func (l *PostgresLedger) Tip(ctx context.Context) (string, error) {
	var hash string
	err := l.pool.QueryRow(ctx,
		"SELECT hash FROM audit_ledger ORDER BY recorded_at DESC, seq DESC LIMIT 1",
	).Scan(&hash)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get ledger tip: %w", err)
	}
	return hash, nil
}

// Entries implements Ledger. A tenant filter joins the actor's current
// membership in tenant_memberships, not the membership at append time.
func (l *PostgresLedger) Entries(ctx context.Context, f Filter) ([]*Entry, error) {
	var (
		where []string
		args  []any
	)
	from, to := f.bounds()
	if from != "" {
		args = append(args, from)
		where = append(where, "e.recorded_at >= $"+strconv.Itoa(len(args)))
	}
	if to != "" {
		args = append(args, to)
		where = append(where, "e.recorded_at <= $"+strconv.Itoa(len(args)))
	}
	if f.TenantID != nil {
		args = append(args, *f.TenantID)
		where = append(where, `EXISTS (SELECT 1 FROM tenant_memberships m
			WHERE m.user_id = e.actor_user_id AND m.tenant_id = $`+strconv.Itoa(len(args))+`)`)
	}

	q := `SELECT ` + prefixColumns("e.") + ` FROM audit_ledger e`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY e.recorded_at ASC, e.seq ASC"

	rows, err := l.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query ledger entries: %w", err)
	}
	defer rows.Close()

	out := []*Entry{}
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan ledger row: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate ledger rows: %w", err)
	}
	return out, nil
}

// Inspect implements Ledger. It streams all rows in chain order without
// taking locks; an append committing mid-walk may simply not be seen.
func (l *PostgresLedger) Inspect(ctx context.Context) (*Report, error) {
	rows, err := l.pool.Query(ctx,
		`SELECT `+entryColumns+` FROM audit_ledger ORDER BY recorded_at ASC, seq ASC`,
	)
	if err != nil {
		return nil, fmt.Errorf("query ledger: %w", err)
	}
	defer rows.Close()

	w := newChainWalker()
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan ledger row: %w", err)
		}
		if !w.step(e) {
			break
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate ledger rows: %w", err)
	}
	return w.result(), nil
}

// ValidateChain implements Ledger.
func (l *PostgresLedger) ValidateChain(ctx context.Context) (bool, error) {
	r, err := l.Inspect(ctx)
	if err != nil {
		return false, err
	}
	return r.Valid, nil
}

// scanEntry scans one row selected with entryColumns.
func scanEntry(row pgx.Row) (*Entry, error) {
	var (
		e                  Entry
		oldValues, newVals []byte
	)
	if err := row.Scan(
		&e.ID, &e.Seq, &e.Action, &e.ResourceType, &e.ResourceID, &e.ActorUserID,
		&oldValues, &newVals, &e.IPAddress, &e.UserAgent, &e.Reason, &e.CorrelationID,
		&e.Timestamp, &e.Hash, &e.PreviousHash, &e.Immutable,
	); err != nil {
		return nil, err
	}
	if oldValues != nil {
		e.OldValues = json.RawMessage(oldValues)
	}
	if newVals != nil {
		e.NewValues = json.RawMessage(newVals)
	}
	return &e, nil
}

// jsonArg maps a canonical value to a json column argument; nil is SQL NULL.
func jsonArg(raw json.RawMessage) any {
	if raw == nil {
		return nil
	}
	return string(raw)
}

func prefixColumns(prefix string) string {
	cols := strings.Split(entryColumns, ",")
	for i, c := range cols {
		cols[i] = prefix + strings.TrimSpace(c)
	}
	return strings.Join(cols, ", ")
}

// classify maps unique violations on the chain constraints to ErrChainConflict.
func classify(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return fmt.Errorf("%w: %s", ErrChainConflict, pgErr.ConstraintName)
	}
	return err
}
