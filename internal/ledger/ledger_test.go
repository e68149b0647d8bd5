package ledger_test

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jmerrifield20/auditledger/internal/ledger"
	"github.com/jmerrifield20/auditledger/internal/reqctx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var ctx = context.Background()

func actor(id int64) *int64 { return &id }

func str(s string) *string { return &s }

func roleChange(actorID int64, reason string) ledger.AppendRequest {
	return ledger.AppendRequest{
		Action:       "ROLE_CHANGED",
		ResourceType: "user",
		ResourceID:   "42",
		ActorUserID:  actor(actorID),
		OldValues:    map[string]any{"role": "viewer"},
		NewValues:    map[string]any{"role": "admin"},
		Reason:       reason,
	}
}

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func TestAppend_firstEntryScenario(t *testing.T) {
	l := ledger.NewMemoryLedger(zap.NewNop())
	l.SetClock(fixedClock(time.Date(2024, 3, 1, 12, 0, 0, 123456789, time.UTC)))

	e, err := l.Append(ctx, roleChange(7, "promote to admin"))
	require.NoError(t, err)

	assert.Nil(t, e.PreviousHash)
	assert.True(t, e.Immutable)
	assert.Equal(t, "2024-03-01T12:00:00.123456Z", e.Timestamp)

	canonical := `{"action":"ROLE_CHANGED","resourceType":"user","resourceId":"42","actorUserId":7,` +
		`"oldValues":{"role":"viewer"},"newValues":{"role":"admin"},"ipAddress":null,"userAgent":null,` +
		`"timestamp":"2024-03-01T12:00:00.123456Z","previousHash":null,"reason":"promote to admin","correlationId":null}`
	sum := sha256.Sum256([]byte(canonical))
	assert.Equal(t, hex.EncodeToString(sum[:]), e.Hash)

	valid, err := l.ValidateChain(ctx)
	require.NoError(t, err)
	assert.True(t, valid)
}

func TestAppend_chainsCorrectly(t *testing.T) {
	l := ledger.NewMemoryLedger(zap.NewNop())

	var prev *ledger.Entry
	for i := 0; i < 5; i++ {
		e, err := l.Append(ctx, roleChange(int64(i+1), "periodic review"))
		require.NoError(t, err)
		if prev == nil {
			assert.Nil(t, e.PreviousHash)
		} else {
			require.NotNil(t, e.PreviousHash)
			assert.Equal(t, prev.Hash, *e.PreviousHash)
			assert.Greater(t, e.Timestamp, prev.Timestamp)
		}
		prev = e
	}

	n, err := l.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, 5, n)

	root, err := l.Tip(ctx)
	require.NoError(t, err)
	assert.Equal(t, prev.Hash, root)

	valid, err := l.ValidateChain(ctx)
	require.NoError(t, err)
	assert.True(t, valid)
}

func TestAppend_validationErrors(t *testing.T) {
	l := ledger.NewMemoryLedger(zap.NewNop())
	_, err := l.Append(ctx, roleChange(1, "seed"))
	require.NoError(t, err)

	cases := []struct {
		name  string
		req   ledger.AppendRequest
		field string
	}{
		{"missing actor", ledger.AppendRequest{Action: "X", Reason: "because"}, "actorUserId"},
		{"empty reason", ledger.AppendRequest{Action: "X", ActorUserID: actor(3)}, "reason"},
		{"whitespace reason", ledger.AppendRequest{Action: "X", ActorUserID: actor(3), Reason: " \t\n "}, "reason"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := l.Append(ctx, tc.req)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ledger.ErrValidation))

			var vErr *ledger.ValidationError
			require.True(t, errors.As(err, &vErr))
			assert.Equal(t, tc.field, vErr.Field)

			n, err := l.Len(ctx)
			require.NoError(t, err)
			assert.Equal(t, 1, n, "chain length must be unchanged")
		})
	}
}

func TestAppend_cancelledContextWritesNothing(t *testing.T) {
	l := ledger.NewMemoryLedger(zap.NewNop())
	cctx, cancel := context.WithCancel(ctx)
	cancel()

	_, err := l.Append(cctx, roleChange(1, "too late"))
	require.ErrorIs(t, err, context.Canceled)

	n, _ := l.Len(ctx)
	assert.Zero(t, n)
}

func TestAppend_concurrentWritersFormSingleChain(t *testing.T) {
	l := ledger.NewMemoryLedger(zap.NewNop())
	const m = 64

	var wg sync.WaitGroup
	errs := make(chan error, m)
	for i := 0; i < m; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := l.Append(ctx, roleChange(int64(i), "bulk import confirmed"))
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	entries, err := l.Entries(ctx, ledger.Filter{})
	require.NoError(t, err)
	require.Len(t, entries, m)

	seen := make(map[string]bool)
	roots := 0
	for i, e := range entries {
		if e.PreviousHash == nil {
			roots++
			continue
		}
		assert.False(t, seen[*e.PreviousHash], "previousHash shared by two entries")
		seen[*e.PreviousHash] = true
		assert.Equal(t, entries[i-1].Hash, *e.PreviousHash)
	}
	assert.Equal(t, 1, roots)

	valid, err := l.ValidateChain(ctx)
	require.NoError(t, err)
	assert.True(t, valid)
}

func TestAppend_timestampsStayMonotonicUnderClockSkew(t *testing.T) {
	l := ledger.NewMemoryLedger(zap.NewNop())
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	l.SetClock(fixedClock(now))

	e1, err := l.Append(ctx, roleChange(1, "first"))
	require.NoError(t, err)

	// A writer whose clock runs behind the tip.
	l.SetClock(fixedClock(now.Add(-time.Minute)))
	e2, err := l.Append(ctx, roleChange(1, "second"))
	require.NoError(t, err)

	assert.Equal(t, "2025-01-01T00:00:00.000000Z", e1.Timestamp)
	assert.Equal(t, "2025-01-01T00:00:00.000001Z", e2.Timestamp)
	assert.Equal(t, e1.Hash, *e2.PreviousHash)
}

func TestAppend_correlationID(t *testing.T) {
	l := ledger.NewMemoryLedger(zap.NewNop())
	rctx := reqctx.WithCorrelationID(ctx, "req-ambient")

	e, err := l.Append(rctx, roleChange(1, "from context"))
	require.NoError(t, err)
	require.NotNil(t, e.CorrelationID)
	assert.Equal(t, "req-ambient", *e.CorrelationID)

	req := roleChange(1, "explicit wins")
	req.CorrelationID = str("req-explicit")
	e, err = l.Append(rctx, req)
	require.NoError(t, err)
	assert.Equal(t, "req-explicit", *e.CorrelationID)

	e, err = l.Append(ctx, roleChange(1, "none"))
	require.NoError(t, err)
	assert.Nil(t, e.CorrelationID)
}

func TestAppend_metricsRecorder(t *testing.T) {
	l := ledger.NewMemoryLedger(zap.NewNop())
	var calls int
	l.SetMetricsRecorder(func(err error, _ time.Duration) {
		assert.NoError(t, err)
		calls++
	})
	_, err := l.Append(ctx, roleChange(1, "observed"))
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestGet(t *testing.T) {
	l := ledger.NewMemoryLedger(zap.NewNop())
	e, err := l.Append(ctx, roleChange(1, "lookup"))
	require.NoError(t, err)

	got, err := l.Get(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, e, got)

	// Returned entries are copies.
	got.Reason = "edited"
	again, _ := l.Get(ctx, e.ID)
	assert.Equal(t, "lookup", again.Reason)

	_, err = l.Get(ctx, uuid.New())
	assert.ErrorIs(t, err, ledger.ErrNotFound)
}

func TestTip_emptyLedger(t *testing.T) {
	l := ledger.NewMemoryLedger(zap.NewNop())
	root, err := l.Tip(ctx)
	require.NoError(t, err)
	assert.Empty(t, root)

	valid, err := l.ValidateChain(ctx)
	require.NoError(t, err)
	assert.True(t, valid, "an empty ledger is a valid chain")
}

func TestCanonicalize(t *testing.T) {
	got, err := ledger.Canonicalize(json.RawMessage(`{ "b": 1.50, "a": {"d": [3, {"z": 1, "y": 2}], "c": null} }`))
	require.NoError(t, err)
	assert.JSONEq(t, `{"a":{"c":null,"d":[3,{"y":2,"z":1}]},"b":1.50}`, string(got))
	assert.Equal(t, `{"a":{"c":null,"d":[3,{"y":2,"z":1}]},"b":1.50}`, string(got))

	fromMap, err := ledger.Canonicalize(map[string]any{"b": json.Number("1.50"), "a": map[string]any{"c": nil, "d": []any{3, map[string]any{"z": 1, "y": 2}}}})
	require.NoError(t, err)
	assert.Equal(t, string(got), string(fromMap))

	null, err := ledger.Canonicalize(json.RawMessage(`null`))
	require.NoError(t, err)
	assert.Nil(t, null)

	_, err = ledger.Canonicalize(json.RawMessage(`{"a":1} trailing`))
	assert.Error(t, err)
}

func TestAppend_structuredValuesHashIndependentOfKeyOrder(t *testing.T) {
	clock := fixedClock(time.Date(2024, 6, 1, 8, 0, 0, 0, time.UTC))

	a := ledger.NewMemoryLedger(zap.NewNop())
	a.SetClock(clock)
	b := ledger.NewMemoryLedger(zap.NewNop())
	b.SetClock(clock)

	reqA := roleChange(9, "key order")
	reqA.NewValues = json.RawMessage(`{"role":"admin","scopes":["a","b"]}`)
	reqB := roleChange(9, "key order")
	reqB.NewValues = json.RawMessage(`{"scopes":["a","b"],"role":"admin"}`)

	ea, err := a.Append(ctx, reqA)
	require.NoError(t, err)
	eb, err := b.Append(ctx, reqB)
	require.NoError(t, err)
	assert.Equal(t, ea.Hash, eb.Hash)
	assert.Equal(t, string(ea.NewValues), string(eb.NewValues))
}
