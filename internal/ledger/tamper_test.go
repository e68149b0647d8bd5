package ledger

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// buildChain appends n entries one second apart.
func buildChain(t *testing.T, n int) *MemoryLedger {
	t.Helper()
	l := NewMemoryLedger(zap.NewNop())
	base := time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)
	for i := 0; i < n; i++ {
		l.SetClock(func() time.Time { return base.Add(time.Duration(i) * time.Second) })
		actorID := int64(i + 1)
		_, err := l.Append(context.Background(), AppendRequest{
			Action:       "INVOICE_APPROVED",
			ResourceType: "invoice",
			ResourceID:   "inv-1",
			ActorUserID:  &actorID,
			OldValues:    map[string]any{"status": "draft"},
			NewValues:    map[string]any{"status": "approved"},
			Reason:       "four-eyes approval",
		})
		require.NoError(t, err)
	}
	return l
}

func validate(t *testing.T, l *MemoryLedger) *Report {
	t.Helper()
	r, err := l.Inspect(context.Background())
	require.NoError(t, err)
	ok, err := l.ValidateChain(context.Background())
	require.NoError(t, err)
	assert.Equal(t, r.Valid, ok)
	return r
}

func TestValidateChain_detectsFieldMutation(t *testing.T) {
	mutations := map[string]func(e *Entry){
		"action":        func(e *Entry) { e.Action = "INVOICE_REJECTED" },
		"resourceId":    func(e *Entry) { e.ResourceID = "inv-2" },
		"actorUserId":   func(e *Entry) { e.ActorUserID = 999 },
		"oldValues":     func(e *Entry) { e.OldValues = json.RawMessage(`{"status":"paid"}`) },
		"newValues":     func(e *Entry) { e.NewValues = nil },
		"reason":        func(e *Entry) { e.Reason = "self approval" },
		"ipAddress":     func(e *Entry) { ip := "10.0.0.1"; e.IPAddress = &ip },
		"correlationId": func(e *Entry) { id := "forged"; e.CorrelationID = &id },
		"hash":          func(e *Entry) { e.Hash = flipFirst(e.Hash) },
	}
	for name, mutate := range mutations {
		t.Run(name, func(t *testing.T) {
			l := buildChain(t, 4)
			target := l.entries[2]
			mutate(target)

			r := validate(t, l)
			assert.False(t, r.Valid)
			assert.Equal(t, 2, r.Position)
			require.NotNil(t, r.BrokenAt)
			assert.Equal(t, target.ID, *r.BrokenAt)
			assert.Equal(t, ReasonHashMismatch, r.Reason)
		})
	}
}

func TestValidateChain_keyReorderIsNotTampering(t *testing.T) {
	l := buildChain(t, 2)
	l.entries[0].NewValues = json.RawMessage(`{ "status" : "approved" }`)
	assert.True(t, validate(t, l).Valid)
}

func TestValidateChain_detectsMiddleDeletion(t *testing.T) {
	l := buildChain(t, 5)
	l.entries = append(l.entries[:2], l.entries[3:]...)

	r := validate(t, l)
	assert.False(t, r.Valid)
	assert.Equal(t, 2, r.Position)
	assert.Equal(t, ReasonLinkMismatch, r.Reason)
}

func TestValidateChain_detectsTimestampSwap(t *testing.T) {
	l := buildChain(t, 4)
	a, b := l.entries[1], l.entries[2]
	a.Timestamp, b.Timestamp = b.Timestamp, a.Timestamp

	// Re-seal both entries so each hash matches its own content again.
	var err error
	a.Hash, err = computeHash(a)
	require.NoError(t, err)
	b.Hash, err = computeHash(b)
	require.NoError(t, err)
	for _, e := range l.entries {
		h, err := computeHash(e)
		require.NoError(t, err)
		require.Equal(t, h, e.Hash)
	}

	r := validate(t, l)
	assert.False(t, r.Valid)
	assert.Equal(t, ReasonLinkMismatch, r.Reason)
	assert.Equal(t, 1, r.Position)
}

// Tail truncation is a known blind spot: dropping the newest entries leaves
// a shorter chain that still validates.
func TestValidateChain_tailTruncationIsUndetected(t *testing.T) {
	l := buildChain(t, 5)
	l.entries = l.entries[:3]

	r := validate(t, l)
	assert.True(t, r.Valid)
	assert.Equal(t, 3, r.Checked)
	assert.Equal(t, l.entries[2].Hash, r.Tip)
}

func TestValidateChain_detectsForgedRoot(t *testing.T) {
	l := buildChain(t, 3)
	// Removing the first entry leaves its successor pointing at a hash that
	// is no longer part of the chain.
	l.entries = l.entries[1:]
	r := validate(t, l)
	assert.False(t, r.Valid)
	assert.Equal(t, 0, r.Position)
	assert.Equal(t, ReasonLinkMismatch, r.Reason)
}

func flipFirst(h string) string {
	if h[0] == 'a' {
		return "b" + h[1:]
	}
	return "a" + h[1:]
}
