package ledger

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// TimestampLayout is the frozen ISO-8601 form of an entry timestamp. It is
// fixed-width UTC with microsecond precision, so lexical order equals
// chronological order and the stored string hashes identically on replay.
const TimestampLayout = "2006-01-02T15:04:05.000000Z"

// Entry is a single committed record in the audit ledger.
type Entry struct {
	ID            uuid.UUID       `json:"id"`
	Seq           int64           `json:"seq"` // insertion order, breaks timestamp ties
	Action        string          `json:"action"`
	ResourceType  string          `json:"resourceType"`
	ResourceID    string          `json:"resourceId"`
	ActorUserID   int64           `json:"actorUserId"`
	OldValues     json.RawMessage `json:"oldValues"`
	NewValues     json.RawMessage `json:"newValues"`
	IPAddress     *string         `json:"ipAddress"`
	UserAgent     *string         `json:"userAgent"`
	Reason        string          `json:"reason"`
	CorrelationID *string         `json:"correlationId"`
	Timestamp     string          `json:"timestamp"`
	Hash          string          `json:"hash"`
	PreviousHash  *string         `json:"previousHash"`
	Immutable     bool            `json:"immutable"`
}

// Time parses the entry's frozen timestamp.
func (e *Entry) Time() (time.Time, error) {
	t, err := time.Parse(TimestampLayout, e.Timestamp)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse entry timestamp %q: %w", e.Timestamp, err)
	}
	return t, nil
}

// clone returns a deep copy so callers can never mutate stored state.
func (e *Entry) clone() *Entry {
	c := *e
	c.OldValues = cloneRaw(e.OldValues)
	c.NewValues = cloneRaw(e.NewValues)
	c.IPAddress = cloneString(e.IPAddress)
	c.UserAgent = cloneString(e.UserAgent)
	c.CorrelationID = cloneString(e.CorrelationID)
	c.PreviousHash = cloneString(e.PreviousHash)
	return &c
}

// FormatTimestamp renders t in TimestampLayout.
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(TimestampLayout)
}

func cloneRaw(r json.RawMessage) json.RawMessage {
	if r == nil {
		return nil
	}
	return append(json.RawMessage(nil), r...)
}

func cloneString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}
