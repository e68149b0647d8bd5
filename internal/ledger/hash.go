package ledger

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// hashedFields is the canonical tuple an entry hash is computed over. The
// struct field order is the serialization order and must never change:
// entries written years ago are replayed through this exact layout.
type hashedFields struct {
	Action        string          `json:"action"`
	ResourceType  string          `json:"resourceType"`
	ResourceID    string          `json:"resourceId"`
	ActorUserID   int64           `json:"actorUserId"`
	OldValues     json.RawMessage `json:"oldValues"`
	NewValues     json.RawMessage `json:"newValues"`
	IPAddress     *string         `json:"ipAddress"`
	UserAgent     *string         `json:"userAgent"`
	Timestamp     string          `json:"timestamp"`
	PreviousHash  *string         `json:"previousHash"`
	Reason        string          `json:"reason"`
	CorrelationID *string         `json:"correlationId"`
}

// computeHash returns the hex SHA-256 of the entry's canonical serialization.
// Structured values are re-canonicalized first, so a storage layer that
// reorders object keys does not change the digest.
func computeHash(e *Entry) (string, error) {
	oldValues, err := Canonicalize(e.OldValues)
	if err != nil {
		return "", fmt.Errorf("canonicalize oldValues: %w", err)
	}
	newValues, err := Canonicalize(e.NewValues)
	if err != nil {
		return "", fmt.Errorf("canonicalize newValues: %w", err)
	}

	payload, err := json.Marshal(hashedFields{
		Action:        e.Action,
		ResourceType:  e.ResourceType,
		ResourceID:    e.ResourceID,
		ActorUserID:   e.ActorUserID,
		OldValues:     oldValues,
		NewValues:     newValues,
		IPAddress:     e.IPAddress,
		UserAgent:     e.UserAgent,
		Timestamp:     e.Timestamp,
		PreviousHash:  e.PreviousHash,
		Reason:        e.Reason,
		CorrelationID: e.CorrelationID,
	})
	if err != nil {
		return "", fmt.Errorf("marshal hashed fields: %w", err)
	}

	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:]), nil
}

// Canonicalize converts v into canonical JSON: object keys sorted at every
// depth, insignificant whitespace removed, numbers kept as written.
// A nil value or JSON null yields nil. json.RawMessage input is parsed as
// JSON; any other value is marshalled first.
func Canonicalize(v any) (json.RawMessage, error) {
	var raw []byte
	switch t := v.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		if len(t) == 0 {
			return nil, nil
		}
		raw = t
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("marshal value: %w", err)
		}
		raw = b
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var generic any
	if err := dec.Decode(&generic); err != nil {
		return nil, fmt.Errorf("decode value: %w", err)
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("decode value: trailing data after JSON document")
	}
	if generic == nil {
		return nil, nil
	}

	// encoding/json writes map keys in sorted order.
	out, err := json.Marshal(generic)
	if err != nil {
		return nil, fmt.Errorf("marshal canonical value: %w", err)
	}
	return out, nil
}
