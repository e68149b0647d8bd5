package ledger

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jmerrifield20/auditledger/internal/reqctx"
)

// AppendRequest carries the caller-supplied fields of a new entry.
// Timestamp, hash and previous hash are always computed by the ledger.
type AppendRequest struct {
	Action        string  `json:"action"`
	ResourceType  string  `json:"resourceType"`
	ResourceID    string  `json:"resourceId"`
	ActorUserID   *int64  `json:"actorUserId"`
	OldValues     any     `json:"oldValues,omitempty"`
	NewValues     any     `json:"newValues,omitempty"`
	IPAddress     *string `json:"ipAddress,omitempty"`
	UserAgent     *string `json:"userAgent,omitempty"`
	Reason        string  `json:"reason"`
	CorrelationID *string `json:"correlationId,omitempty"`
}

// Validate checks the append preconditions.
func (r *AppendRequest) Validate() error {
	if r.ActorUserID == nil {
		return &ValidationError{Field: "actorUserId", Message: "is required"}
	}
	if strings.TrimSpace(r.Reason) == "" {
		return &ValidationError{Field: "reason", Message: "must be a non-empty string"}
	}
	return nil
}

// tip is the part of the current chain tip an append depends on.
type tip struct {
	Hash      string
	Timestamp string
}

// buildEntry freezes the timestamp, resolves the correlation id, links the
// entry to prev and computes its hash. prev is nil for the first entry.
func buildEntry(ctx context.Context, req AppendRequest, now time.Time, prev *tip) (*Entry, error) {
	oldValues, err := Canonicalize(req.OldValues)
	if err != nil {
		return nil, fmt.Errorf("oldValues: %w", err)
	}
	newValues, err := Canonicalize(req.NewValues)
	if err != nil {
		return nil, fmt.Errorf("newValues: %w", err)
	}

	e := &Entry{
		Action:        req.Action,
		ResourceType:  req.ResourceType,
		ResourceID:    req.ResourceID,
		ActorUserID:   *req.ActorUserID,
		OldValues:     oldValues,
		NewValues:     newValues,
		IPAddress:     cloneString(req.IPAddress),
		UserAgent:     cloneString(req.UserAgent),
		Reason:        req.Reason,
		CorrelationID: resolveCorrelationID(ctx, req.CorrelationID),
		Immutable:     true,
	}

	ts := now.UTC().Truncate(time.Microsecond)
	if prev != nil {
		h := prev.Hash
		e.PreviousHash = &h

		// Timestamps must strictly increase along the chain even when the
		// wall clock of this writer lags the one that wrote the tip.
		if prevTS, err := time.Parse(TimestampLayout, prev.Timestamp); err == nil && !ts.After(prevTS) {
			ts = prevTS.Add(time.Microsecond)
		}
	}
	e.Timestamp = FormatTimestamp(ts)

	hash, err := computeHash(e)
	if err != nil {
		return nil, err
	}
	e.Hash = hash
	return e, nil
}

// resolveCorrelationID prefers the explicit value, then the request context.
func resolveCorrelationID(ctx context.Context, explicit *string) *string {
	if explicit != nil && *explicit != "" {
		return cloneString(explicit)
	}
	if id, ok := reqctx.CorrelationID(ctx); ok {
		return &id
	}
	return nil
}
