package ledger

import "github.com/google/uuid"

// Divergence reasons reported by Inspect.
const (
	ReasonHashMismatch = "hash_mismatch" // stored hash differs from the recomputed one
	ReasonLinkMismatch = "link_mismatch" // previousHash does not point at the predecessor
)

// Report is the outcome of a chain replay.
type Report struct {
	Valid    bool       `json:"valid"`
	Checked  int        `json:"checked"`
	Tip      string     `json:"tip,omitempty"`
	BrokenAt *uuid.UUID `json:"broken_at,omitempty"`
	Position int        `json:"position,omitempty"` // zero-based, in timestamp order
	Reason   string     `json:"reason,omitempty"`
}

// chainWalker replays entries in timestamp order, one at a time, so the
// Postgres ledger can stream rows instead of loading the whole table.
type chainWalker struct {
	expectedPrev *string
	report       Report
}

func newChainWalker() *chainWalker {
	return &chainWalker{report: Report{Valid: true}}
}

// step checks e against its predecessor. It returns false once the chain is
// broken; the walk should stop there.
func (w *chainWalker) step(e *Entry) bool {
	pos := w.report.Checked
	w.report.Checked++

	want, err := computeHash(e)
	if err != nil || want != e.Hash {
		w.fail(e, pos, ReasonHashMismatch)
		return false
	}
	if !sameHash(e.PreviousHash, w.expectedPrev) {
		w.fail(e, pos, ReasonLinkMismatch)
		return false
	}

	h := e.Hash
	w.expectedPrev = &h
	w.report.Tip = h
	return true
}

func (w *chainWalker) fail(e *Entry, pos int, reason string) {
	id := e.ID
	w.report.Valid = false
	w.report.BrokenAt = &id
	w.report.Position = pos
	w.report.Reason = reason
	w.report.Tip = ""
}

func (w *chainWalker) result() *Report {
	r := w.report
	return &r
}

func sameHash(a, b *string) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}
