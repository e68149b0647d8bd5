// Package archive writes daily, write-once snapshots of the audit ledger to
// an object store. Each snapshot holds a JSON and a CSV export of one UTC day
// plus a manifest recording the SHA-256 of both files and the chain tip at
// the time of export.
package archive

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/jmerrifield20/auditledger/internal/ledger"
)

// ErrExists is returned by Store.Put when the key was already written.
var ErrExists = errors.New("archive: object already exists")

// ErrAlreadyArchived is returned by Snapshot when the day has a manifest.
var ErrAlreadyArchived = errors.New("archive: day already archived")

// Store is a write-once object store.
type Store interface {
	// Put writes body under key. It must not replace an existing object and
	// returns ErrExists instead.
	Put(ctx context.Context, key string, body []byte, contentType string) error

	// Exists reports whether key has been written.
	Exists(ctx context.Context, key string) (bool, error)
}

// Source is the ledger read side a snapshot needs.
type Source interface {
	ledger.EntrySource
	Tip(ctx context.Context) (string, error)
}

// File describes one archived object.
type File struct {
	Key         string `json:"key"`
	ContentType string `json:"contentType"`
	Size        int    `json:"size"`
	SHA256      string `json:"sha256"`
}

// Manifest is written last; its presence marks a day as archived.
type Manifest struct {
	Day         string    `json:"day"`
	From        string    `json:"from"`
	To          string    `json:"to"`
	Records     int       `json:"records"`
	Tip         string    `json:"tip"`
	GeneratedAt time.Time `json:"generatedAt"`
	Files       []File    `json:"files"`
}

// SnapshotMetricsFunc is an optional callback observing snapshot outcomes.
type SnapshotMetricsFunc func(err error)

// Archiver produces snapshots from a Source into a Store.
type Archiver struct {
	src        Source
	store      Store
	prefix     string
	clock      func() time.Time
	onSnapshot SnapshotMetricsFunc
	logger     *zap.Logger
}

// New creates an Archiver. Keys are prefixed with prefix, which may be empty.
func New(src Source, store Store, prefix string, logger *zap.Logger) *Archiver {
	prefix = strings.Trim(prefix, "/")
	return &Archiver{src: src, store: store, prefix: prefix, clock: time.Now, logger: logger}
}

// SetClock overrides the time source.
func (a *Archiver) SetClock(fn func() time.Time) {
	a.clock = fn
}

// SetMetricsRecorder configures the snapshot metrics callback.
func (a *Archiver) SetMetricsRecorder(fn SnapshotMetricsFunc) {
	a.onSnapshot = fn
}

// SnapshotPrevious archives the UTC day before now. An already archived day
// is not an error.
func (a *Archiver) SnapshotPrevious(ctx context.Context) (*Manifest, error) {
	day := a.clock().UTC().AddDate(0, 0, -1)
	m, err := a.Snapshot(ctx, day)
	if errors.Is(err, ErrAlreadyArchived) {
		a.logger.Info("archive: day already archived", zap.String("day", day.Format(time.DateOnly)))
		return nil, nil
	}
	return m, err
}

// Snapshot archives the UTC calendar day containing day. Today and future
// days are rejected because they may still receive entries.
func (a *Archiver) Snapshot(ctx context.Context, day time.Time) (m *Manifest, err error) {
	if a.onSnapshot != nil {
		defer func() {
			if !errors.Is(err, ErrAlreadyArchived) {
				a.onSnapshot(err)
			}
		}()
	}

	start := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, time.UTC)
	end := start.Add(24*time.Hour - time.Microsecond)
	if !a.clock().UTC().After(start.Add(24 * time.Hour)) {
		return nil, fmt.Errorf("archive: day %s is not over yet", start.Format(time.DateOnly))
	}

	dayStr := start.Format(time.DateOnly)
	manifestKey := a.key(start, "manifest.json")
	exists, err := a.store.Exists(ctx, manifestKey)
	if err != nil {
		return nil, fmt.Errorf("check manifest %s: %w", manifestKey, err)
	}
	if exists {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyArchived, dayStr)
	}

	// Read the tip first: every entry of a finished day precedes it.
	tip, err := a.src.Tip(ctx)
	if err != nil {
		return nil, fmt.Errorf("read ledger tip: %w", err)
	}

	m = &Manifest{
		Day:         dayStr,
		From:        ledger.FormatTimestamp(start),
		To:          ledger.FormatTimestamp(end),
		Tip:         tip,
		GeneratedAt: a.clock().UTC(),
	}

	for _, format := range []ledger.Format{ledger.FormatJSON, ledger.FormatCSV} {
		p, err := ledger.Export(ctx, a.src, ledger.ExportRequest{Format: format, From: &start, To: &end})
		if err != nil {
			return nil, fmt.Errorf("export %s: %w", format, err)
		}
		m.Records = len(p.Records)

		key := a.key(start, "audit-ledger-"+dayStr+"."+string(format))
		if err := a.store.Put(ctx, key, p.Data, p.ContentType); err != nil && !errors.Is(err, ErrExists) {
			return nil, fmt.Errorf("put %s: %w", key, err)
		}
		m.Files = append(m.Files, File{
			Key:         key,
			ContentType: p.ContentType,
			Size:        len(p.Data),
			SHA256:      Checksum(p.Data),
		})
	}

	body, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal manifest: %w", err)
	}
	if err := a.store.Put(ctx, manifestKey, body, "application/json"); err != nil {
		return nil, fmt.Errorf("put manifest: %w", err)
	}

	a.logger.Info("archive: snapshot written",
		zap.String("day", dayStr),
		zap.Int("records", m.Records),
		zap.String("tip", tip),
	)
	return m, nil
}

// key lays objects out as <prefix>/YYYY/MM/DD/<name>.
func (a *Archiver) key(day time.Time, name string) string {
	return path.Join(a.prefix, day.Format("2006/01/02"), name)
}

// Checksum returns the hex SHA-256 of data.
func Checksum(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
