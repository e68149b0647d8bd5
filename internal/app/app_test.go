package app

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/jmerrifield20/auditledger/internal/archive/local"
	"github.com/jmerrifield20/auditledger/internal/config"
	"github.com/jmerrifield20/auditledger/internal/ledger"
)

func TestOpenLedger_memory(t *testing.T) {
	cfg := &config.Config{Ledger: config.LedgerConfig{Backend: config.BackendMemory}}
	l, err := OpenLedger(context.Background(), cfg, zap.NewNop(), nil)
	require.NoError(t, err)
	defer l.Close()

	_, ok := l.Ledger.(*ledger.MemoryLedger)
	assert.True(t, ok)
	assert.Nil(t, l.Pool)
	assert.Nil(t, l.Postgres)
}

func TestOpenLedger_unknown(t *testing.T) {
	cfg := &config.Config{Ledger: config.LedgerConfig{Backend: "sqlite"}}
	_, err := OpenLedger(context.Background(), cfg, zap.NewNop(), nil)
	assert.Error(t, err)
}

func TestNewArchiveStore(t *testing.T) {
	cfg := &config.Config{Archive: config.ArchiveConfig{Backend: config.ArchiveNone}}
	s, err := NewArchiveStore(context.Background(), cfg)
	require.NoError(t, err)
	assert.Nil(t, s)

	cfg.Archive = config.ArchiveConfig{Backend: config.ArchiveLocal, LocalDir: t.TempDir()}
	s, err = NewArchiveStore(context.Background(), cfg)
	require.NoError(t, err)
	_, ok := s.(*local.Store)
	assert.True(t, ok)
	assert.Empty(t, ArchivePrefix(cfg))

	cfg.Archive = config.ArchiveConfig{Backend: "tape"}
	_, err = NewArchiveStore(context.Background(), cfg)
	assert.Error(t, err)
}
