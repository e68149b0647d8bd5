// Package app wires configuration into the components shared by the ledgerd
// server and the operator tools.
package app

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/jmerrifield20/auditledger/internal/archive"
	"github.com/jmerrifield20/auditledger/internal/archive/local"
	"github.com/jmerrifield20/auditledger/internal/archive/s3"
	"github.com/jmerrifield20/auditledger/internal/config"
	"github.com/jmerrifield20/auditledger/internal/db"
	"github.com/jmerrifield20/auditledger/internal/ledger"
)

// NewLogger builds the process logger.
func NewLogger(cfg *config.Config) (*zap.Logger, error) {
	if cfg.Log.Development {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

// Ledger is an opened ledger plus its pool, which is nil for the memory
// backend.
type Ledger struct {
	ledger.Ledger
	Pool     *pgxpool.Pool
	Postgres *ledger.PostgresLedger
}

// Close releases the connection pool.
func (l *Ledger) Close() {
	if l.Pool != nil {
		l.Pool.Close()
	}
}

// OpenLedger opens the configured ledger backend. For postgres it connects,
// optionally migrates and applies the configured lock key.
func OpenLedger(ctx context.Context, cfg *config.Config, logger *zap.Logger, onAppend ledger.AppendMetricsFunc) (*Ledger, error) {
	switch cfg.Ledger.Backend {
	case config.BackendMemory:
		logger.Warn("ledger backend: memory, entries are lost on restart; do not use in production")
		ml := ledger.NewMemoryLedger(logger)
		if onAppend != nil {
			ml.SetMetricsRecorder(onAppend)
		}
		return &Ledger{Ledger: ml}, nil

	case config.BackendPostgres:
		if cfg.Database.MigrateOnStart {
			if err := db.Migrate(cfg.Database.URL, "up"); err != nil {
				return nil, err
			}
			logger.Info("database migrations applied")
		}

		pool, err := db.Connect(ctx, cfg.Database.URL, cfg.Database.MaxConns)
		if err != nil {
			return nil, err
		}
		logger.Info("connected to postgres", zap.Int32("max_conns", pool.Config().MaxConns))

		pl := ledger.NewPostgresLedger(pool, logger)
		if cfg.Ledger.LockKey != 0 {
			pl.SetLockKey(cfg.Ledger.LockKey)
		}
		if onAppend != nil {
			pl.SetMetricsRecorder(onAppend)
		}
		return &Ledger{Ledger: pl, Pool: pool, Postgres: pl}, nil
	}
	return nil, fmt.Errorf("unknown ledger backend %q", cfg.Ledger.Backend)
}

// NewArchiveStore builds the configured archive store. It returns nil when
// archiving is disabled.
func NewArchiveStore(ctx context.Context, cfg *config.Config) (archive.Store, error) {
	switch cfg.Archive.Backend {
	case config.ArchiveNone, "":
		return nil, nil
	case config.ArchiveLocal:
		return local.New(cfg.Archive.LocalDir)
	case config.ArchiveS3:
		c := cfg.Archive.S3
		return s3.New(ctx, s3.Config{
			Bucket:          c.Bucket,
			Region:          c.Region,
			Endpoint:        c.Endpoint,
			AccessKeyID:     c.AccessKeyID,
			SecretAccessKey: c.SecretAccessKey,
			ObjectLockDays:  c.ObjectLockDays,
		})
	}
	return nil, fmt.Errorf("unknown archive backend %q", cfg.Archive.Backend)
}

// ArchivePrefix returns the key prefix for the configured archive backend.
func ArchivePrefix(cfg *config.Config) string {
	if cfg.Archive.Backend == config.ArchiveS3 {
		return cfg.Archive.S3.Prefix
	}
	return ""
}
