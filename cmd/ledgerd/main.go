package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
	"google.golang.org/grpc/status"

	"github.com/jmerrifield20/auditledger/internal/alert"
	"github.com/jmerrifield20/auditledger/internal/api"
	"github.com/jmerrifield20/auditledger/internal/app"
	"github.com/jmerrifield20/auditledger/internal/archive"
	"github.com/jmerrifield20/auditledger/internal/auth"
	"github.com/jmerrifield20/auditledger/internal/config"
	"github.com/jmerrifield20/auditledger/internal/integrity"
	"github.com/jmerrifield20/auditledger/internal/schedule"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "ledgerd:", err)
		os.Exit(1)
	}

	logger, err := app.NewLogger(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, "ledgerd: build logger:", err)
		os.Exit(1)
	}
	defer logger.Sync() //nolint:errcheck

	if err := run(cfg, logger); err != nil {
		logger.Fatal("ledgerd exited with error", zap.Error(err))
	}
}

func run(cfg *config.Config, logger *zap.Logger) error {
	// ── Configuration ─────────────────────────────────────────────────────────
	if cfg.File == "" {
		logger.Warn("no config file found, using defaults and env vars")
	} else {
		logger.Info("config loaded", zap.String("file", cfg.File))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Ledger ────────────────────────────────────────────────────────────────
	l, err := app.OpenLedger(ctx, cfg, logger, api.RecordAppend)
	if err != nil {
		return err
	}
	defer l.Close()

	// ── gRPC health ───────────────────────────────────────────────────────────
	healthSrv := health.NewServer()
	healthSrv.SetServingStatus(integrity.ServiceName, grpc_health_v1.HealthCheckResponse_NOT_SERVING)

	notifier := alert.NewNotifier(cfg.Integrity.AlertWebhookURL, cfg.Integrity.AlertSecret, logger)
	notifier.SetMetricsRecorder(api.RecordAlertDelivery)

	checker := integrity.New(l, logger)
	checker.SetHealthServer(healthSrv)
	checker.SetAlerter(notifier)
	checker.SetMetricsRecord(api.RecordChainStatus)

	// A broken chain is reported, not fatal: the service keeps accepting
	// appends and reports NOT_SERVING until the damage is repaired.
	if r, err := checker.Check(ctx); err != nil {
		logger.Warn("startup integrity check failed", zap.Error(err))
	} else {
		logger.Info("ledger chain checked", zap.Bool("valid", r.Valid), zap.Int("entries", r.Checked))
	}

	// ── Auth ──────────────────────────────────────────────────────────────────
	tokens := auth.NewIssuer(cfg.Auth.JWTSecret, cfg.Auth.Issuer, cfg.Auth.TokenTTL)
	if !tokens.Enabled() {
		logger.Warn("auth.jwt_secret is empty, ledger routes are unauthenticated; do not use in production")
	}

	// ── Scheduled jobs ────────────────────────────────────────────────────────
	sched := schedule.New(logger)
	if cfg.Integrity.Schedule != "" {
		if err := sched.Add("integrity", cfg.Integrity.Schedule, 10*time.Minute, func(ctx context.Context) {
			if _, err := checker.Check(ctx); err != nil {
				logger.Warn("scheduled integrity check failed", zap.Error(err))
			}
		}); err != nil {
			return err
		}
	}

	store, err := app.NewArchiveStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("archive store: %w", err)
	}
	if store != nil {
		archiver := archive.New(l, store, app.ArchivePrefix(cfg), logger)
		archiver.SetMetricsRecorder(api.RecordArchiveSnapshot)
		if err := sched.Add("archive", cfg.Archive.Schedule, 30*time.Minute, func(ctx context.Context) {
			if _, err := archiver.SnapshotPrevious(ctx); err != nil {
				logger.Error("daily archive snapshot failed", zap.Error(err))
			}
		}); err != nil {
			return err
		}
		logger.Info("archive enabled", zap.String("backend", cfg.Archive.Backend))
	}
	sched.Start()

	// ── HTTP server ───────────────────────────────────────────────────────────
	if os.Getenv("GIN_MODE") == "" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := api.NewRouter(ctx, l, tokens, api.RouterConfig{
		CORSOrigins:  cfg.Server.CORSOrigins,
		RateLimitRPS: cfg.Server.RateLimitRPS,
	}, logger)

	httpSrv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 2)
	go func() {
		logger.Info("ledgerd HTTP listening", zap.Int("port", cfg.Server.Port))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http listen: %w", err)
		}
	}()

	// ── gRPC server ───────────────────────────────────────────────────────────
	var grpcSrv *grpc.Server
	if cfg.Server.GRPCPort > 0 {
		lis, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.Server.GRPCPort))
		if err != nil {
			return fmt.Errorf("grpc listen :%d: %w", cfg.Server.GRPCPort, err)
		}
		grpcSrv = grpc.NewServer(grpc.ChainUnaryInterceptor(loggingInterceptor(logger)))
		grpc_health_v1.RegisterHealthServer(grpcSrv, healthSrv)
		reflection.Register(grpcSrv)

		go func() {
			logger.Info("ledgerd gRPC listening", zap.Int("port", cfg.Server.GRPCPort))
			if err := grpcSrv.Serve(lis); err != nil {
				errCh <- fmt.Errorf("grpc serve: %w", err)
			}
		}()
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-errCh:
	}
	logger.Info("shutting down ledgerd...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	sched.Stop(shutdownCtx)
	healthSrv.Shutdown()
	if grpcSrv != nil {
		grpcSrv.GracefulStop()
	}
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP shutdown error", zap.Error(err))
	}

	logger.Info("ledgerd stopped")
	return runErr
}

// loggingInterceptor logs each unary gRPC call.
func loggingInterceptor(logger *zap.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		logger.Info("grpc",
			zap.String("method", info.FullMethod),
			zap.String("code", status.Code(err).String()),
			zap.Duration("latency", time.Since(start)),
		)
		return resp, err
	}
}
