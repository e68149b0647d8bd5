// Package integrity replays the audit ledger on a schedule and reacts when
// the chain stops validating.
package integrity

import (
	"context"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/jmerrifield20/auditledger/internal/alert"
	"github.com/jmerrifield20/auditledger/internal/ledger"
)

// ServiceName is the gRPC health service reflecting chain integrity.
const ServiceName = "auditledger.Ledger"

// Inspector replays the chain. Every ledger.Ledger satisfies it.
type Inspector interface {
	Inspect(ctx context.Context) (*ledger.Report, error)
}

// StatusSetter receives serving status updates; *health.Server satisfies it.
type StatusSetter interface {
	SetServingStatus(service string, status healthpb.HealthCheckResponse_ServingStatus)
}

// Alerter dispatches integrity alerts; *alert.Notifier satisfies it.
type Alerter interface {
	Notify(ctx context.Context, eventType string, payload map[string]string) error
}

// MetricsRecordFunc is an optional callback for recording check results.
// err is set when the check itself failed, in which case valid and entries
// carry no information.
type MetricsRecordFunc func(valid bool, entries int, err error)

// Checker runs chain replays and tracks the last verdict.
type Checker struct {
	ledger    Inspector
	health    StatusSetter
	alerter   Alerter
	onMetrics MetricsRecordFunc
	logger    *zap.Logger

	mu        sync.Mutex
	last      *ledger.Report
	lastCheck time.Time
}

// New creates a Checker.
func New(l Inspector, logger *zap.Logger) *Checker {
	return &Checker{ledger: l, logger: logger}
}

// SetHealthServer configures the gRPC health status sink.
func (c *Checker) SetHealthServer(s StatusSetter) {
	c.health = s
}

// SetAlerter configures the alert sink.
func (c *Checker) SetAlerter(a Alerter) {
	c.alerter = a
}

// SetMetricsRecord configures the metrics recording callback.
func (c *Checker) SetMetricsRecord(fn MetricsRecordFunc) {
	c.onMetrics = fn
}

// Last returns the most recent report and when it was produced. The report
// is nil before the first successful check.
func (c *Checker) Last() (*ledger.Report, time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.last == nil {
		return nil, time.Time{}
	}
	r := *c.last
	return &r, c.lastCheck
}

// Check replays the chain once. A storage failure is logged and returned
// but does not change the last verdict or the health status.
func (c *Checker) Check(ctx context.Context) (*ledger.Report, error) {
	report, err := c.ledger.Inspect(ctx)
	if c.onMetrics != nil {
		if err != nil {
			c.onMetrics(false, 0, err)
		} else {
			c.onMetrics(report.Valid, report.Checked, nil)
		}
	}
	if err != nil {
		c.logger.Error("integrity: inspect ledger", zap.Error(err))
		return nil, err
	}

	c.mu.Lock()
	prev := c.last
	r := *report
	c.last = &r
	c.lastCheck = time.Now().UTC()
	c.mu.Unlock()

	if c.health != nil {
		status := healthpb.HealthCheckResponse_SERVING
		if !report.Valid {
			status = healthpb.HealthCheckResponse_NOT_SERVING
		}
		c.health.SetServingStatus(ServiceName, status)
	}

	wasValid := prev == nil || prev.Valid
	switch {
	case !report.Valid:
		fields := []zap.Field{
			zap.Int("position", report.Position),
			zap.String("reason", report.Reason),
			zap.Int("checked", report.Checked),
		}
		if report.BrokenAt != nil {
			fields = append(fields, zap.String("broken_at", report.BrokenAt.String()))
		}
		c.logger.Error("integrity: audit ledger chain is BROKEN", fields...)
		if wasValid {
			c.notify(ctx, alert.EventChainInvalid, report)
		}
	case !wasValid:
		c.logger.Info("integrity: audit ledger chain validates again", zap.Int("entries", report.Checked))
		c.notify(ctx, alert.EventChainRecovered, report)
	default:
		c.logger.Info("integrity: audit ledger verified",
			zap.Int("entries", report.Checked),
			zap.String("tip", report.Tip),
		)
	}
	return report, nil
}

func (c *Checker) notify(ctx context.Context, eventType string, r *ledger.Report) {
	if c.alerter == nil {
		return
	}
	payload := map[string]string{
		"valid":   strconv.FormatBool(r.Valid),
		"checked": strconv.Itoa(r.Checked),
	}
	if !r.Valid {
		payload["position"] = strconv.Itoa(r.Position)
		payload["reason"] = r.Reason
		if r.BrokenAt != nil {
			payload["broken_at"] = r.BrokenAt.String()
		}
	} else {
		payload["tip"] = r.Tip
	}
	if err := c.alerter.Notify(ctx, eventType, payload); err != nil {
		c.logger.Error("integrity: alert not delivered", zap.String("type", eventType), zap.Error(err))
	}
}
