package monitoring

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/headcount-cli/internal/config"
)

// Checker periodically collects batch health and raises alerts.
type Checker struct {
	collector *Collector
	alerter   *Alerter
	cfg       config.MonitoringConfig
}

// NewChecker wires a collector and alerter to the monitoring settings.
func NewChecker(collector *Collector, alerter *Alerter, cfg config.MonitoringConfig) *Checker {
	return &Checker{collector: collector, alerter: alerter, cfg: cfg}
}

// Run checks batch health every CheckIntervalSecs (five minutes when
// unset) until ctx is cancelled.
func (c *Checker) Run(ctx context.Context) {
	every := 5 * time.Minute
	if c.cfg.CheckIntervalSecs > 0 {
		every = time.Duration(c.cfg.CheckIntervalSecs) * time.Second
	}

	log := zap.L().With(zap.String("component", "monitoring.checker"))
	log.Info("watching batch health",
		zap.Duration("every", every),
		zap.Int("lookback_hours", c.cfg.LookbackWindowHours),
		zap.Int("stall_minutes", c.cfg.StallMinutes),
	)

	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Info("batch health checks stopped")
			return
		case <-ticker.C:
			c.Check(ctx, log)
		}
	}
}

// Check takes one snapshot, logs each alert it triggers with the batches or
// backends behind it, and forwards the alerts to the webhook. It returns the
// alerts raised.
func (c *Checker) Check(ctx context.Context, log *zap.Logger) []Alert {
	snap, err := c.collector.Collect(ctx, c.cfg.LookbackWindowHours)
	if err != nil {
		log.Error("monitoring: collect batch metrics", zap.Error(err))
		return nil
	}
	log.Debug("monitoring: batch snapshot",
		zap.Int("batches", snap.BatchesTotal),
		zap.Int("processing", snap.BatchesProcessing),
		zap.Int("failed", snap.BatchesFailed),
		zap.Int("entities", snap.EntitiesProcessed),
	)

	alerts := c.alerter.Evaluate(snap)
	for _, a := range alerts {
		fields := []zap.Field{zap.String("alert", string(a.Type)), zap.String("severity", a.Severity)}
		switch a.Type {
		case AlertStalledBatch:
			fields = append(fields, zap.Strings("batch_ids", snap.Stalled))
		case AlertCircuitOpen:
			fields = append(fields, zap.Strings("backends", snap.OpenCircuits))
		case AlertBatchFailureRate:
			fields = append(fields,
				zap.Float64("fail_rate", snap.BatchFailRate),
				zap.Int("failed", snap.BatchesFailed),
			)
		}
		log.Warn("monitoring: "+a.Message, fields...)
	}
	if len(alerts) == 0 {
		return nil
	}

	if sent := c.alerter.SendAlerts(ctx, alerts); sent < len(alerts) && c.cfg.WebhookURL != "" {
		log.Warn("monitoring: some alerts were not delivered",
			zap.Int("raised", len(alerts)), zap.Int("delivered", sent))
	}
	return alerts
}
