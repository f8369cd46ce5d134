package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/relaypoint/bulkmail/internal/store"
	"github.com/relaypoint/bulkmail/internal/sysconfig"
)

// MetricsStore is the store surface the collector needs.
type MetricsStore interface {
	QueueStatus(ctx context.Context) (*store.QueueStatus, error)
	ErrorRateSince(ctx context.Context, since time.Time) (float64, error)
	AvailableServiceCount(ctx context.Context) (int, error)
	StuckTasks(ctx context.Context, threshold time.Duration) ([]uuid.UUID, error)
	RecordMetric(ctx context.Context, taskID *uuid.UUID, metric string, value float64) error
	RecordAlert(ctx context.Context, kind, message string, details map[string]interface{}) error
}

// Collector samples scheduler health into scheduler_metrics and raises
// alerts when thresholds are crossed: tasks making no progress, error rate
// above the configured percentage, no services available to send.
type Collector struct {
	store    MetricsStore
	settings Settings
	alerter  Alerter
	interval time.Duration

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewCollector creates a metrics collector.
func NewCollector(st MetricsStore, settings Settings, alerter Alerter, interval time.Duration) *Collector {
	if alerter == nil {
		alerter = NopAlerter{}
	}
	return &Collector{store: st, settings: settings, alerter: alerter, interval: interval}
}

// Start launches the collection loop.
func (c *Collector) Start(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return
	}
	c.running = true

	ctx, c.cancel = context.WithCancel(ctx)
	c.wg.Add(1)
	go c.loop(ctx)
	log.Printf("[Metrics] started (interval %s)", c.interval)
}

// Stop halts the loop.
func (c *Collector) Stop() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	c.running = false
	c.cancel()
	c.mu.Unlock()

	c.wg.Wait()
	log.Printf("[Metrics] stopped")
}

func (c *Collector) loop(ctx context.Context) {
	defer c.wg.Done()

	for {
		wait := resolveInterval(ctx, c.settings, sysconfig.KeyMetricsIntervalSeconds, c.interval)
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			if err := c.Collect(ctx); err != nil && !errors.Is(err, context.Canceled) {
				log.Printf("[Metrics] collection error: %v", err)
			}
		}
	}
}

// Collect samples one round of metrics and checks alert conditions.
func (c *Collector) Collect(ctx context.Context) error {
	qs, err := c.store.QueueStatus(ctx)
	if err != nil {
		return err
	}
	c.record(ctx, "pending_total", float64(qs.PendingTotal))
	c.record(ctx, "oldest_pending_age_seconds", qs.OldestPendingAge)
	for _, d := range qs.PerService {
		c.record(ctx, "service_queue_depth:"+d.Name, float64(d.Depth))
	}

	errRate, err := c.store.ErrorRateSince(ctx, time.Now().Add(-15*time.Minute))
	if err != nil {
		return err
	}
	c.record(ctx, "error_rate", errRate)

	available, err := c.store.AvailableServiceCount(ctx)
	if err != nil {
		return err
	}
	c.record(ctx, "available_services", float64(available))

	threshold, err := c.settings.Get(ctx, sysconfig.KeyStuckTaskThresholdSeconds)
	if err != nil {
		threshold = sysconfig.Default(sysconfig.KeyStuckTaskThresholdSeconds)
		log.Printf("[Metrics] stuck_task_threshold read failed, using %ds: %v", threshold, err)
	}
	stuck, err := c.store.StuckTasks(ctx, time.Duration(threshold)*time.Second)
	if err != nil {
		return err
	}

	c.checkAlerts(ctx, qs, errRate, available, stuck)
	return nil
}

func (c *Collector) record(ctx context.Context, metric string, value float64) {
	if err := c.store.RecordMetric(ctx, nil, metric, value); err != nil {
		log.Printf("[Metrics] record %s failed: %v", metric, err)
	}
}

func (c *Collector) checkAlerts(ctx context.Context, qs *store.QueueStatus, errRate float64, available int, stuck []uuid.UUID) {
	if len(stuck) > 0 {
		msg := fmt.Sprintf("%d task(s) have pending work but no progress: %v", len(stuck), stuck)
		c.raise(ctx, "stuck_tasks", msg, map[string]interface{}{"task_ids": stuck})
	}

	alertPct, err := c.settings.Get(ctx, sysconfig.KeyErrorRateAlertPercent)
	if err != nil {
		alertPct = sysconfig.Default(sysconfig.KeyErrorRateAlertPercent)
		log.Printf("[Metrics] error_rate_alert_percent read failed, using %d: %v", alertPct, err)
	}
	if errRate*100 >= float64(alertPct) {
		msg := fmt.Sprintf("error rate %.1f%% over the last 15m (threshold %d%%)", errRate*100, alertPct)
		c.raise(ctx, "high_error_rate", msg, map[string]interface{}{"error_rate": errRate})
	}

	if available == 0 && qs.PendingTotal > 0 {
		msg := fmt.Sprintf("no services available while %d subtasks are pending", qs.PendingTotal)
		c.raise(ctx, "no_available_services", msg, map[string]interface{}{"pending": qs.PendingTotal})
	}
}

func (c *Collector) raise(ctx context.Context, kind, message string, details map[string]interface{}) {
	log.Printf("[Metrics] ALERT %s: %s", kind, message)
	if err := c.store.RecordAlert(ctx, kind, message, details); err != nil {
		log.Printf("[Metrics] record alert failed: %v", err)
	}
	c.alerter.Alert(kind, message)
}
