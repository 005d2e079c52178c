package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"pricing-pipeline/internal/config"
	"pricing-pipeline/internal/store"
	"pricing-pipeline/internal/telemetry"
)

// Maintenance runs the periodic sweeps every worker hosts: reclaiming jobs
// whose lease expired and clearing breaker pauses whose cooldown elapsed.
// The sweeps are idempotent, so running one per worker is safe.
type Maintenance struct {
	cfg    config.Config
	store  *store.Store
	logger *slog.Logger
	cron   *cron.Cron
}

func NewMaintenance(cfg config.Config, st *store.Store, logger *slog.Logger) *Maintenance {
	return &Maintenance{cfg: cfg, store: st, logger: logger}
}

// Start schedules the sweeps and returns. Stop cancels them.
func (m *Maintenance) Start() error {
	c := cron.New()
	if _, err := c.AddFunc(m.cfg.ReclaimSchedule, m.reclaim); err != nil {
		return err
	}
	if _, err := c.AddFunc(m.cfg.ReclaimSchedule, m.clearPauses); err != nil {
		return err
	}
	c.Start()
	m.cron = c
	m.logger.Info("maintenance sweeps scheduled", "schedule", m.cfg.ReclaimSchedule)
	return nil
}

func (m *Maintenance) Stop() {
	if m.cron != nil {
		<-m.cron.Stop().Done()
	}
}

func (m *Maintenance) reclaim() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	ids, err := m.store.ReclaimStuckJobs(ctx, m.cfg.LockTimeout)
	if err != nil {
		m.logger.Error("reclaim sweep failed", "error", err)
		return
	}
	if len(ids) == 0 {
		return
	}
	telemetry.JobsReclaimed.Add(float64(len(ids)))
	m.logger.Warn("reclaimed expired job leases", "count", len(ids), "job_ids", ids)
	for _, id := range ids {
		_ = m.store.LogJobEvent(ctx, id, "warning", "lease expired, job reclaimed", nil)
	}
}

func (m *Maintenance) clearPauses() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	n, err := m.store.ClearExpiredPauses(ctx)
	if err != nil {
		m.logger.Error("pause cleanup failed", "error", err)
		return
	}
	if n > 0 {
		m.logger.Info("cleared expired source pauses", "count", n)
	}
}
