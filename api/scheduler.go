/*
scheduler.go - Automated workspace sync scheduler

PURPOSE:
  Runs the external workspace sync on a cron schedule so balances pulled
  from the organizers' attendance log show up without an operator
  pressing "sync".

DESIGN:
  - robfig/cron in UTC with a seconds field ("0 0 * * * *" = hourly)
  - One job, one sync kind (usually full)
  - Overlap with a manual sync is refused by the importer; the scheduled
    run logs it and waits for the next tick
  - Each run is recorded as a SyncRun by the importer for audit and UI

CONFIGURATION:
  sync.enabled, sync.schedule, sync.kind (see config package)

USAGE:
  scheduler, err := NewSyncScheduler(imp, cfg.Sync.Schedule, points.SyncFull)
  scheduler.Start()
  // ... later
  scheduler.Stop()

SEE ALSO:
  - handlers.go: TriggerSync endpoint (manual sync)
  - importer/importer.go: The sync itself
*/
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/warp/points-engine/importer"
	"github.com/warp/points-engine/logger"
	"github.com/warp/points-engine/points"
)

// SyncScheduler triggers syncs on a cron schedule.
type SyncScheduler struct {
	cron    *cron.Cron
	runner  Syncer
	kind    points.SyncKind
	timeout time.Duration
	log     *slog.Logger
}

// NewSyncScheduler registers the sync job. spec uses six fields (seconds
// first) or a descriptor such as "@hourly".
func NewSyncScheduler(runner Syncer, spec string, kind points.SyncKind) (*SyncScheduler, error) {
	if !kind.Valid() {
		return nil, fmt.Errorf("unknown sync kind %q", kind)
	}

	s := &SyncScheduler{
		cron: cron.New(
			cron.WithLocation(time.UTC),
			cron.WithSeconds(),
			cron.WithChain(cron.Recover(cron.DefaultLogger)),
		),
		runner:  runner,
		kind:    kind,
		timeout: 10 * time.Minute,
		log:     logger.WithService("sync-scheduler"),
	}

	if _, err := s.cron.AddFunc(spec, s.RunOnce); err != nil {
		return nil, fmt.Errorf("invalid sync schedule %q: %w", spec, err)
	}
	return s, nil
}

// Start begins the cron scheduler.
func (s *SyncScheduler) Start() {
	s.cron.Start()
	s.log.Info("sync scheduler started", "kind", s.kind, "next", s.Next())
}

// Stop stops scheduling and waits for a running sync to finish.
func (s *SyncScheduler) Stop() {
	<-s.cron.Stop().Done()
	s.log.Info("sync scheduler stopped")
}

// Next returns the next scheduled run, or zero if the scheduler is stopped.
func (s *SyncScheduler) Next() time.Time {
	entries := s.cron.Entries()
	if len(entries) == 0 {
		return time.Time{}
	}
	return entries[0].Next
}

// RunOnce performs one scheduled sync. Called by cron.
func (s *SyncScheduler) RunOnce() {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	report, err := s.runner.Run(ctx, s.kind)
	switch {
	case errors.Is(err, importer.ErrSyncInProgress):
		s.log.Warn("scheduled sync skipped, another sync is running", "kind", s.kind)
	case err != nil:
		s.log.Error("scheduled sync failed", "kind", s.kind, "error", err)
	default:
		s.log.Info("scheduled sync finished",
			"run_id", report.RunID,
			"synced", report.Synced,
			"skipped", report.Skipped,
			"errors", len(report.Errors),
		)
	}
}
