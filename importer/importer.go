/*
Package importer pulls participants and ledger rows from an external
workspace into the points engine, and moves ledger data in and out as CSV.

PURPOSE:
  The workspace is where organizers keep their roster and attendance log.
  A sync maps its records through a FieldMapping and applies them with
  the engine's idempotent operations, so running the same sync twice
  changes nothing the second time.

SYNC FLOW:
  1. Record a SyncRun (running)
  2. participants / full: fetch, map, Directory.Upsert by email
  3. ledger / full: fetch, map, resolve participant by email,
     Ledger.AppendIfAbsent keyed on participant+delta+reason+day
  4. Close the SyncRun (success or error) with the number of records applied

  A record that fails mapping or a business rule is reported and skipped.
  A fetch or storage failure aborts the run.

SEE ALSO:
  - mapping.go: Field mapping rules
  - source.go: HTTP client for the workspace export
  - csv.go: Operator CSV import/export
  - api/scheduler.go: Runs syncs on a cron schedule
*/
package importer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/warp/points-engine/logger"
	"github.com/warp/points-engine/points"
)

// ErrSyncInProgress is returned when Run is called while another run holds
// the importer.
var ErrSyncInProgress = errors.New("sync already in progress")

// defaultImportReason labels imported rows that carry no reason.
const defaultImportReason = "Workspace import"

// Report summarizes one sync run.
type Report struct {
	RunID   string
	Kind    points.SyncKind
	Fetched int      // records received from the source
	Synced  int      // records applied
	Skipped int      // ledger rows already present
	Errors  []string // per-record failures
}

// Importer applies external records to the engine.
type Importer struct {
	svc     *points.Service
	source  Source
	mapping *FieldMapping
	runs    points.SyncRunStore
	now     func() time.Time
	newID   func() string
	log     *slog.Logger

	mu sync.Mutex
}

// Option configures an Importer.
type Option func(*Importer)

// WithMapping replaces DefaultMappings.
func WithMapping(m *FieldMapping) Option {
	return func(im *Importer) { im.mapping = m }
}

// WithClock sets the time source for sync run timestamps.
func WithClock(now func() time.Time) Option {
	return func(im *Importer) { im.now = now }
}

// New creates an importer reading from source and logging runs to runs.
func New(svc *points.Service, source Source, runs points.SyncRunStore, opts ...Option) *Importer {
	im := &Importer{
		svc:     svc,
		source:  source,
		mapping: DefaultMappings(),
		runs:    runs,
		now:     func() time.Time { return time.Now().UTC() },
		newID:   uuid.NewString,
		log:     logger.WithService("importer"),
	}
	for _, opt := range opts {
		opt(im)
	}
	return im
}

// Runs returns the most recent sync runs; limit <= 0 means all.
func (im *Importer) Runs(ctx context.Context, limit int) ([]points.SyncRun, error) {
	return im.runs.ListSyncRuns(ctx, limit)
}

// Run performs one sync of the given kind. The returned report is non-nil
// whenever the run was recorded, including when it failed.
func (im *Importer) Run(ctx context.Context, kind points.SyncKind) (*Report, error) {
	if !kind.Valid() {
		return nil, fmt.Errorf("%w: unknown sync kind %q", points.ErrInvalidInput, kind)
	}
	if !im.mu.TryLock() {
		return nil, ErrSyncInProgress
	}
	defer im.mu.Unlock()

	run := points.SyncRun{
		ID:        im.newID(),
		Kind:      kind,
		Status:    points.SyncRunning,
		StartedAt: im.now(),
	}
	if err := im.runs.SaveSyncRun(ctx, run); err != nil {
		return nil, fmt.Errorf("failed to record sync run: %w", err)
	}

	report := &Report{RunID: run.ID, Kind: kind}
	syncErr := im.sync(ctx, kind, report)

	completed := im.now()
	run.CompletedAt = &completed
	run.RecordsSynced = report.Synced
	run.Status = points.SyncSuccess
	if syncErr != nil {
		run.Status = points.SyncError
		run.Error = syncErr.Error()
	}
	// The run row is closed even if the sync was cancelled.
	if err := im.runs.SaveSyncRun(context.WithoutCancel(ctx), run); err != nil {
		im.log.Error("failed to close sync run", "run_id", run.ID, "error", err)
	}

	if syncErr != nil {
		im.log.Error("sync failed", "run_id", run.ID, "kind", kind, "synced", report.Synced, "error", syncErr)
		return report, syncErr
	}
	im.log.Info("sync completed",
		"run_id", run.ID,
		"kind", kind,
		"fetched", report.Fetched,
		"synced", report.Synced,
		"skipped", report.Skipped,
		"errors", len(report.Errors),
	)
	return report, nil
}

func (im *Importer) sync(ctx context.Context, kind points.SyncKind, report *Report) error {
	if kind == points.SyncParticipants || kind == points.SyncFull {
		records, err := im.source.FetchParticipants(ctx)
		if err != nil {
			return fmt.Errorf("fetch participants: %w", err)
		}
		report.Fetched += len(records)
		for _, rec := range records {
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := im.applyParticipant(ctx, rec); err != nil {
				if !recordLevel(err) {
					return fmt.Errorf("participant %s: %w", rec.ID, err)
				}
				im.recordError(report, rec, err)
				continue
			}
			report.Synced++
		}
	}

	if kind == points.SyncLedger || kind == points.SyncFull {
		records, err := im.source.FetchLedger(ctx)
		if err != nil {
			return fmt.Errorf("fetch ledger: %w", err)
		}
		report.Fetched += len(records)
		for _, rec := range records {
			if err := ctx.Err(); err != nil {
				return err
			}
			written, err := im.applyLedgerEntry(ctx, rec)
			if err != nil {
				if !recordLevel(err) {
					return fmt.Errorf("ledger row %s: %w", rec.ID, err)
				}
				im.recordError(report, rec, err)
				continue
			}
			if written {
				report.Synced++
			} else {
				report.Skipped++
			}
		}
	}
	return nil
}

func (im *Importer) recordError(report *Report, rec Record, err error) {
	im.log.Warn("record skipped", "record_id", rec.ID, "error", err)
	report.Errors = append(report.Errors, err.Error())
}

// recordLevel reports whether err concerns one record rather than the run.
func recordLevel(err error) bool {
	var mapErr *MappingError
	return errors.As(err, &mapErr) || points.IsClientError(err) || points.IsNotFound(err)
}

func (im *Importer) applyParticipant(ctx context.Context, rec Record) error {
	fields, err := im.mapping.Participants.Apply(rec)
	if err != nil {
		return err
	}

	status := points.ParticipantStatus(strings.ToLower(fields[FieldStatus]))
	if !status.Valid() {
		return &MappingError{RecordID: rec.ID, Field: FieldStatus, Reason: fmt.Sprintf("unknown status %q", fields[FieldStatus])}
	}
	role := points.Role(strings.ToLower(fields[FieldRole]))
	if !role.Valid() {
		return &MappingError{RecordID: rec.ID, Field: FieldRole, Reason: fmt.Sprintf("unknown role %q", fields[FieldRole])}
	}

	_, _, err = im.svc.Participants.Upsert(ctx, points.ParticipantRecord{
		Name:       fields[FieldName],
		Email:      fields[FieldEmail],
		Status:     status,
		Role:       role,
		ExternalID: rec.ID,
	})
	return err
}

func (im *Importer) applyLedgerEntry(ctx context.Context, rec Record) (bool, error) {
	fields, err := im.mapping.Ledger.Apply(rec)
	if err != nil {
		return false, err
	}

	delta, err := ParseDelta(fields[FieldDelta])
	if err != nil {
		return false, &MappingError{RecordID: rec.ID, Field: FieldDelta, Reason: err.Error()}
	}
	source := points.Source(strings.ToLower(fields[FieldSource]))
	if !importableSource(source) {
		return false, &MappingError{RecordID: rec.ID, Field: FieldSource, Reason: fmt.Sprintf("source %q cannot be imported", fields[FieldSource])}
	}
	date, err := parseDate(fields[FieldDate])
	if err != nil {
		return false, &MappingError{RecordID: rec.ID, Field: FieldDate, Reason: err.Error()}
	}
	reason := fields[FieldReason]
	if reason == "" {
		reason = defaultImportReason
	}

	participant, err := im.svc.Participants.GetByEmail(ctx, fields[FieldEmail])
	if err != nil {
		return false, fmt.Errorf("%s: %w", fields[FieldEmail], err)
	}

	_, written, err := im.svc.Ledger.AppendIfAbsent(ctx, points.ImportedEntry{
		ParticipantID: participant.ID,
		Delta:         delta,
		Reason:        reason,
		Source:        source,
		Date:          date,
	})
	return written, err
}

// importableSource excludes redeem and refund, which only the redemption
// workflow writes.
func importableSource(s points.Source) bool {
	for _, allowed := range points.AdjustmentSources {
		if s == allowed {
			return true
		}
	}
	return false
}

// ParseDelta parses a whole, non-zero number of points no larger than
// points.MaxPoints in magnitude. Values such as "50", "-20" and "50.0" are
// accepted; "12.5" is not.
func ParseDelta(s string) (points.Points, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("invalid number %q", s)
	}
	if !d.IsInteger() {
		return 0, fmt.Errorf("%q is not a whole number of points", s)
	}
	if d.IsZero() {
		return 0, errors.New("delta must not be zero")
	}
	limit := decimal.NewFromInt(int64(points.MaxPoints))
	if d.Abs().GreaterThan(limit) {
		return 0, fmt.Errorf("%q is out of range (at most %s points)", s, limit)
	}
	return points.Points(d.IntPart()), nil
}

var dateLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02",
}

// parseDate accepts RFC 3339 timestamps and plain dates. Empty means unknown.
func parseDate(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized date %q", s)
}
