package scanner

import (
	"context"
	"fmt"
	"time"
)

// SweepResult is the outcome of one application within a sweep.
type SweepResult struct {
	ApplicationID string
	ScanID        string
	Err           error
}

type SweepReport struct {
	StartedAt time.Time
	Duration  time.Duration
	Results   []SweepResult
}

// Failed returns the results whose scan did not complete.
func (r *SweepReport) Failed() []SweepResult {
	var failed []SweepResult
	for _, res := range r.Results {
		if res.Err != nil {
			failed = append(failed, res)
		}
	}
	return failed
}

// Sweep scans every application one after another. A failed application is
// recorded and the sweep moves on; only a done context stops it early.
func (s *AppScanner) Sweep(ctx context.Context) (*SweepReport, error) {
	report := &SweepReport{StartedAt: s.now().UTC()}
	start := time.Now()
	log := s.logger.WithFields("operation", "sweep")

	apps, err := s.store.ListApplications(ctx)
	if err != nil {
		return report, fmt.Errorf("failed to list applications: %w", err)
	}

	for _, app := range apps {
		if err := ctx.Err(); err != nil {
			report.Duration = time.Since(start)
			return report, err
		}

		scanID, err := s.ScanApplication(ctx, app.ID)
		report.Results = append(report.Results, SweepResult{ApplicationID: app.ID, ScanID: scanID, Err: err})
		if err != nil {
			log.Errorw("Application scan failed", "application_id", app.ID, "scan_id", scanID, "error", err)
			continue
		}
		log.Infow("Application scanned", "application_id", app.ID, "scan_id", scanID)
	}

	report.Duration = time.Since(start)
	log.LogDuration(ctx, "scanner.Sweep", start,
		"applications", len(apps),
		"failed", len(report.Failed()),
	)
	return report, nil
}

// RunPeriodically sweeps immediately and then once per interval until ctx is
// done.
func (s *AppScanner) RunPeriodically(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		return fmt.Errorf("sweep interval must be positive, got %s", interval)
	}

	s.logger.Infow("Scheduler started", "interval", interval.String())
	s.sweepOnce(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Infow("Scheduler stopped")
			return nil
		case <-ticker.C:
			s.sweepOnce(ctx)
		}
	}
}

func (s *AppScanner) sweepOnce(ctx context.Context) {
	if _, err := s.Sweep(ctx); err != nil && ctx.Err() == nil {
		s.logger.Errorw("Sweep failed", "error", err)
	}
}
