package roster

import (
	"context"
	"fmt"
	"time"

	"github.com/gilestrolab/ethoscope-node/pkg/models"
	"go.uber.org/zap"
)

// CleanupConfig holds the periodic maintenance tunables.
type CleanupConfig struct {
	Interval      time.Duration // how often the sweeps run
	RetireAfter   time.Duration // devices unseen this long go inactive
	StuckAfter    time.Duration // running rows older than this with a silent device get stopped
	RetireEnabled bool
}

// DefaultCleanupConfig returns the maintenance defaults.
func DefaultCleanupConfig() CleanupConfig {
	return CleanupConfig{
		Interval:      time.Hour,
		RetireAfter:   90 * 24 * time.Hour,
		StuckAfter:    2 * time.Hour,
		RetireEnabled: true,
	}
}

// RetireStaleDevices marks devices unseen since the cutoff inactive.
// Returns how many rows changed.
func (s *RosterStore) RetireStaleDevices(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE ethoscopes SET active = 0
		WHERE active = 1 AND last_seen < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("retire stale devices: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// StopStuckRuns stops running rows started before the cutoff whose
// device has not been seen since the cutoff either. A live device
// reporting running keeps its row open no matter how old.
func (s *RosterStore) StopStuckRuns(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE runs SET status = ?, ended_at = ?
		WHERE status = ? AND started_at < ?
		AND ethoscope_id NOT IN (
			SELECT ethoscope_id FROM ethoscopes WHERE last_seen >= ?
		)`,
		models.RunStopped, time.Now().UTC(), models.RunRunning, cutoff, cutoff)
	if err != nil {
		return 0, fmt.Errorf("stop stuck runs: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// ReconcileDeviceRuns fixes the runs table against a device's actual
// state. A device that is not running gets all of its running rows
// stopped; a running device keeps only its oldest running row, closing
// newer duplicates left behind by missed stop transitions.
func (s *RosterStore) ReconcileDeviceRuns(ctx context.Context, deviceID string, deviceRunning bool) (int64, error) {
	now := time.Now().UTC()

	if !deviceRunning {
		res, err := s.db.ExecContext(ctx, `UPDATE runs SET status = ?, ended_at = ?
			WHERE ethoscope_id = ? AND status = ?`,
			models.RunStopped, now, deviceID, models.RunRunning)
		if err != nil {
			return 0, fmt.Errorf("stop orphaned runs for %s: %w", deviceID, err)
		}
		n, _ := res.RowsAffected()
		return n, nil
	}

	// The oldest row wins; it is the one the session actually belongs to.
	res, err := s.db.ExecContext(ctx, `UPDATE runs SET status = ?, ended_at = ?
		WHERE ethoscope_id = ? AND status = ?
		AND run_id != (
			SELECT run_id FROM runs WHERE ethoscope_id = ? AND status = ?
			ORDER BY started_at LIMIT 1
		)`,
		models.RunStopped, now, deviceID, models.RunRunning, deviceID, models.RunRunning)
	if err != nil {
		return 0, fmt.Errorf("dedupe runs for %s: %w", deviceID, err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// runCleanup is one maintenance sweep.
func (m *Module) runCleanup(ctx context.Context) {
	now := time.Now().UTC()

	if m.cleanupCfg.RetireEnabled {
		if n, err := m.store.RetireStaleDevices(ctx, now.Add(-m.cleanupCfg.RetireAfter)); err != nil {
			m.logger.Warn("retire sweep failed", zap.Error(err))
		} else if n > 0 {
			m.logger.Info("retired stale devices", zap.Int64("count", n))
		}
	}

	if n, err := m.store.StopStuckRuns(ctx, now.Add(-m.cleanupCfg.StuckAfter)); err != nil {
		m.logger.Warn("stuck run sweep failed", zap.Error(err))
	} else if n > 0 {
		m.logger.Info("stopped stuck runs", zap.Int64("count", n))
	}
}
