package roster

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gilestrolab/ethoscope-node/pkg/models"
	"github.com/google/uuid"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("roster: not found")

// blacklistedNames are device names that must never reach the registry.
// ETHOSCOPE_000 is the factory-image placeholder every unflashed device
// boots with; persisting it would merge unrelated hardware.
var blacklistedNames = map[string]bool{
	"ETHOSCOPE_000": true,
}

// RosterStore provides access to the roster tables.
type RosterStore struct {
	db *sql.DB
}

// NewRosterStore creates a store using the shared database handle.
func NewRosterStore(db *sql.DB) *RosterStore {
	return &RosterStore{db: db}
}

// KnownDevices returns every persisted device record.
func (s *RosterStore) KnownDevices(ctx context.Context) ([]models.EthoscopeRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT ethoscope_id, name, last_ip, active, last_seen, comments
		FROM ethoscopes ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list ethoscopes: %w", err)
	}
	defer rows.Close()

	var out []models.EthoscopeRecord
	for rows.Next() {
		var rec models.EthoscopeRecord
		var active int
		if err := rows.Scan(&rec.EthoscopeID, &rec.Name, &rec.LastIP, &active, &rec.LastSeen, &rec.Comments); err != nil {
			return nil, err
		}
		rec.Active = active != 0
		out = append(out, rec)
	}
	return out, rows.Err()
}

// GetEthoscope returns one device record.
func (s *RosterStore) GetEthoscope(ctx context.Context, id string) (models.EthoscopeRecord, error) {
	var rec models.EthoscopeRecord
	var active int
	err := s.db.QueryRowContext(ctx, `SELECT ethoscope_id, name, last_ip, active, last_seen, comments
		FROM ethoscopes WHERE ethoscope_id = ?`, id).
		Scan(&rec.EthoscopeID, &rec.Name, &rec.LastIP, &active, &rec.LastSeen, &rec.Comments)
	if errors.Is(err, sql.ErrNoRows) {
		return rec, ErrNotFound
	}
	if err != nil {
		return rec, err
	}
	rec.Active = active != 0
	return rec, nil
}

// UpdateEthoscope upserts a device record, refusing blacklisted names.
func (s *RosterStore) UpdateEthoscope(ctx context.Context, rec models.EthoscopeRecord) error {
	if blacklistedNames[strings.ToUpper(rec.Name)] {
		return fmt.Errorf("roster: device name %q is reserved and cannot be registered", rec.Name)
	}
	if rec.EthoscopeID == "" {
		return errors.New("roster: ethoscope_id required")
	}
	if rec.LastSeen.IsZero() {
		rec.LastSeen = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO ethoscopes
		(ethoscope_id, name, last_ip, active, last_seen, comments)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(ethoscope_id) DO UPDATE SET
			name = excluded.name,
			last_ip = excluded.last_ip,
			active = excluded.active,
			last_seen = excluded.last_seen`,
		rec.EthoscopeID, rec.Name, rec.LastIP, boolToInt(rec.Active), rec.LastSeen, rec.Comments)
	if err != nil {
		return fmt.Errorf("upsert ethoscope %s: %w", rec.EthoscopeID, err)
	}
	return nil
}

// RenameEthoscope handles a device re-registered under a new id: the
// old row goes inactive with a breadcrumb comment and the new id gets
// an active row.
func (s *RosterStore) RenameEthoscope(ctx context.Context, oldID string, rec models.EthoscopeRecord) error {
	if blacklistedNames[strings.ToUpper(rec.Name)] {
		return fmt.Errorf("roster: device name %q is reserved and cannot be registered", rec.Name)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	var oldName string
	err = tx.QueryRowContext(ctx, `SELECT name FROM ethoscopes WHERE ethoscope_id = ?`, oldID).Scan(&oldName)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		// Nothing to retire.
	case err != nil:
		return err
	default:
		comment := fmt.Sprintf("Renamed from %s", oldID)
		if oldName != "" {
			comment = fmt.Sprintf("Renamed from %s (%s)", oldID, oldName)
		}
		if _, err := tx.ExecContext(ctx, `UPDATE ethoscopes
			SET active = 0, comments = ? WHERE ethoscope_id = ?`,
			comment, oldID); err != nil {
			return err
		}
	}

	if rec.LastSeen.IsZero() {
		rec.LastSeen = time.Now().UTC()
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO ethoscopes
		(ethoscope_id, name, last_ip, active, last_seen, comments)
		VALUES (?, ?, ?, 1, ?, ?)
		ON CONFLICT(ethoscope_id) DO UPDATE SET
			name = excluded.name,
			last_ip = excluded.last_ip,
			active = 1,
			last_seen = excluded.last_seen`,
		rec.EthoscopeID, rec.Name, rec.LastIP, rec.LastSeen, rec.Comments); err != nil {
		return err
	}
	return tx.Commit()
}

// AddRun records the start of an acquisition run, together with its
// experiments row.
func (s *RosterStore) AddRun(ctx context.Context, run models.Run) error {
	if run.RunID == "" {
		return errors.New("roster: run_id required")
	}
	if run.StartedAt.IsZero() {
		run.StartedAt = time.Now().UTC()
	}
	if run.Status == "" {
		run.Status = models.RunRunning
	}
	if run.ExperimentType == "" {
		run.ExperimentType = "tracking"
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	if _, err := tx.ExecContext(ctx, `INSERT INTO runs
		(run_id, experiment_type, ethoscope_id, ethoscope_name, user_id, username,
		 location, started_at, status, experimental_data, comments, problems)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, '')`,
		run.RunID, run.ExperimentType, run.EthoscopeID, run.EthoscopeName,
		run.UserID, run.UserName, run.Location, run.StartedAt, run.Status,
		run.ExperimentData, run.Comments); err != nil {
		return fmt.Errorf("insert run %s: %w", run.RunID, err)
	}

	if _, err := tx.ExecContext(ctx, `INSERT INTO experiments
		(experiment_id, run_id, ethoscope_id, user_id, timestamp)
		VALUES (?, ?, ?, ?, ?)`,
		uuid.NewString(), run.RunID, run.EthoscopeID, run.UserID, run.StartedAt); err != nil {
		return fmt.Errorf("insert experiment for run %s: %w", run.RunID, err)
	}
	return tx.Commit()
}

// StopRun marks a run stopped. Stopping an already stopped run is a
// no-op so transition replays stay idempotent.
func (s *RosterStore) StopRun(ctx context.Context, runID string, endedAt time.Time) error {
	if endedAt.IsZero() {
		endedAt = time.Now().UTC()
	}
	res, err := s.db.ExecContext(ctx, `UPDATE runs SET status = ?, ended_at = ?
		WHERE run_id = ? AND status = ?`,
		models.RunStopped, endedAt, runID, models.RunRunning)
	if err != nil {
		return fmt.Errorf("stop run %s: %w", runID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		var exists int
		if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM runs WHERE run_id = ?`, runID).Scan(&exists); err != nil {
			return err
		}
		if exists == 0 {
			return ErrNotFound
		}
	}
	return nil
}

// GetRun returns one run.
func (s *RosterStore) GetRun(ctx context.Context, runID string) (models.Run, error) {
	run, err := scanRun(s.db.QueryRowContext(ctx, selectRun+` WHERE run_id = ?`, runID))
	if errors.Is(err, sql.ErrNoRows) {
		return run, ErrNotFound
	}
	return run, err
}

// ActiveRun returns the running row for a device, when one exists.
func (s *RosterStore) ActiveRun(ctx context.Context, deviceID string) (models.Run, error) {
	run, err := scanRun(s.db.QueryRowContext(ctx,
		selectRun+` WHERE ethoscope_id = ? AND status = ? ORDER BY started_at LIMIT 1`,
		deviceID, models.RunRunning))
	if errors.Is(err, sql.ErrNoRows) {
		return run, ErrNotFound
	}
	return run, err
}

// ListRuns returns runs newest first, optionally filtered by device.
func (s *RosterStore) ListRuns(ctx context.Context, deviceID string, limit int) ([]models.Run, error) {
	if limit <= 0 {
		limit = 100
	}
	query := selectRun
	args := []any{}
	if deviceID != "" {
		query += ` WHERE ethoscope_id = ?`
		args = append(args, deviceID)
	}
	query += ` ORDER BY started_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var out []models.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, run)
	}
	return out, rows.Err()
}

// FlagProblem appends a problem note to a run. Existing notes are never
// overwritten.
func (s *RosterStore) FlagProblem(ctx context.Context, runID, problem string) error {
	stamp := time.Now().UTC().Format(time.RFC3339)
	res, err := s.db.ExecContext(ctx, `UPDATE runs
		SET problems = CASE WHEN problems = '' THEN ? ELSE problems || char(10) || ? END
		WHERE run_id = ?`,
		stamp+" "+problem, stamp+" "+problem, runID)
	if err != nil {
		return fmt.Errorf("flag problem on run %s: %w", runID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

const selectRun = `SELECT run_id, experiment_type, ethoscope_id, ethoscope_name,
	user_id, username, location, started_at, ended_at, status,
	experimental_data, comments, problems FROM runs`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (models.Run, error) {
	var run models.Run
	var endedAt sql.NullTime
	err := row.Scan(&run.RunID, &run.ExperimentType, &run.EthoscopeID, &run.EthoscopeName,
		&run.UserID, &run.UserName, &run.Location, &run.StartedAt, &endedAt,
		&run.Status, &run.ExperimentData, &run.Comments, &run.Problems)
	if err != nil {
		return run, err
	}
	if endedAt.Valid {
		run.EndedAt = endedAt.Time
	}
	return run, nil
}

// LogAlert records an alert delivery. A repeat of the same
// (device, alert_type, run) triple only bumps updated_at.
func (s *RosterStore) LogAlert(ctx context.Context, rec models.AlertRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `INSERT INTO alert_logs
		(id, device_id, alert_type, run_id, message, recipients, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(device_id, alert_type, run_id) DO UPDATE SET
			message = excluded.message,
			recipients = excluded.recipients,
			updated_at = excluded.updated_at`,
		rec.ID, rec.DeviceID, rec.AlertType, rec.RunID, rec.Message, rec.Recipients, now, now)
	if err != nil {
		return fmt.Errorf("log alert: %w", err)
	}
	return nil
}

// HasAlertBeenSent answers whether an alert for this
// (device, alert_type, run) triple was already delivered.
func (s *RosterStore) HasAlertBeenSent(ctx context.Context, deviceID, alertType, runID string) (bool, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM alert_logs
		WHERE device_id = ? AND alert_type = ? AND run_id = ?`,
		deviceID, alertType, runID).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("check alert: %w", err)
	}
	return count > 0, nil
}
