package roster

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/gilestrolab/ethoscope-node/internal/store"
	"github.com/gilestrolab/ethoscope-node/pkg/models"
)

const (
	devA = "0123456789abcdef0123456789abcdef"
	devB = "fedcba9876543210fedcba9876543210"
)

func newTestStore(t *testing.T) *RosterStore {
	t.Helper()
	db, err := store.New(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	if err := db.Migrate(context.Background(), "roster", migrations("")); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return NewRosterStore(db.DB())
}

func TestUpdateEthoscopeUpsert(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	rec := models.EthoscopeRecord{
		EthoscopeID: devA,
		Name:        "ETHOSCOPE_007",
		LastIP:      "192.0.2.10",
		Active:      true,
	}
	if err := s.UpdateEthoscope(ctx, rec); err != nil {
		t.Fatal(err)
	}

	rec.LastIP = "192.0.2.99"
	if err := s.UpdateEthoscope(ctx, rec); err != nil {
		t.Fatal(err)
	}

	devices, err := s.KnownDevices(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(devices) != 1 {
		t.Fatalf("devices = %d, want 1 (upsert, not insert)", len(devices))
	}
	if devices[0].LastIP != "192.0.2.99" {
		t.Fatalf("last_ip = %s", devices[0].LastIP)
	}
}

func TestUpdateEthoscopeRejectsBlacklistedName(t *testing.T) {
	s := newTestStore(t)
	err := s.UpdateEthoscope(context.Background(), models.EthoscopeRecord{
		EthoscopeID: devA,
		Name:        "ETHOSCOPE_000",
		Active:      true,
	})
	if err == nil {
		t.Fatal("factory placeholder name must be rejected")
	}
	if !strings.Contains(err.Error(), "reserved") {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestRenameEthoscope(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.UpdateEthoscope(ctx, models.EthoscopeRecord{
		EthoscopeID: devA, Name: "ETHOSCOPE_007", Active: true,
	}); err != nil {
		t.Fatal(err)
	}

	if err := s.RenameEthoscope(ctx, devA, models.EthoscopeRecord{
		EthoscopeID: devB, Name: "ETHOSCOPE_007", LastIP: "192.0.2.10",
	}); err != nil {
		t.Fatal(err)
	}

	old, err := s.GetEthoscope(ctx, devA)
	if err != nil {
		t.Fatal(err)
	}
	if old.Active {
		t.Fatal("old record must go inactive")
	}
	// The breadcrumb names the retired id, so the lineage survives even
	// if the human name is reused by the new row.
	if !strings.Contains(old.Comments, "Renamed from "+devA) {
		t.Fatalf("old comments = %q, want old id", old.Comments)
	}
	if !strings.Contains(old.Comments, "ETHOSCOPE_007") {
		t.Fatalf("old comments = %q, want old name kept", old.Comments)
	}

	renamed, err := s.GetEthoscope(ctx, devB)
	if err != nil {
		t.Fatal(err)
	}
	if !renamed.Active {
		t.Fatal("new record must be active")
	}
}

func TestRunLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	run := models.Run{
		RunID:         "run-1",
		EthoscopeID:   devA,
		EthoscopeName: "ETHOSCOPE_007",
		UserName:      "alice",
		Location:      "incubator_3",
	}
	if err := s.AddRun(ctx, run); err != nil {
		t.Fatal(err)
	}

	active, err := s.ActiveRun(ctx, devA)
	if err != nil {
		t.Fatal(err)
	}
	if active.RunID != "run-1" || active.Status != models.RunRunning {
		t.Fatalf("active = %+v", active)
	}

	// The experiments row is created alongside.
	var count int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM experiments WHERE run_id = 'run-1'`).Scan(&count); err != nil {
		t.Fatal(err)
	}
	if count != 1 {
		t.Fatalf("experiments rows = %d, want 1", count)
	}

	if err := s.StopRun(ctx, "run-1", time.Now().UTC()); err != nil {
		t.Fatal(err)
	}
	if _, err := s.ActiveRun(ctx, devA); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected no active run, got %v", err)
	}

	got, err := s.GetRun(ctx, "run-1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != models.RunStopped || got.EndedAt.IsZero() {
		t.Fatalf("run = %+v", got)
	}

	// Stopping again is idempotent.
	if err := s.StopRun(ctx, "run-1", time.Now().UTC()); err != nil {
		t.Fatal(err)
	}
	if err := s.StopRun(ctx, "run-404", time.Now().UTC()); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestFlagProblemAppends(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.AddRun(ctx, models.Run{RunID: "run-1", EthoscopeID: devA}); err != nil {
		t.Fatal(err)
	}
	if err := s.FlagProblem(ctx, "run-1", "camera dropped frames"); err != nil {
		t.Fatal(err)
	}
	if err := s.FlagProblem(ctx, "run-1", "device went unreached"); err != nil {
		t.Fatal(err)
	}

	run, err := s.GetRun(ctx, "run-1")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(run.Problems, "camera dropped frames") ||
		!strings.Contains(run.Problems, "device went unreached") {
		t.Fatalf("problems = %q, both notes must survive", run.Problems)
	}

	if err := s.FlagProblem(ctx, "run-404", "x"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestAlertDedup(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	sent, err := s.HasAlertBeenSent(ctx, devA, "device_stopped", "run-1")
	if err != nil {
		t.Fatal(err)
	}
	if sent {
		t.Fatal("no alert logged yet")
	}

	rec := models.AlertRecord{
		DeviceID:  devA,
		AlertType: "device_stopped",
		RunID:     "run-1",
		Message:   "stopped unexpectedly",
	}
	if err := s.LogAlert(ctx, rec); err != nil {
		t.Fatal(err)
	}
	// Logging the same triple again must not fail or duplicate.
	if err := s.LogAlert(ctx, rec); err != nil {
		t.Fatal(err)
	}

	sent, err = s.HasAlertBeenSent(ctx, devA, "device_stopped", "run-1")
	if err != nil {
		t.Fatal(err)
	}
	if !sent {
		t.Fatal("alert should be recorded")
	}

	// A different run of the same device alerts independently.
	sent, _ = s.HasAlertBeenSent(ctx, devA, "device_stopped", "run-2")
	if sent {
		t.Fatal("different run must not be deduped")
	}

	var count int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM alert_logs`).Scan(&count); err != nil {
		t.Fatal(err)
	}
	if count != 1 {
		t.Fatalf("alert rows = %d, want 1", count)
	}
}

func TestRetireStaleDevices(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	old := time.Now().UTC().Add(-100 * 24 * time.Hour)
	fresh := time.Now().UTC()
	if err := s.UpdateEthoscope(ctx, models.EthoscopeRecord{
		EthoscopeID: devA, Name: "ETHOSCOPE_007", Active: true, LastSeen: old,
	}); err != nil {
		t.Fatal(err)
	}
	if err := s.UpdateEthoscope(ctx, models.EthoscopeRecord{
		EthoscopeID: devB, Name: "ETHOSCOPE_008", Active: true, LastSeen: fresh,
	}); err != nil {
		t.Fatal(err)
	}

	n, err := s.RetireStaleDevices(ctx, time.Now().UTC().Add(-90*24*time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("retired = %d, want 1", n)
	}

	stale, _ := s.GetEthoscope(ctx, devA)
	if stale.Active {
		t.Fatal("stale device must be inactive")
	}
	kept, _ := s.GetEthoscope(ctx, devB)
	if !kept.Active {
		t.Fatal("fresh device must stay active")
	}
}

func TestStopStuckRuns(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	// Device silent for three hours with a run still open.
	silent := time.Now().UTC().Add(-3 * time.Hour)
	if err := s.UpdateEthoscope(ctx, models.EthoscopeRecord{
		EthoscopeID: devA, Name: "ETHOSCOPE_007", Active: true, LastSeen: silent,
	}); err != nil {
		t.Fatal(err)
	}
	if err := s.AddRun(ctx, models.Run{RunID: "run-stuck", EthoscopeID: devA, StartedAt: silent}); err != nil {
		t.Fatal(err)
	}

	// Live device with an old but legitimate run.
	if err := s.UpdateEthoscope(ctx, models.EthoscopeRecord{
		EthoscopeID: devB, Name: "ETHOSCOPE_008", Active: true, LastSeen: time.Now().UTC(),
	}); err != nil {
		t.Fatal(err)
	}
	if err := s.AddRun(ctx, models.Run{RunID: "run-live", EthoscopeID: devB, StartedAt: silent}); err != nil {
		t.Fatal(err)
	}

	n, err := s.StopStuckRuns(ctx, time.Now().UTC().Add(-2*time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("stopped = %d, want 1", n)
	}

	stuck, _ := s.GetRun(ctx, "run-stuck")
	if stuck.Status != models.RunStopped {
		t.Fatal("stuck run must be stopped")
	}
	live, _ := s.GetRun(ctx, "run-live")
	if live.Status != models.RunRunning {
		t.Fatal("run on a live device must stay open")
	}
}

func TestReconcileDeviceRuns(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	base := time.Now().UTC().Add(-time.Hour)
	for i, id := range []string{"run-old", "run-dup"} {
		if err := s.AddRun(ctx, models.Run{
			RunID: id, EthoscopeID: devA,
			StartedAt: base.Add(time.Duration(i) * time.Minute),
		}); err != nil {
			t.Fatal(err)
		}
	}

	// Device still running: the oldest row wins, the duplicate closes.
	n, err := s.ReconcileDeviceRuns(ctx, devA, true)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("reconciled = %d, want 1", n)
	}
	oldRun, _ := s.GetRun(ctx, "run-old")
	if oldRun.Status != models.RunRunning {
		t.Fatal("oldest run must survive")
	}
	dup, _ := s.GetRun(ctx, "run-dup")
	if dup.Status != models.RunStopped {
		t.Fatal("duplicate run must be closed")
	}

	// Device not running: everything closes.
	if _, err := s.ReconcileDeviceRuns(ctx, devA, false); err != nil {
		t.Fatal(err)
	}
	oldRun, _ = s.GetRun(ctx, "run-old")
	if oldRun.Status != models.RunStopped {
		t.Fatal("orphaned run must be closed")
	}
}
