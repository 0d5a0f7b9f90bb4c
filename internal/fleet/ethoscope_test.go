package fleet

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gilestrolab/ethoscope-node/pkg/models"
	"go.uber.org/zap"
)

// deviceSim is a scriptable fake ethoscope HTTP endpoint.
type deviceSim struct {
	mu           chan struct{} // 1-token semaphore guarding fields
	id           string
	data         map[string]any
	dataFails    bool
	controlCalls atomic.Int32
}

func newDeviceSim(id string, data map[string]any) *deviceSim {
	s := &deviceSim{mu: make(chan struct{}, 1), id: id, data: data}
	s.mu <- struct{}{}
	return s
}

func (s *deviceSim) set(fn func(*deviceSim)) {
	<-s.mu
	fn(s)
	s.mu <- struct{}{}
}

func (s *deviceSim) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/id", func(w http.ResponseWriter, _ *http.Request) {
		<-s.mu
		id := s.id
		s.mu <- struct{}{}
		_ = json.NewEncoder(w).Encode(map[string]any{"id": id})
	})
	mux.HandleFunc("/data/", func(w http.ResponseWriter, _ *http.Request) {
		<-s.mu
		fails, data := s.dataFails, s.data
		s.mu <- struct{}{}
		if fails {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		_ = json.NewEncoder(w).Encode(data)
	})
	mux.HandleFunc("/controls/", func(w http.ResponseWriter, _ *http.Request) {
		s.controlCalls.Add(1)
		_ = json.NewEncoder(w).Encode(map[string]any{"status": "ok"})
	})
	return mux
}

func newTestEthoscope(t *testing.T, sim *deviceSim) (*Ethoscope, *transitionRecorder) {
	t.Helper()
	srv := httptest.NewServer(sim.handler())
	t.Cleanup(srv.Close)

	u, err := url.Parse(srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	host, portStr, err := net.SplitHostPort(u.Host)
	if err != nil {
		t.Fatal(err)
	}
	port, _ := strconv.Atoi(portStr)

	cfg := testConfig()
	cfg.DevicePort = port
	cfg.ResultsDir = t.TempDir()
	cfg.DBUpdateInterval = time.Hour // keep backup recomputation out of these tests

	cache, err := NewMetadataCache(t.TempDir(), zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}

	e := NewEthoscope(sim.id, "ETHOSCOPE_007", host, cfg, NewClient(zap.NewNop()), cache, zap.NewNop())
	rec := &transitionRecorder{}
	e.SetTransitionObserver(rec.observe)
	return e, rec
}

func TestUpdateInfoClassifiesReportedStatus(t *testing.T) {
	sim := newDeviceSim(testDeviceID, map[string]any{
		"status": "running",
		"name":   "ETHOSCOPE_007",
	})
	e, rec := newTestEthoscope(t, sim)

	if err := e.updateInfo(context.Background()); err != nil {
		t.Fatal(err)
	}

	name, _ := rec.last()
	if name != models.StatusRunning {
		t.Fatalf("status = %s, want running", name)
	}
	st := e.CurrentStatus()
	if !st.IsInitialDiscovery {
		t.Fatal("first observation must be marked initial discovery")
	}
	if st.IsUserTriggered {
		t.Fatal("no user instruction was recorded")
	}
	if e.Info().Attributes["status"] != "running" {
		t.Fatalf("attributes = %v", e.Info().Attributes)
	}
}

func TestUpdateInfoUnknownStatusFallsBackToOnline(t *testing.T) {
	sim := newDeviceSim(testDeviceID, map[string]any{"status": "confused"})
	e, _ := newTestEthoscope(t, sim)

	if err := e.updateInfo(context.Background()); err != nil {
		t.Fatal(err)
	}
	if st := e.CurrentStatus(); st.Name != models.StatusOnline {
		t.Fatalf("status = %s, want online", st.Name)
	}
}

func TestUpdateInfoDataFailureIsBusy(t *testing.T) {
	sim := newDeviceSim(testDeviceID, nil)
	sim.set(func(s *deviceSim) { s.dataFails = true })
	e, _ := newTestEthoscope(t, sim)

	err := e.updateInfo(context.Background())
	var busy *errDeviceBusy
	if !errors.As(err, &busy) {
		t.Fatalf("error = %v, want errDeviceBusy", err)
	}
}

func TestUpdateInfoDetectsIDChange(t *testing.T) {
	sim := newDeviceSim(testDeviceID, map[string]any{"status": "stopped"})
	e, _ := newTestEthoscope(t, sim)

	if err := e.updateInfo(context.Background()); err != nil {
		t.Fatal(err)
	}

	var gotOld, gotNew string
	e.SetIDChangeObserver(func(oldID, newID string, _ models.DeviceInfo) {
		gotOld, gotNew = oldID, newID
	})

	newID := "ffffffffffffffffffffffffffffffff"
	sim.set(func(s *deviceSim) { s.id = newID })

	if err := e.updateInfo(context.Background()); err != nil {
		t.Fatal(err)
	}
	if gotOld != testDeviceID || gotNew != newID {
		t.Fatalf("id change = %s -> %s", gotOld, gotNew)
	}
	if e.ID() != newID {
		t.Fatalf("ID() = %s, want %s", e.ID(), newID)
	}
}

func TestOfflineToRunningForcedUserTriggered(t *testing.T) {
	sim := newDeviceSim(testDeviceID, map[string]any{"status": "running"})
	e, _ := newTestEthoscope(t, sim)

	e.setStatus(models.StatusOffline, WithTrigger(models.TriggerNetwork))

	if err := e.updateInfo(context.Background()); err != nil {
		t.Fatal(err)
	}
	st := e.CurrentStatus()
	if st.Name != models.StatusRunning {
		t.Fatalf("status = %s", st.Name)
	}
	if !st.IsUserTriggered {
		t.Fatal("offline to running must be classified user triggered")
	}
}

func TestRecentStopInstructionClassifiesUserTriggered(t *testing.T) {
	sim := newDeviceSim(testDeviceID, map[string]any{"status": "running"})
	e, _ := newTestEthoscope(t, sim)
	if err := e.updateInfo(context.Background()); err != nil {
		t.Fatal(err)
	}

	e.RecordUserInstruction(InstrStop)
	sim.set(func(s *deviceSim) { s.data = map[string]any{"status": "stopped"} })

	if err := e.updateInfo(context.Background()); err != nil {
		t.Fatal(err)
	}
	st := e.CurrentStatus()
	if st.Name != models.StatusStopped {
		t.Fatalf("status = %s", st.Name)
	}
	if !st.IsUserTriggered {
		t.Fatal("stop after recent user instruction must be user triggered")
	}
	if st.ShouldSendAlert(time.Minute) {
		t.Fatal("user-triggered stop must not alert")
	}
}

func TestSendInstructionValidatesFirst(t *testing.T) {
	sim := newDeviceSim(testDeviceID, map[string]any{"status": "running"})
	e, _ := newTestEthoscope(t, sim)
	if err := e.updateInfo(context.Background()); err != nil {
		t.Fatal(err)
	}

	err := e.SendInstruction(context.Background(), InstrStart, nil)
	var devErr *DeviceError
	if !errors.As(err, &devErr) {
		t.Fatalf("error = %v, want DeviceError", err)
	}
	if sim.controlCalls.Load() != 0 {
		t.Fatal("invalid instruction must not reach the device")
	}

	if err := e.SendInstruction(context.Background(), InstrStop, nil); err != nil {
		t.Fatal(err)
	}
	if sim.controlCalls.Load() != 1 {
		t.Fatalf("control calls = %d, want 1", sim.controlCalls.Load())
	}
}

func TestDirectBackupStatusPassthrough(t *testing.T) {
	sim := newDeviceSim(testDeviceID, map[string]any{
		"status":          "running",
		"backup_filename": "2026-03-01_14-05-22_" + testDeviceID + ".db",
		"backup_status":   float64(73.5),
		"backup_method":   "rsync",
	})
	e, _ := newTestEthoscope(t, sim)

	if err := e.updateInfo(context.Background()); err != nil {
		t.Fatal(err)
	}
	info := e.Info()
	if info.BackupStatus != 73.5 {
		t.Fatalf("backup status = %v, want 73.5", info.BackupStatus)
	}
	if info.BackupMethod != "rsync" {
		t.Fatalf("backup method = %s", info.BackupMethod)
	}
}

func TestBackupSentinelsReportedInStatusField(t *testing.T) {
	sim := newDeviceSim(testDeviceID, map[string]any{"status": "running"})
	e, _ := newTestEthoscope(t, sim)

	// No backup filename reported at all.
	if err := e.updateInfo(context.Background()); err != nil {
		t.Fatal(err)
	}
	if got := e.Info().BackupStatus; got != BackupStatusNoBackup {
		t.Fatalf("backup status = %v, want %q", got, BackupStatusNoBackup)
	}

	// A filename the path grammar cannot parse.
	sim.set(func(s *deviceSim) {
		s.data = map[string]any{
			"status":          "running",
			"backup_filename": "not-a-backup-name.db",
		}
	})
	if err := e.updateInfo(context.Background()); err != nil {
		t.Fatal(err)
	}
	if got := e.Info().BackupStatus; got != BackupStatusFileMissing {
		t.Fatalf("backup status = %v, want %q", got, BackupStatusFileMissing)
	}

	// Numeric progress clears the sentinel.
	sim.set(func(s *deviceSim) {
		s.data = map[string]any{
			"status":          "running",
			"backup_filename": "2026-03-01_14-05-22_" + testDeviceID + ".db",
			"backup_status":   float64(25.0),
		}
	})
	if err := e.updateInfo(context.Background()); err != nil {
		t.Fatal(err)
	}
	if got := e.Info().BackupStatus; got != 25.0 {
		t.Fatalf("backup status = %v, want 25.0", got)
	}
}

func TestActiveSessionWritesCache(t *testing.T) {
	filename := "2026-03-01_14-05-22_" + testDeviceID + ".db"
	sim := newDeviceSim(testDeviceID, map[string]any{
		"status":          "running",
		"backup_filename": filename,
		"experimental_info": map[string]any{
			"name":     "alice",
			"location": "incubator_3",
		},
		"databases": map[string]any{
			"MariaDB": map[string]any{
				"db_size_bytes": float64(2048),
				"table_counts":  map[string]any{"ROI_1": float64(100)},
			},
		},
	})
	e, _ := newTestEthoscope(t, sim)

	if err := e.updateInfo(context.Background()); err != nil {
		t.Fatal(err)
	}

	doc, err := e.cache.Read("2026-03-01_14-05-22", "ETHOSCOPE_007")
	if err != nil {
		t.Fatal(err)
	}
	if doc.DBStatus != DBStatusTracking {
		t.Fatalf("db status = %s", doc.DBStatus)
	}
	if doc.Experiment.User != "alice" || doc.Experiment.BackupFilename != filename {
		t.Fatalf("experiment = %+v", doc.Experiment)
	}
	if doc.TableCounts["ROI_1"] != 100 {
		t.Fatalf("table counts = %v", doc.TableCounts)
	}

	// Stopping finalises the document.
	e.RecordUserInstruction(InstrStop)
	sim.set(func(s *deviceSim) { s.data = map[string]any{"status": "stopped"} })
	if err := e.updateInfo(context.Background()); err != nil {
		t.Fatal(err)
	}

	doc, err = e.cache.Read("2026-03-01_14-05-22", "ETHOSCOPE_007")
	if err != nil {
		t.Fatal(err)
	}
	if doc.DBStatus != DBStatusFinalised {
		t.Fatalf("db status = %s, want finalised", doc.DBStatus)
	}
	if doc.StoppedGracefully == nil || !*doc.StoppedGracefully {
		t.Fatal("user stop must be recorded as graceful")
	}
}
