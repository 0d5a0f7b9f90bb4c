package fleet

import (
	"errors"
	"fmt"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/gilestrolab/ethoscope-node/pkg/models"
	"go.uber.org/zap"
)

type fakeProbe struct{ reachable bool }

func (p *fakeProbe) HostReachable(string) bool { return p.reachable }

// transitionRecorder captures transitions for assertions.
type transitionRecorder struct {
	mu          sync.Mutex
	transitions []models.DeviceStatusName
	triggers    []models.TriggerSource
}

func (r *transitionRecorder) observe(_ models.DeviceInfo, _, next *Status) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.transitions = append(r.transitions, next.Name)
	r.triggers = append(r.triggers, next.Trigger)
}

func (r *transitionRecorder) last() (models.DeviceStatusName, models.TriggerSource) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.transitions) == 0 {
		return "", ""
	}
	return r.transitions[len(r.transitions)-1], r.triggers[len(r.triggers)-1]
}

func newTestDevice(t *testing.T, cfg Config) (*Device, *transitionRecorder) {
	t.Helper()
	d := newDevice(testDeviceID, "ETHOSCOPE_007", "192.0.2.10", cfg, NewClient(zap.NewNop()), zap.NewNop())
	rec := &transitionRecorder{}
	d.onTransition = rec.observe
	return d, rec
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.RefusedThreshold = 3
	cfg.MaxConsecutiveErrors = 10
	return cfg
}

func TestGenericErrorMarksUnreached(t *testing.T) {
	d, rec := newTestDevice(t, testConfig())
	d.probe = &fakeProbe{reachable: true}

	d.handleDeviceError(errors.New("dial tcp: i/o timeout"))

	name, trigger := rec.last()
	if name != models.StatusUnreached {
		t.Fatalf("status = %s, want unreached", name)
	}
	if trigger != models.TriggerNetwork {
		t.Fatalf("trigger = %s, want network", trigger)
	}
	st := d.CurrentStatus()
	if st.Metadata["host_reachable"] != true {
		t.Fatalf("first unreached should carry probe result, metadata = %v", st.Metadata)
	}
	if st.UnreachableSince.IsZero() {
		t.Fatal("UnreachableSince must start on unreached")
	}
}

func TestUnreachedPromotesToOfflineAfterTimeout(t *testing.T) {
	cfg := testConfig()
	cfg.UnreachableTimeout = time.Millisecond
	d, rec := newTestDevice(t, cfg)

	d.handleDeviceError(errors.New("dial tcp: i/o timeout"))
	time.Sleep(5 * time.Millisecond)
	d.handleDeviceError(errors.New("dial tcp: i/o timeout"))

	name, trigger := rec.last()
	if name != models.StatusOffline {
		t.Fatalf("status = %s, want offline", name)
	}
	if trigger != models.TriggerNetwork {
		t.Fatalf("trigger = %s, want network", trigger)
	}
	if d.CurrentStatus().Metadata["reason"] != "unreachable_timeout" {
		t.Fatalf("metadata = %v", d.CurrentStatus().Metadata)
	}
}

func TestBusyErrorMarksBusy(t *testing.T) {
	d, rec := newTestDevice(t, testConfig())

	d.handleDeviceError(&errDeviceBusy{err: errors.New("status 500")})

	name, _ := rec.last()
	if name != models.StatusBusy {
		t.Fatalf("status = %s, want busy", name)
	}
}

func TestBusyPromotesToOfflineAfterTimeout(t *testing.T) {
	cfg := testConfig()
	cfg.BusyTimeout = time.Millisecond
	d, rec := newTestDevice(t, cfg)

	d.handleDeviceError(&errDeviceBusy{err: errors.New("status 500")})
	time.Sleep(5 * time.Millisecond)
	d.handleDeviceError(&errDeviceBusy{err: errors.New("status 500")})

	name, _ := rec.last()
	if name != models.StatusOffline {
		t.Fatalf("status = %s, want offline", name)
	}
	if d.CurrentStatus().Metadata["reason"] != "busy_timeout" {
		t.Fatalf("metadata = %v", d.CurrentStatus().Metadata)
	}
}

func TestRefusedWithoutInstructionIsUngraceful(t *testing.T) {
	d, rec := newTestDevice(t, testConfig())

	refused := fmt.Errorf("dial: %w", syscall.ECONNREFUSED)
	for i := 0; i < 3; i++ {
		d.handleDeviceError(refused)
	}

	name, trigger := rec.last()
	if name != models.StatusOffline {
		t.Fatalf("status = %s, want offline", name)
	}
	if trigger != models.TriggerSystem {
		t.Fatalf("trigger = %s, want system", trigger)
	}
	if !d.SkipScanning() || d.SkipReason() != "ungraceful_shutdown" {
		t.Fatalf("latch = %v / %s", d.SkipScanning(), d.SkipReason())
	}
}

func TestRefusedAfterPoweroffIsGraceful(t *testing.T) {
	d, rec := newTestDevice(t, testConfig())
	d.RecordUserInstruction(InstrPoweroff)

	refused := errors.New("connect: connection refused")
	for i := 0; i < 3; i++ {
		d.handleDeviceError(refused)
	}

	name, trigger := rec.last()
	if name != models.StatusOffline {
		t.Fatalf("status = %s, want offline", name)
	}
	if trigger != models.TriggerGraceful {
		t.Fatalf("trigger = %s, want graceful", trigger)
	}
	if d.SkipReason() != "graceful_shutdown" {
		t.Fatalf("skip reason = %s", d.SkipReason())
	}
	// Graceful transitions are never alertable.
	if d.CurrentStatus().ShouldSendAlert(time.Minute) {
		t.Fatal("graceful shutdown must not alert")
	}
}

func TestMaxConsecutiveErrorsLatches(t *testing.T) {
	cfg := testConfig()
	cfg.MaxConsecutiveErrors = 4
	d, rec := newTestDevice(t, cfg)

	for i := 0; i < 4; i++ {
		d.handleDeviceError(&ScanError{Reason: "empty body"})
	}

	name, _ := rec.last()
	if name != models.StatusOffline {
		t.Fatalf("status = %s, want offline", name)
	}
	if !d.SkipScanning() || d.SkipReason() != "max_errors_reached" {
		t.Fatalf("latch = %v / %s", d.SkipScanning(), d.SkipReason())
	}
}

func TestGenericErrorsLatchAtDefaultThreshold(t *testing.T) {
	d, _ := newTestDevice(t, testConfig())

	for i := 0; i < 9; i++ {
		d.handleDeviceError(&ScanError{Reason: "empty body"})
	}
	if d.SkipScanning() {
		t.Fatal("latched before the tenth generic error")
	}

	d.handleDeviceError(&ScanError{Reason: "empty body"})
	if !d.SkipScanning() || d.SkipReason() != "max_errors_reached" {
		t.Fatalf("latch = %v / %s", d.SkipScanning(), d.SkipReason())
	}
}

// Transport failures are owned by the unreachable-timeout state machine.
// At the default 5 s cadence the 20-minute timeout needs hundreds of
// failed polls, so they must never count toward the generic latch.
func TestTransportFailuresDoNotTripMaxErrorsLatch(t *testing.T) {
	d, rec := newTestDevice(t, testConfig())

	timeout := &NetworkError{URL: "http://192.0.2.10:9000/id", Err: errors.New("i/o timeout")}
	for i := 0; i < 30; i++ {
		d.handleDeviceError(timeout)
	}

	name, _ := rec.last()
	if name != models.StatusUnreached {
		t.Fatalf("status = %s, want unreached", name)
	}
	if d.SkipScanning() {
		t.Fatalf("transport failures latched skip_scanning (%s)", d.SkipReason())
	}
}

func TestBusyFailuresDoNotTripMaxErrorsLatch(t *testing.T) {
	d, rec := newTestDevice(t, testConfig())

	for i := 0; i < 30; i++ {
		d.handleDeviceError(&errDeviceBusy{err: errors.New("status 500")})
	}

	name, _ := rec.last()
	if name != models.StatusBusy {
		t.Fatalf("status = %s, want busy", name)
	}
	if d.SkipScanning() {
		t.Fatalf("busy failures latched skip_scanning (%s)", d.SkipReason())
	}
}

func TestRefreshReleasesLatch(t *testing.T) {
	d, _ := newTestDevice(t, testConfig())
	d.latch("mdns_goodbye")

	d.Refresh("ETHOSCOPE_007_RENAMED")

	if d.SkipScanning() {
		t.Fatal("latch not released")
	}
	if d.Name() != "ETHOSCOPE_007_RENAMED" {
		t.Fatalf("name = %s", d.Name())
	}
}

func TestSetStatusNoopOnSameName(t *testing.T) {
	d, rec := newTestDevice(t, testConfig())
	d.setStatus(models.StatusUnreached, WithTrigger(models.TriggerNetwork))
	d.setStatus(models.StatusUnreached, WithTrigger(models.TriggerNetwork))

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.transitions) != 1 {
		t.Fatalf("transitions = %d, want 1", len(rec.transitions))
	}
}

func TestIsConnectionRefused(t *testing.T) {
	cases := []struct {
		err  error
		want bool
	}{
		{fmt.Errorf("dial: %w", syscall.ECONNREFUSED), true},
		{errors.New("connect: connection refused"), true},
		{errors.New("No connection could be made because the target machine actively refused it"), true},
		{errors.New("dial tcp: i/o timeout"), false},
	}
	for _, tc := range cases {
		if got := isConnectionRefused(tc.err); got != tc.want {
			t.Errorf("isConnectionRefused(%v) = %v, want %v", tc.err, got, tc.want)
		}
	}
}
