package fleet

import (
	"testing"
	"time"

	"github.com/gilestrolab/ethoscope-node/pkg/models"
)

// chain builds a status history from oldest to newest.
func chain(t *testing.T, names ...models.DeviceStatusName) *Status {
	t.Helper()
	var cur *Status
	for _, name := range names {
		next, err := NewStatus(name, cur)
		if err != nil {
			t.Fatalf("NewStatus(%s): %v", name, err)
		}
		cur = next
	}
	return cur
}

func TestNewStatusRejectsInvalidName(t *testing.T) {
	if _, err := NewStatus("sleeping", nil); err == nil {
		t.Fatal("expected error for invalid status name")
	}
}

func TestNewStatusRejectsInvalidTrigger(t *testing.T) {
	if _, err := NewStatus(models.StatusOnline, nil, WithTrigger("cosmic")); err == nil {
		t.Fatal("expected error for invalid trigger source")
	}
}

func TestNewStatusRecordsPreviousInMetadata(t *testing.T) {
	s := chain(t, models.StatusStopped, models.StatusRunning)
	if got := s.Metadata["previous_status"]; got != "stopped" {
		t.Fatalf("previous_status = %v, want stopped", got)
	}
}

func TestChainTrimmedToBound(t *testing.T) {
	names := make([]models.DeviceStatusName, 0, 30)
	for i := 0; i < 15; i++ {
		names = append(names, models.StatusStopped, models.StatusRunning)
	}
	s := chain(t, names...)

	depth := 0
	for cur := s; cur != nil; cur = cur.Previous {
		depth++
	}
	if depth > maxChainDepth+1 {
		t.Fatalf("chain depth = %d, want <= %d", depth, maxChainDepth+1)
	}
}

func TestUnreachableSinceInherited(t *testing.T) {
	first, err := NewStatus(models.StatusUnreached, nil)
	if err != nil {
		t.Fatal(err)
	}
	time.Sleep(5 * time.Millisecond)
	second, err := NewStatus(models.StatusUnreached, first)
	if err != nil {
		t.Fatal(err)
	}
	if !second.UnreachableSince.Equal(first.UnreachableSince) {
		t.Fatalf("UnreachableSince not inherited: %v != %v",
			second.UnreachableSince, first.UnreachableSince)
	}
}

func TestUnreachableSinceResetAfterRecovery(t *testing.T) {
	s := chain(t, models.StatusUnreached, models.StatusRunning, models.StatusUnreached)
	if s.UnreachableSince.IsZero() {
		t.Fatal("UnreachableSince not set on fresh unreached")
	}
	if !s.UnreachableSince.Equal(s.Timestamp) {
		t.Fatal("fresh unreached after recovery must restart the countdown")
	}
}

func TestShouldSendAlertSuppressions(t *testing.T) {
	timeout := 20 * time.Minute

	tests := []struct {
		name string
		st   func(t *testing.T) *Status
		want bool
	}{
		{
			name: "user triggered stop suppressed",
			st: func(t *testing.T) *Status {
				prev := chain(t, models.StatusRunning)
				s, err := NewStatus(models.StatusStopped, prev, UserTriggered(), WithTrigger(models.TriggerUser))
				if err != nil {
					t.Fatal(err)
				}
				return s
			},
			want: false,
		},
		{
			name: "graceful poweroff suppressed",
			st: func(t *testing.T) *Status {
				prev := chain(t, models.StatusStopped)
				s, err := NewStatus(models.StatusOffline, prev, WithTrigger(models.TriggerGraceful))
				if err != nil {
					t.Fatal(err)
				}
				return s
			},
			want: false,
		},
		{
			name: "initial discovery suppressed",
			st: func(t *testing.T) *Status {
				s, err := NewStatus(models.StatusOffline, nil, InitialDiscovery())
				if err != nil {
					t.Fatal(err)
				}
				return s
			},
			want: false,
		},
		{
			name: "system stop alerts",
			st: func(t *testing.T) *Status {
				prev := chain(t, models.StatusRunning)
				s, err := NewStatus(models.StatusStopped, prev, WithTrigger(models.TriggerSystem))
				if err != nil {
					t.Fatal(err)
				}
				return s
			},
			want: true,
		},
		{
			name: "running state never alerts",
			st: func(t *testing.T) *Status {
				return chain(t, models.StatusStopped, models.StatusRunning)
			},
			want: false,
		},
		{
			name: "fresh unreached below timeout suppressed",
			st: func(t *testing.T) *Status {
				return chain(t, models.StatusRunning, models.StatusUnreached)
			},
			want: false,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.st(t).ShouldSendAlert(timeout); got != tc.want {
				t.Fatalf("ShouldSendAlert = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestUnreachedTimeoutExceededAlerts(t *testing.T) {
	s := chain(t, models.StatusRunning, models.StatusUnreached)
	s.UnreachableSince = time.Now().Add(-30 * time.Minute)
	if !s.ShouldSendAlert(20 * time.Minute) {
		t.Fatal("unreached past timeout must alert")
	}
}

func TestInterruptedTrackingSession(t *testing.T) {
	tests := []struct {
		name  string
		names []models.DeviceStatusName
		want  bool
	}{
		{
			name:  "crash during acquisition",
			names: []models.DeviceStatusName{models.StatusRunning, models.StatusUnreached, models.StatusOffline},
			want:  true,
		},
		{
			name:  "recording through busy to stopped",
			names: []models.DeviceStatusName{models.StatusRecording, models.StatusBusy, models.StatusStopped},
			want:  true,
		},
		{
			name:  "plain stop without intermediates",
			names: []models.DeviceStatusName{models.StatusRunning, models.StatusStopped},
			want:  false,
		},
		{
			name:  "stopped reached from idle",
			names: []models.DeviceStatusName{models.StatusOnline, models.StatusStopped},
			want:  false,
		},
		{
			name:  "non-terminal head never matches",
			names: []models.DeviceStatusName{models.StatusRunning, models.StatusUnreached},
			want:  false,
		},
		{
			name: "other state breaks the walk",
			names: []models.DeviceStatusName{
				models.StatusRunning, models.StatusStopped,
				models.StatusUnreached, models.StatusOffline,
			},
			want: false,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := chain(t, tc.names...).IsInterruptedTrackingSession(); got != tc.want {
				t.Fatalf("IsInterruptedTrackingSession = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestStatusMapRoundTrip(t *testing.T) {
	orig, err := NewStatus(models.StatusUnreached, nil,
		WithTrigger(models.TriggerNetwork),
		WithErrors(3),
		WithMetadata("host_reachable", true),
	)
	if err != nil {
		t.Fatal(err)
	}

	back, err := StatusFromMap(orig.ToMap())
	if err != nil {
		t.Fatal(err)
	}
	if back.Name != orig.Name || back.Trigger != orig.Trigger {
		t.Fatalf("round trip changed identity: %+v", back)
	}
	if back.ConsecutiveErrors != 3 {
		t.Fatalf("ConsecutiveErrors = %d, want 3", back.ConsecutiveErrors)
	}
	if !back.UnreachableSince.Equal(orig.UnreachableSince) {
		t.Fatal("UnreachableSince lost in round trip")
	}
	if back.Previous != nil {
		t.Fatal("previous chain must not be serialised")
	}
}

func TestStatusFromMapRejectsBadInput(t *testing.T) {
	if _, err := StatusFromMap(map[string]any{"status": "nonsense"}); err == nil {
		t.Fatal("expected error for invalid status name")
	}
	if _, err := StatusFromMap(map[string]any{
		"status": "online", "timestamp": "yesterday",
	}); err == nil {
		t.Fatal("expected error for unparseable timestamp")
	}
}
