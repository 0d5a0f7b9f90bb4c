package fleet

import (
	"fmt"
	"time"

	"github.com/gilestrolab/ethoscope-node/pkg/models"
)

// maxChainDepth bounds the status history chain. Walks read at most
// this many predecessors and construction trims anything older.
const maxChainDepth = 10

// activeSessionStates are statuses that indicate an acquisition session
// in progress. "tracking" is the name old firmware reports for running.
var activeSessionStates = map[models.DeviceStatusName]bool{
	models.StatusRunning:   true,
	models.StatusRecording: true,
	"tracking":             true,
}

// intermediateStates are transient statuses a device may pass through
// between an active session and a terminal stopped/offline.
var intermediateStates = map[models.DeviceStatusName]bool{
	models.StatusUnreached:    true,
	models.StatusBusy:         true,
	models.StatusInitialising: true,
	models.StatusStopping:     true,
}

// Status is an immutable snapshot of a device's disposition. Each
// transition creates a new Status pointing back at its predecessor;
// the chain is what enables transition-pattern matching. Never mutate
// a Status after construction.
type Status struct {
	Name               models.DeviceStatusName
	IsUserTriggered    bool
	Trigger            models.TriggerSource
	Timestamp          time.Time
	Previous           *Status        // bounded chain, nil for the first observation
	Metadata           map[string]any // open-ended transition annotations
	ConsecutiveErrors  int
	UnreachableSince   time.Time // set exactly when Name == unreached
	IsInitialDiscovery bool      // suppresses alerts on first observation at startup
}

// StatusOption customizes a Status at construction.
type StatusOption func(*Status)

// UserTriggered marks the transition as caused by a recent user instruction.
func UserTriggered() StatusOption {
	return func(s *Status) { s.IsUserTriggered = true }
}

// WithTrigger sets the trigger source (default "system").
func WithTrigger(t models.TriggerSource) StatusOption {
	return func(s *Status) { s.Trigger = t }
}

// WithMetadata attaches a transition annotation.
func WithMetadata(key string, value any) StatusOption {
	return func(s *Status) {
		if s.Metadata == nil {
			s.Metadata = make(map[string]any)
		}
		s.Metadata[key] = value
	}
}

// WithErrors records the consecutive error count at transition time.
func WithErrors(n int) StatusOption {
	return func(s *Status) { s.ConsecutiveErrors = n }
}

// InitialDiscovery marks the first observation of a device at startup.
func InitialDiscovery() StatusOption {
	return func(s *Status) { s.IsInitialDiscovery = true }
}

// NewStatus constructs a validated Status. The previous pointer becomes
// the chain head; the chain is trimmed to maxChainDepth so memory per
// device stays constant. UnreachableSince is set iff name is unreached:
// a fresh unreached transition starts the countdown, a re-classification
// from a previous unreached keeps the original start time.
func NewStatus(name models.DeviceStatusName, previous *Status, opts ...StatusOption) (*Status, error) {
	if !models.ValidStatusNames[name] {
		return nil, fmt.Errorf("invalid status name %q", name)
	}

	s := &Status{
		Name:      name,
		Trigger:   models.TriggerSystem,
		Timestamp: time.Now().UTC(),
		Previous:  previous,
	}
	for _, opt := range opts {
		opt(s)
	}
	if !models.ValidTriggerSources[s.Trigger] {
		return nil, fmt.Errorf("invalid trigger source %q", s.Trigger)
	}

	if name == models.StatusUnreached {
		if previous != nil && previous.Name == models.StatusUnreached && !previous.UnreachableSince.IsZero() {
			s.UnreachableSince = previous.UnreachableSince
		} else {
			s.UnreachableSince = s.Timestamp
		}
	}

	if previous != nil {
		s.Metadata = withPreviousMetadata(s.Metadata, previous.Name)
	}

	trimChain(s)
	return s, nil
}

func withPreviousMetadata(md map[string]any, prev models.DeviceStatusName) map[string]any {
	if md == nil {
		md = make(map[string]any)
	}
	if _, ok := md["previous_status"]; !ok {
		md["previous_status"] = string(prev)
	}
	return md
}

// trimChain cuts the predecessor chain at maxChainDepth entries.
func trimChain(s *Status) {
	cur := s
	for i := 0; i < maxChainDepth; i++ {
		if cur.Previous == nil {
			return
		}
		cur = cur.Previous
	}
	cur.Previous = nil
}

// ShouldSendAlert decides whether this transition warrants a user-facing
// alert. Suppressed for user-triggered, graceful, and initial-discovery
// transitions. Sent when the device lands on stopped/offline through a
// system trigger, when the history matches the interrupted-tracking
// pattern, or when an unreached device has exceeded its timeout.
func (s *Status) ShouldSendAlert(unreachableTimeout time.Duration) bool {
	if s.IsUserTriggered || s.Trigger == models.TriggerGraceful || s.IsInitialDiscovery {
		return false
	}

	if s.Name == models.StatusUnreached {
		return s.IsTimeoutExceeded(unreachableTimeout)
	}

	if s.Name != models.StatusStopped && s.Name != models.StatusOffline {
		return false
	}
	if s.Trigger == models.TriggerSystem {
		return true
	}
	return s.IsInterruptedTrackingSession()
}

// IsInterruptedTrackingSession walks the predecessor chain looking for
// an active acquisition session reached only through intermediate
// states, ending in stopped or offline. Both conditions must hold: an
// active session was found, and at least one intermediate state
// occurred. This distinguishes a crash during acquisition from either a
// graceful stop or a transient unreachability.
func (s *Status) IsInterruptedTrackingSession() bool {
	if s.Name != models.StatusStopped && s.Name != models.StatusOffline {
		return false
	}

	foundIntermediate := false
	cur := s.Previous
	for i := 0; i < maxChainDepth && cur != nil; i++ {
		switch {
		case intermediateStates[cur.Name]:
			foundIntermediate = true
		case activeSessionStates[cur.Name]:
			return foundIntermediate
		default:
			// A non-intermediate, non-active state breaks the pattern.
			return false
		}
		cur = cur.Previous
	}
	return false
}

// IsTimeoutExceeded reports whether the device has been unreached for
// longer than the given timeout. Defined only when UnreachableSince is
// set; returns false otherwise.
func (s *Status) IsTimeoutExceeded(timeout time.Duration) bool {
	if s.UnreachableSince.IsZero() {
		return false
	}
	return time.Since(s.UnreachableSince) > timeout
}

// Age returns how long the device has been in this status.
func (s *Status) Age() time.Duration {
	return time.Since(s.Timestamp)
}

// ToMap serialises the status to a stable map shape for persistence and
// exposition. The previous chain is not serialised.
func (s *Status) ToMap() map[string]any {
	m := map[string]any{
		"status":               string(s.Name),
		"is_user_triggered":    s.IsUserTriggered,
		"trigger_source":       string(s.Trigger),
		"timestamp":            s.Timestamp.Format(time.RFC3339Nano),
		"consecutive_errors":   s.ConsecutiveErrors,
		"is_initial_discovery": s.IsInitialDiscovery,
	}
	if !s.UnreachableSince.IsZero() {
		m["unreachable_start_time"] = s.UnreachableSince.Format(time.RFC3339Nano)
	}
	if len(s.Metadata) > 0 {
		md := make(map[string]any, len(s.Metadata))
		for k, v := range s.Metadata {
			md[k] = v
		}
		m["metadata"] = md
	}
	return m
}

// StatusFromMap rebuilds a Status from its serialised map shape. The
// previous pointer is not part of the serialisation and comes back nil.
func StatusFromMap(m map[string]any) (*Status, error) {
	name, _ := m["status"].(string)
	if !models.ValidStatusNames[models.DeviceStatusName(name)] {
		return nil, fmt.Errorf("invalid status name %q", name)
	}

	s := &Status{
		Name:    models.DeviceStatusName(name),
		Trigger: models.TriggerSystem,
	}
	if v, ok := m["is_user_triggered"].(bool); ok {
		s.IsUserTriggered = v
	}
	if v, ok := m["trigger_source"].(string); ok {
		if !models.ValidTriggerSources[models.TriggerSource(v)] {
			return nil, fmt.Errorf("invalid trigger source %q", v)
		}
		s.Trigger = models.TriggerSource(v)
	}
	if v, ok := m["timestamp"].(string); ok {
		ts, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			return nil, fmt.Errorf("parse timestamp: %w", err)
		}
		s.Timestamp = ts
	}
	if v, ok := m["unreachable_start_time"].(string); ok {
		ts, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			return nil, fmt.Errorf("parse unreachable_start_time: %w", err)
		}
		s.UnreachableSince = ts
	}
	if v, ok := m["consecutive_errors"].(int); ok {
		s.ConsecutiveErrors = v
	} else if v, ok := m["consecutive_errors"].(float64); ok {
		s.ConsecutiveErrors = int(v)
	}
	if v, ok := m["is_initial_discovery"].(bool); ok {
		s.IsInitialDiscovery = v
	}
	if md, ok := m["metadata"].(map[string]any); ok {
		s.Metadata = make(map[string]any, len(md))
		for k, v := range md {
			s.Metadata[k] = v
		}
	}
	return s, nil
}
