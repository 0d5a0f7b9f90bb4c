// Package fleet discovers ethoscope devices over mDNS and supervises
// one polling actor per device: status classification, control
// instruction dispatch, backup progress, and the per-experiment
// metadata cache.
package fleet

import (
	"context"
	"fmt"
	"time"

	"github.com/gilestrolab/ethoscope-node/pkg/models"
	"github.com/gilestrolab/ethoscope-node/pkg/module"
	"go.uber.org/zap"
)

// Compile-time interface guards.
var (
	_ module.Module        = (*Module)(nil)
	_ module.HTTPProvider  = (*Module)(nil)
	_ module.HealthChecker = (*Module)(nil)
)

// RosterView is what the fleet needs from the roster module: the
// persisted device records merged under the live directory so that
// known-but-silent devices still appear in listings. Defined
// consumer-side; the roster module implements it.
type RosterView interface {
	KnownDevices(ctx context.Context) ([]models.EthoscopeRecord, error)
}

// Module implements the fleet device-supervision module.
type Module struct {
	logger  *zap.Logger
	cfg     Config
	bus     module.EventBus
	scanner *Scanner
	cache   *MetadataCache
	roster  RosterView

	startedAt time.Time
}

// New creates the fleet module.
func New() *Module {
	return &Module{}
}

func (m *Module) Info() module.Info {
	return module.Info{
		Name:         "fleet",
		Version:      "1.0.0",
		Description:  "mDNS device discovery and per-device status supervision",
		Dependencies: []string{"roster"},
		Required:     true,
		APIVersion:   module.APIVersionCurrent,
	}
}

func (m *Module) Init(ctx context.Context, deps module.Dependencies) error {
	m.logger = deps.Logger
	m.bus = deps.Bus

	m.cfg = DefaultConfig()
	if deps.Config != nil {
		if v := deps.Config.GetString("service_type"); v != "" {
			m.cfg.ServiceType = v
		}
		if v := deps.Config.GetString("domain"); v != "" {
			m.cfg.Domain = v
		}
		if v := deps.Config.GetInt("device_port"); v > 0 {
			m.cfg.DevicePort = v
		}
		if d := deps.Config.GetDuration("refresh_period"); d > 0 {
			m.cfg.RefreshPeriod = d
		}
		if d := deps.Config.GetDuration("busy_refresh_period"); d > 0 {
			m.cfg.BusyRefreshPeriod = d
		}
		if d := deps.Config.GetDuration("request_timeout"); d > 0 {
			m.cfg.RequestTimeout = d
		}
		if d := deps.Config.GetDuration("user_action_timeout"); d > 0 {
			m.cfg.UserActionTimeout = d
		}
		if d := deps.Config.GetDuration("graceful_window"); d > 0 {
			m.cfg.GracefulWindow = d
		}
		if d := deps.Config.GetDuration("busy_timeout"); d > 0 {
			m.cfg.BusyTimeout = d
		}
		if d := deps.Config.GetDuration("unreachable_timeout"); d > 0 {
			m.cfg.UnreachableTimeout = d
		}
		if v := deps.Config.GetInt("refused_threshold"); v > 0 {
			m.cfg.RefusedThreshold = v
		}
		if v := deps.Config.GetInt("max_consecutive_errors"); v > 0 {
			m.cfg.MaxConsecutiveErrors = v
		}
		if v := deps.Config.GetString("results_dir"); v != "" {
			m.cfg.ResultsDir = v
		}
		if v := deps.Config.GetString("cache_dir"); v != "" {
			m.cfg.CacheDir = v
		}
		if d := deps.Config.GetDuration("db_update_interval"); d > 0 {
			m.cfg.DBUpdateInterval = d
		}
		if deps.Config.IsSet("probe_enabled") {
			m.cfg.ProbeEnabled = deps.Config.GetBool("probe_enabled")
		}
	}

	if deps.Modules != nil {
		if mod, ok := deps.Modules.Resolve("roster"); ok {
			if rv, ok := mod.(RosterView); ok {
				m.roster = rv
			}
		}
	}

	cache, err := NewMetadataCache(m.cfg.CacheDir, m.logger.Named("cache"))
	if err != nil {
		return fmt.Errorf("fleet: %w", err)
	}
	m.cache = cache

	client := NewClient(m.logger.Named("client"))
	var probe reachabilityProbe
	if m.cfg.ProbeEnabled {
		probe = NewICMPProbe(m.cfg.RequestTimeout, m.logger.Named("probe"))
	}
	browser := NewZeroconfBrowser(m.cfg.ServiceType, m.cfg.Domain, 30*time.Second, m.logger.Named("mdns"))

	m.scanner = NewScanner(m.cfg, browser, client, cache, probe, m.logger.Named("scanner"))
	m.scanner.SetTransitionObserver(m.onTransition)
	m.scanner.SetIDChangeObserver(m.onIDChange)
	m.scanner.SetDiscoveryObserver(m.onDiscovered)

	m.logger.Info("fleet module initialized",
		zap.String("service_type", m.cfg.ServiceType),
		zap.Duration("refresh_period", m.cfg.RefreshPeriod),
	)
	return nil
}

func (m *Module) Start(_ context.Context) error {
	m.startedAt = time.Now()
	m.scanner.Start(context.Background())
	m.logger.Info("fleet module started")
	return nil
}

func (m *Module) Stop(_ context.Context) error {
	m.logger.Info("fleet module stopping")
	m.scanner.Stop()
	m.logger.Info("fleet module stopped")
	return nil
}

// Health implements module.HealthChecker.
func (m *Module) Health(_ context.Context) module.HealthStatus {
	devices := m.scanner.Snapshot()
	online := 0
	for _, d := range devices {
		if d.Status != models.StatusOffline {
			online++
		}
	}
	return module.HealthStatus{
		Status: "ok",
		Details: map[string]string{
			"devices": fmt.Sprintf("%d", len(devices)),
			"online":  fmt.Sprintf("%d", online),
		},
	}
}

// Scanner exposes the live directory to sibling modules (stream needs
// device addresses).
func (m *Module) Scanner() *Scanner {
	return m.scanner
}

// onDiscovered publishes the discovery event for a device entering the
// directory.
func (m *Module) onDiscovered(info models.DeviceInfo) {
	m.updateStatusGauge()
	m.bus.PublishAsync(context.Background(), module.Event{
		Topic:   TopicDeviceDiscovered,
		Source:  "fleet",
		Payload: info,
	})
}

// onTransition turns a device status change into metrics, a transition
// event, and, when the suppression rules let it through, an alert
// event for the notifier.
func (m *Module) onTransition(info models.DeviceInfo, prev, next *Status) {
	from := models.DeviceStatusName("")
	if prev != nil {
		from = prev.Name
	}

	statusTransitionsTotal.WithLabelValues(string(from), string(next.Name), string(next.Trigger)).Inc()
	m.updateStatusGauge()

	alertable := next.ShouldSendAlert(m.cfg.UnreachableTimeout)
	if alertable {
		alertsEvaluatedTotal.WithLabelValues("alert").Inc()
	} else {
		alertsEvaluatedTotal.WithLabelValues("suppressed").Inc()
	}

	ctx := context.Background()
	m.bus.PublishAsync(ctx, module.Event{
		Topic:  TopicDeviceTransition,
		Source: "fleet",
		Payload: TransitionEvent{
			Device:     info,
			From:       from,
			To:         next.Name,
			Trigger:    next.Trigger,
			Alertable:  alertable,
			StatusInfo: next.ToMap(),
		},
	})

	if !alertable {
		return
	}

	alertType := AlertDeviceStopped
	msg := fmt.Sprintf("device %s stopped unexpectedly (was %s)", info.Name, from)
	if next.Name == models.StatusUnreached ||
		(next.Name == models.StatusOffline && from == models.StatusUnreached) {
		alertType = AlertDeviceUnreachable
		msg = fmt.Sprintf("device %s has been unreachable since %s",
			info.Name, next.UnreachableSince.Format(time.RFC3339))
	}
	m.bus.PublishAsync(ctx, module.Event{
		Topic:  TopicDeviceAlert,
		Source: "fleet",
		Payload: AlertEvent{
			Device:    info,
			AlertType: alertType,
			Status:    next.Name,
			Message:   msg,
		},
	})
}

// onIDChange publishes the re-key event so the roster rewrites the
// persisted record.
func (m *Module) onIDChange(oldID, newID string, info models.DeviceInfo) {
	m.bus.PublishAsync(context.Background(), module.Event{
		Topic:  TopicDeviceIDChanged,
		Source: "fleet",
		Payload: IDChangeEvent{
			OldID:  oldID,
			NewID:  newID,
			Device: info,
		},
	})
}

func (m *Module) updateStatusGauge() {
	counts := make(map[models.DeviceStatusName]int)
	for _, d := range m.scanner.Snapshot() {
		counts[d.Status]++
		if pct, ok := d.BackupStatus.(float64); ok {
			backupProgress.WithLabelValues(d.Name).Set(pct)
		}
	}
	for name := range models.ValidStatusNames {
		devicesByStatus.WithLabelValues(string(name)).Set(float64(counts[name]))
	}
}

// DeviceList merges the live directory over the persisted roster
// records: a record with no live actor appears as an offline entry.
func (m *Module) DeviceList(ctx context.Context) []models.DeviceInfo {
	live := m.scanner.Snapshot()
	if m.roster == nil {
		return live
	}

	seen := make(map[string]bool, len(live))
	for _, d := range live {
		seen[d.ID] = true
	}

	records, err := m.roster.KnownDevices(ctx)
	if err != nil {
		m.logger.Warn("roster overlay unavailable", zap.Error(err))
		return live
	}
	for _, rec := range records {
		if seen[rec.EthoscopeID] || !rec.Active {
			continue
		}
		live = append(live, models.DeviceInfo{
			ID:       rec.EthoscopeID,
			Name:     rec.Name,
			IP:       rec.LastIP,
			Status:   models.StatusOffline,
			LastSeen: rec.LastSeen,
		})
	}
	return live
}
