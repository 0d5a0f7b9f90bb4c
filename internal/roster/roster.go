// Package roster is the persistent registry: devices, users,
// incubators, acquisition runs, and the alert log live here. It listens
// to fleet events to keep device records and run rows in step with what
// the scanner observes.
package roster

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gilestrolab/ethoscope-node/internal/fleet"
	"github.com/gilestrolab/ethoscope-node/pkg/models"
	"github.com/gilestrolab/ethoscope-node/pkg/module"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Compile-time interface guards.
var (
	_ module.Module        = (*Module)(nil)
	_ module.HTTPProvider  = (*Module)(nil)
	_ module.HealthChecker = (*Module)(nil)
	_ fleet.RosterView     = (*Module)(nil)
)

// Module implements the roster registry module.
type Module struct {
	logger     *zap.Logger
	store      *RosterStore
	bus        module.EventBus
	cleanupCfg CleanupConfig

	legacyUsersPath string

	unsubscribe []func()
	wg          sync.WaitGroup
	stopCh      chan struct{}
}

// New creates the roster module.
func New() *Module {
	return &Module{}
}

func (m *Module) Info() module.Info {
	return module.Info{
		Name:        "roster",
		Version:     "1.0.0",
		Description: "Persistent device, user, run and alert registry",
		Required:    true,
		APIVersion:  module.APIVersionCurrent,
	}
}

func (m *Module) Init(ctx context.Context, deps module.Dependencies) error {
	m.logger = deps.Logger
	m.bus = deps.Bus
	m.stopCh = make(chan struct{})

	m.cleanupCfg = DefaultCleanupConfig()
	if deps.Config != nil {
		if d := deps.Config.GetDuration("cleanup_interval"); d > 0 {
			m.cleanupCfg.Interval = d
		}
		if d := deps.Config.GetDuration("retire_after"); d > 0 {
			m.cleanupCfg.RetireAfter = d
		}
		if d := deps.Config.GetDuration("stuck_after"); d > 0 {
			m.cleanupCfg.StuckAfter = d
		}
		if deps.Config.IsSet("retire_enabled") {
			m.cleanupCfg.RetireEnabled = deps.Config.GetBool("retire_enabled")
		}
		m.legacyUsersPath = deps.Config.GetString("legacy_users_path")
	}

	if err := deps.Store.Migrate(ctx, "roster", migrations(m.legacyUsersPath)); err != nil {
		return fmt.Errorf("roster migrations: %w", err)
	}
	m.store = NewRosterStore(deps.Store.DB())

	m.unsubscribe = []func(){
		deps.Bus.Subscribe(fleet.TopicDeviceDiscovered, m.onDeviceDiscovered),
		deps.Bus.Subscribe(fleet.TopicDeviceTransition, m.onDeviceTransition),
		deps.Bus.Subscribe(fleet.TopicDeviceIDChanged, m.onDeviceIDChanged),
	}

	m.logger.Info("roster module initialized")
	return nil
}

func (m *Module) Start(_ context.Context) error {
	m.wg.Add(1)
	go m.cleanupLoop()
	m.logger.Info("roster module started")
	return nil
}

func (m *Module) Stop(_ context.Context) error {
	close(m.stopCh)
	for _, unsub := range m.unsubscribe {
		unsub()
	}
	m.wg.Wait()
	m.logger.Info("roster module stopped")
	return nil
}

// Health implements module.HealthChecker.
func (m *Module) Health(ctx context.Context) module.HealthStatus {
	devices, err := m.store.KnownDevices(ctx)
	if err != nil {
		return module.HealthStatus{Status: "unhealthy", Message: err.Error()}
	}
	return module.HealthStatus{
		Status:  "ok",
		Details: map[string]string{"devices": fmt.Sprintf("%d", len(devices))},
	}
}

// Store exposes the registry to sibling modules (auth verifies PINs,
// notify logs alerts).
func (m *Module) Store() *RosterStore {
	return m.store
}

// KnownDevices implements fleet.RosterView.
func (m *Module) KnownDevices(ctx context.Context) ([]models.EthoscopeRecord, error) {
	return m.store.KnownDevices(ctx)
}

func (m *Module) cleanupLoop() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.cleanupCfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.runCleanup(context.Background())
		}
	}
}

// onDeviceDiscovered persists the record of a newly seen device. The
// factory placeholder name is rejected by the store: such a device
// stays visible live but never enters the registry.
func (m *Module) onDeviceDiscovered(ctx context.Context, ev module.Event) {
	info, ok := ev.Payload.(models.DeviceInfo)
	if !ok {
		return
	}
	if info.ID == "" {
		return
	}
	err := m.store.UpdateEthoscope(ctx, models.EthoscopeRecord{
		EthoscopeID: info.ID,
		Name:        info.Name,
		LastIP:      info.IP,
		Active:      true,
		LastSeen:    time.Now().UTC(),
	})
	if err != nil {
		m.logger.Debug("device not persisted", zap.String("device", info.Name), zap.Error(err))
	}
}

// onDeviceTransition keeps the device record fresh and drives the run
// lifecycle from status changes.
func (m *Module) onDeviceTransition(ctx context.Context, ev module.Event) {
	tr, ok := ev.Payload.(fleet.TransitionEvent)
	if !ok {
		return
	}
	if tr.Device.ID == "" {
		return
	}

	if err := m.store.UpdateEthoscope(ctx, models.EthoscopeRecord{
		EthoscopeID: tr.Device.ID,
		Name:        tr.Device.Name,
		LastIP:      tr.Device.IP,
		Active:      true,
		LastSeen:    time.Now().UTC(),
	}); err != nil {
		m.logger.Debug("device record not updated", zap.String("device", tr.Device.Name), zap.Error(err))
	}

	switch {
	case isActiveRunState(tr.To):
		m.ensureRun(ctx, tr)
	case isActiveRunState(tr.From) &&
		(tr.To == models.StatusStopped || tr.To == models.StatusOffline):
		m.closeRun(ctx, tr)
	}
}

func isActiveRunState(name models.DeviceStatusName) bool {
	return name == models.StatusRunning || name == models.StatusRecording
}

// ensureRun opens a run row for a device entering an active state,
// unless one is already open.
func (m *Module) ensureRun(ctx context.Context, tr fleet.TransitionEvent) {
	_, err := m.store.ActiveRun(ctx, tr.Device.ID)
	if err == nil {
		return
	}
	if !errors.Is(err, ErrNotFound) {
		m.logger.Warn("active run lookup failed", zap.String("device", tr.Device.Name), zap.Error(err))
		return
	}

	run := models.Run{
		RunID:         runIDFrom(tr.Device),
		EthoscopeID:   tr.Device.ID,
		EthoscopeName: tr.Device.Name,
		StartedAt:     time.Now().UTC(),
		Status:        models.RunRunning,
	}
	if tr.To == models.StatusRecording {
		run.ExperimentType = "recording"
	}
	if exp, ok := tr.Device.Attributes["experimental_info"].(map[string]any); ok {
		if v, ok := exp["name"].(string); ok {
			run.UserName = v
		}
		if v, ok := exp["location"].(string); ok {
			run.Location = v
		}
	}

	if err := m.store.AddRun(ctx, run); err != nil {
		m.logger.Warn("run not recorded", zap.String("device", tr.Device.Name), zap.Error(err))
		return
	}
	m.logger.Info("run started",
		zap.String("device", tr.Device.Name),
		zap.String("run_id", run.RunID),
	)
}

// closeRun stops the device's open run and, when the transition was an
// unexpected interruption, flags the problem on the row.
func (m *Module) closeRun(ctx context.Context, tr fleet.TransitionEvent) {
	run, err := m.store.ActiveRun(ctx, tr.Device.ID)
	if errors.Is(err, ErrNotFound) {
		return
	}
	if err != nil {
		m.logger.Warn("active run lookup failed", zap.String("device", tr.Device.Name), zap.Error(err))
		return
	}

	if err := m.store.StopRun(ctx, run.RunID, time.Now().UTC()); err != nil {
		m.logger.Warn("run not stopped", zap.String("run_id", run.RunID), zap.Error(err))
		return
	}
	if tr.Alertable {
		problem := fmt.Sprintf("interrupted: device went %s (trigger %s)", tr.To, tr.Trigger)
		if err := m.store.FlagProblem(ctx, run.RunID, problem); err != nil {
			m.logger.Warn("problem not flagged", zap.String("run_id", run.RunID), zap.Error(err))
		}
	}
	m.logger.Info("run stopped",
		zap.String("device", tr.Device.Name),
		zap.String("run_id", run.RunID),
		zap.Bool("interrupted", tr.Alertable),
	)
}

// onDeviceIDChanged rewrites the registry when a device reappears under
// a new id.
func (m *Module) onDeviceIDChanged(ctx context.Context, ev module.Event) {
	ch, ok := ev.Payload.(fleet.IDChangeEvent)
	if !ok {
		return
	}
	rec := models.EthoscopeRecord{
		EthoscopeID: ch.NewID,
		Name:        ch.Device.Name,
		LastIP:      ch.Device.IP,
		Active:      true,
		LastSeen:    time.Now().UTC(),
	}
	var err error
	if ch.OldID == "" {
		err = m.store.UpdateEthoscope(ctx, rec)
	} else {
		err = m.store.RenameEthoscope(ctx, ch.OldID, rec)
	}
	if err != nil {
		m.logger.Warn("id change not persisted",
			zap.String("old_id", ch.OldID),
			zap.String("new_id", ch.NewID),
			zap.Error(err),
		)
	}
}

// runIDFrom prefers the device-reported run id so node and device agree
// on the session identity.
func runIDFrom(info models.DeviceInfo) string {
	if exp, ok := info.Attributes["experimental_info"].(map[string]any); ok {
		if v, ok := exp["run_id"].(string); ok && v != "" {
			return v
		}
	}
	return uuid.NewString()
}
