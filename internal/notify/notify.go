// Package notify turns fleet alert events into outbound notifications.
// The registry's alert log keeps a (device, type, run) triple per sent
// alert so a flapping device does not re-notify within the same run.
package notify

import (
	"context"
	"fmt"
	"io/fs"
	"path/filepath"
	"sync"
	"time"

	"github.com/gilestrolab/ethoscope-node/internal/fleet"
	"github.com/gilestrolab/ethoscope-node/internal/roster"
	"github.com/gilestrolab/ethoscope-node/pkg/models"
	"github.com/gilestrolab/ethoscope-node/pkg/module"
	"go.uber.org/zap"
)

// Compile-time interface guards.
var (
	_ module.Module        = (*Module)(nil)
	_ module.HealthChecker = (*Module)(nil)
)

// AlertLog is what the dispatcher needs from the roster module.
// Defined consumer-side; the roster store implements it.
type AlertLog interface {
	HasAlertBeenSent(ctx context.Context, deviceID, alertType, runID string) (bool, error)
	LogAlert(ctx context.Context, rec models.AlertRecord) error
	ListRuns(ctx context.Context, deviceID string, limit int) ([]models.Run, error)
}

// rosterModule is the shape of the module resolved from the registry.
type rosterModule interface {
	Store() *roster.RosterStore
}

// Config holds the notify module configuration.
type Config struct {
	Enabled bool
	Webhook WebhookConfig

	// Storage monitoring of the results directory.
	ResultsDir       string
	StorageLimit     int64
	StorageInterval  time.Duration
	StorageAlertType string
}

// DefaultConfig returns the notify defaults. Storage monitoring stays
// off until a limit is configured.
func DefaultConfig() Config {
	return Config{
		Enabled: true,
		Webhook: WebhookConfig{
			Timeout: 10 * time.Second,
		},
		StorageInterval:  time.Hour,
		StorageAlertType: "storage_warning",
	}
}

// Module implements the alert dispatch module.
type Module struct {
	logger   *zap.Logger
	cfg      Config
	notifier Notifier
	log      AlertLog

	unsubscribe []func()
	wg          sync.WaitGroup
	stopCh      chan struct{}

	mu        sync.Mutex
	delivered int
	dropped   int
}

// New creates the notify module.
func New() *Module {
	return &Module{}
}

// SetNotifier replaces the delivery channel. Call before Start.
func (m *Module) SetNotifier(n Notifier) {
	m.notifier = n
}

func (m *Module) Info() module.Info {
	return module.Info{
		Name:         "notify",
		Version:      "1.0.0",
		Description:  "Alert dispatch with per-run dedup and webhook delivery",
		Dependencies: []string{"fleet", "roster"},
		Required:     false,
		APIVersion:   module.APIVersionCurrent,
	}
}

func (m *Module) Init(_ context.Context, deps module.Dependencies) error {
	m.logger = deps.Logger
	m.stopCh = make(chan struct{})

	m.cfg = DefaultConfig()
	if deps.Config != nil {
		if deps.Config.IsSet("enabled") {
			m.cfg.Enabled = deps.Config.GetBool("enabled")
		}
		if v := deps.Config.GetString("webhook_url"); v != "" {
			m.cfg.Webhook.URL = v
		}
		if v := deps.Config.GetString("webhook_secret"); v != "" {
			m.cfg.Webhook.Secret = v
		}
		if d := deps.Config.GetDuration("webhook_timeout"); d > 0 {
			m.cfg.Webhook.Timeout = d
		}
		if v := deps.Config.GetString("results_dir"); v != "" {
			m.cfg.ResultsDir = v
		}
		if v := deps.Config.GetInt("storage_limit_mb"); v > 0 {
			m.cfg.StorageLimit = int64(v) << 20
		}
		if d := deps.Config.GetDuration("storage_interval"); d > 0 {
			m.cfg.StorageInterval = d
		}
	}

	if deps.Modules != nil {
		if mod, ok := deps.Modules.Resolve("roster"); ok {
			if rm, ok := mod.(rosterModule); ok {
				m.log = rm.Store()
			}
		}
	}
	if m.log == nil {
		return fmt.Errorf("notify module requires the roster module")
	}

	if m.notifier == nil {
		m.notifier = NewWebhookNotifier(m.cfg.Webhook)
	}
	if m.cfg.Webhook.URL == "" && m.notifier.Type() == "webhook" {
		m.logger.Warn("webhook URL not configured; alerts will be dropped")
	}

	m.unsubscribe = []func(){
		deps.Bus.Subscribe(fleet.TopicDeviceAlert, m.onDeviceAlert),
	}

	m.logger.Info("notify module initialized",
		zap.String("channel", m.notifier.Type()),
		zap.Bool("enabled", m.cfg.Enabled),
	)
	return nil
}

func (m *Module) Start(_ context.Context) error {
	if m.cfg.StorageLimit > 0 && m.cfg.ResultsDir != "" {
		m.wg.Add(1)
		go m.storageLoop()
	}
	m.logger.Info("notify module started")
	return nil
}

func (m *Module) Stop(_ context.Context) error {
	close(m.stopCh)
	for _, unsub := range m.unsubscribe {
		unsub()
	}
	m.wg.Wait()
	m.logger.Info("notify module stopped")
	return nil
}

// Health implements module.HealthChecker.
func (m *Module) Health(_ context.Context) module.HealthStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return module.HealthStatus{
		Status: "ok",
		Details: map[string]string{
			"delivered": fmt.Sprintf("%d", m.delivered),
			"deduped":   fmt.Sprintf("%d", m.dropped),
		},
	}
}

// onDeviceAlert dispatches an alert event unless the same (device,
// type, run) triple has already been sent.
func (m *Module) onDeviceAlert(ctx context.Context, ev module.Event) {
	alert, ok := ev.Payload.(fleet.AlertEvent)
	if !ok || !m.cfg.Enabled {
		return
	}

	runID := m.runIDFor(ctx, alert.Device)
	sent, err := m.log.HasAlertBeenSent(ctx, alert.Device.ID, alert.AlertType, runID)
	if err != nil {
		m.logger.Warn("alert dedup lookup failed",
			zap.String("device", alert.Device.Name),
			zap.Error(err),
		)
		return
	}
	if sent {
		m.mu.Lock()
		m.dropped++
		m.mu.Unlock()
		m.logger.Debug("alert already sent for this run",
			zap.String("device", alert.Device.Name),
			zap.String("alert_type", alert.AlertType),
			zap.String("run_id", runID),
		)
		return
	}

	payload := Alert{
		DeviceID:   alert.Device.ID,
		DeviceName: alert.Device.Name,
		RunID:      runID,
		Message:    alert.Message,
		When:       time.Now().UTC(),
	}
	switch alert.AlertType {
	case fleet.AlertDeviceUnreachable:
		err = m.notifier.SendDeviceUnreachableAlert(ctx, payload)
	default:
		err = m.notifier.SendDeviceStoppedAlert(ctx, payload)
	}
	if err != nil {
		m.logger.Warn("alert delivery failed",
			zap.String("device", alert.Device.Name),
			zap.String("alert_type", alert.AlertType),
			zap.Error(err),
		)
		return
	}

	m.mu.Lock()
	m.delivered++
	m.mu.Unlock()

	if err := m.log.LogAlert(ctx, models.AlertRecord{
		DeviceID:   alert.Device.ID,
		AlertType:  alert.AlertType,
		RunID:      runID,
		Message:    alert.Message,
		Recipients: m.notifier.Type(),
	}); err != nil {
		m.logger.Warn("alert not logged", zap.String("device", alert.Device.Name), zap.Error(err))
	}
	m.logger.Info("alert delivered",
		zap.String("device", alert.Device.Name),
		zap.String("alert_type", alert.AlertType),
		zap.String("run_id", runID),
	)
}

// runIDFor ties the alert to the device's current run so the dedup
// resets when a new experiment starts. The device-reported id wins;
// otherwise the most recent registry run is used.
func (m *Module) runIDFor(ctx context.Context, info models.DeviceInfo) string {
	if exp, ok := info.Attributes["experimental_info"].(map[string]any); ok {
		if v, ok := exp["run_id"].(string); ok && v != "" {
			return v
		}
	}
	runs, err := m.log.ListRuns(ctx, info.ID, 1)
	if err == nil && len(runs) > 0 {
		return runs[0].RunID
	}
	return ""
}

func (m *Module) storageLoop() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.cfg.StorageInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.checkStorage(context.Background())
		}
	}
}

// checkStorage warns once per day when the results directory grows past
// the configured limit.
func (m *Module) checkStorage(ctx context.Context) {
	used, err := dirSize(m.cfg.ResultsDir)
	if err != nil {
		m.logger.Warn("storage check failed", zap.Error(err))
		return
	}
	if used <= m.cfg.StorageLimit {
		return
	}

	// One warning per day: the date is the dedup run id.
	day := time.Now().UTC().Format("2006-01-02")
	sent, err := m.log.HasAlertBeenSent(ctx, "node", m.cfg.StorageAlertType, day)
	if err != nil || sent {
		return
	}

	msg := fmt.Sprintf("results directory %s holds %d MB, limit %d MB",
		m.cfg.ResultsDir, used>>20, m.cfg.StorageLimit>>20)
	if err := m.notifier.SendStorageWarningAlert(ctx, Alert{
		Message: msg,
		When:    time.Now().UTC(),
	}); err != nil {
		m.logger.Warn("storage warning delivery failed", zap.Error(err))
		return
	}
	if err := m.log.LogAlert(ctx, models.AlertRecord{
		DeviceID:   "node",
		AlertType:  m.cfg.StorageAlertType,
		RunID:      day,
		Message:    msg,
		Recipients: m.notifier.Type(),
	}); err != nil {
		m.logger.Warn("storage warning not logged", zap.Error(err))
	}
	m.logger.Warn("storage warning", zap.String("message", msg))
}

func dirSize(root string) (int64, error) {
	var total int64
	err := filepath.WalkDir(root, func(_ string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		total += info.Size()
		return nil
	})
	return total, err
}
