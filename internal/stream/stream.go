// Package stream relays live camera frames from device sockets to
// browsers as MJPEG. Each device has at most one upstream connection
// regardless of how many viewers are watching it.
package stream

import (
	"context"
	"fmt"

	"github.com/gilestrolab/ethoscope-node/internal/fleet"
	"github.com/gilestrolab/ethoscope-node/pkg/module"
	"go.uber.org/zap"
)

// Compile-time interface guards.
var (
	_ module.Module        = (*Module)(nil)
	_ module.HTTPProvider  = (*Module)(nil)
	_ module.HealthChecker = (*Module)(nil)
)

// deviceDirectory is what the stream needs from the fleet module:
// resolving a device id to its live actor for the address lookup.
type deviceDirectory interface {
	Scanner() *fleet.Scanner
}

// Module implements the MJPEG streaming module.
type Module struct {
	logger  *zap.Logger
	cfg     Config
	manager *Manager
	fleet   deviceDirectory
}

// New creates the stream module.
func New() *Module {
	return &Module{}
}

func (m *Module) Info() module.Info {
	return module.Info{
		Name:         "stream",
		Version:      "1.0.0",
		Description:  "MJPEG relay for live device camera feeds",
		Dependencies: []string{"fleet"},
		Required:     false,
		APIVersion:   module.APIVersionCurrent,
	}
}

func (m *Module) Init(_ context.Context, deps module.Dependencies) error {
	m.logger = deps.Logger

	m.cfg = DefaultConfig()
	if deps.Config != nil {
		if v := deps.Config.GetInt("device_port"); v > 0 {
			m.cfg.DevicePort = v
		}
		if v := deps.Config.GetInt("queue_depth"); v > 0 {
			m.cfg.QueueDepth = v
		}
		if d := deps.Config.GetDuration("get_timeout"); d > 0 {
			m.cfg.GetTimeout = d
		}
		if d := deps.Config.GetDuration("grace_period"); d > 0 {
			m.cfg.GracePeriod = d
		}
		if d := deps.Config.GetDuration("dial_timeout"); d > 0 {
			m.cfg.DialTimeout = d
		}
	}

	if deps.Modules != nil {
		if mod, ok := deps.Modules.Resolve("fleet"); ok {
			if dir, ok := mod.(deviceDirectory); ok {
				m.fleet = dir
			}
		}
	}
	if m.fleet == nil {
		return fmt.Errorf("stream module requires the fleet module")
	}

	m.manager = NewManager(m.cfg, m.logger)
	m.logger.Info("stream module initialized")
	return nil
}

func (m *Module) Start(_ context.Context) error {
	m.logger.Info("stream module started")
	return nil
}

func (m *Module) Stop(_ context.Context) error {
	m.manager.Shutdown()
	m.logger.Info("stream module stopped")
	return nil
}

// Health implements module.HealthChecker.
func (m *Module) Health(_ context.Context) module.HealthStatus {
	return module.HealthStatus{
		Status: "ok",
		Details: map[string]string{
			"subscribers": fmt.Sprintf("%d", m.manager.SubscriberCount()),
		},
	}
}
