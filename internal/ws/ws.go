// Package ws pushes live device status changes to browsers over
// WebSocket. Browsers authenticate with a JWT query parameter since the
// browser WebSocket API cannot set headers.
package ws

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/gilestrolab/ethoscope-node/internal/auth"
	"github.com/gilestrolab/ethoscope-node/internal/fleet"
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

// tokenSource is what ws needs from the auth module.
type tokenSource interface {
	Tokens() *auth.TokenService
}

// Module implements the live status feed.
type Module struct {
	logger *zap.Logger
	hub    *Hub
	tokens *auth.TokenService

	unsubscribe []func()
}

// New creates the ws module.
func New() *Module {
	return &Module{}
}

func (m *Module) Info() module.Info {
	return module.Info{
		Name:         "ws",
		Version:      "1.0.0",
		Description:  "WebSocket push of live device status changes",
		Dependencies: []string{"fleet", "auth"},
		Required:     false,
		APIVersion:   module.APIVersionCurrent,
	}
}

func (m *Module) Init(_ context.Context, deps module.Dependencies) error {
	m.logger = deps.Logger
	m.hub = NewHub(m.logger)

	if deps.Modules != nil {
		if mod, ok := deps.Modules.Resolve("auth"); ok {
			if ts, ok := mod.(tokenSource); ok {
				m.tokens = ts.Tokens()
			}
		}
	}
	if m.tokens == nil {
		return fmt.Errorf("ws module requires the auth module")
	}

	m.unsubscribe = []func(){
		deps.Bus.Subscribe(fleet.TopicDeviceDiscovered, m.onDiscovered),
		deps.Bus.Subscribe(fleet.TopicDeviceTransition, m.onTransition),
		deps.Bus.Subscribe(fleet.TopicDeviceAlert, m.onAlert),
		deps.Bus.Subscribe(fleet.TopicDeviceIDChanged, m.onIDChanged),
	}

	m.logger.Info("ws module initialized")
	return nil
}

func (m *Module) Start(_ context.Context) error { return nil }

func (m *Module) Stop(_ context.Context) error {
	for _, unsub := range m.unsubscribe {
		unsub()
	}
	return nil
}

// Health implements module.HealthChecker.
func (m *Module) Health(_ context.Context) module.HealthStatus {
	return module.HealthStatus{
		Status: "ok",
		Details: map[string]string{
			"clients": fmt.Sprintf("%d", m.hub.ClientCount()),
		},
	}
}

// Routes implements module.HTTPProvider.
func (m *Module) Routes() []module.Route {
	return []module.Route{
		{Method: "GET", Path: "/ws/status", Handler: m.handleStatusFeed},
	}
}

// handleStatusFeed upgrades the connection and streams status messages
// until the browser leaves.
func (m *Module) handleStatusFeed(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" {
		http.Error(w, "missing token parameter", http.StatusUnauthorized)
		return
	}
	claims, err := m.tokens.ValidateAccessToken(token)
	if err != nil {
		http.Error(w, "invalid or expired token", http.StatusUnauthorized)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		// Origin is not checked; the JWT is the gate.
		InsecureSkipVerify: true,
	})
	if err != nil {
		m.logger.Error("websocket accept failed", zap.Error(err))
		return
	}

	c := &client{
		conn: conn,
		user: claims.Username,
		send: make(chan Message, sendBuffer),
	}
	m.hub.register(c)

	ctx := r.Context()
	done := make(chan struct{})
	go func() {
		c.writePump(ctx, m.logger)
		close(done)
	}()

	c.readPump(ctx)

	m.hub.unregister(c)
	conn.Close(websocket.StatusNormalClosure, "")
	<-done
}

func (m *Module) onDiscovered(_ context.Context, ev module.Event) {
	info, ok := ev.Payload.(models.DeviceInfo)
	if !ok {
		return
	}
	m.hub.Broadcast(Message{
		Type:      MessageDeviceDiscovered,
		DeviceID:  info.ID,
		Timestamp: time.Now().UTC(),
		Data:      info,
	})
}

func (m *Module) onTransition(_ context.Context, ev module.Event) {
	tr, ok := ev.Payload.(fleet.TransitionEvent)
	if !ok {
		return
	}
	m.hub.Broadcast(Message{
		Type:      MessageDeviceTransition,
		DeviceID:  tr.Device.ID,
		Timestamp: time.Now().UTC(),
		Data: DeviceTransitionData{
			Device:    tr.Device,
			From:      tr.From,
			To:        tr.To,
			Trigger:   tr.Trigger,
			Alertable: tr.Alertable,
		},
	})
}

func (m *Module) onAlert(_ context.Context, ev module.Event) {
	alert, ok := ev.Payload.(fleet.AlertEvent)
	if !ok {
		return
	}
	m.hub.Broadcast(Message{
		Type:      MessageDeviceAlert,
		DeviceID:  alert.Device.ID,
		Timestamp: time.Now().UTC(),
		Data: DeviceAlertData{
			AlertType: alert.AlertType,
			Message:   alert.Message,
		},
	})
}

func (m *Module) onIDChanged(_ context.Context, ev module.Event) {
	ch, ok := ev.Payload.(fleet.IDChangeEvent)
	if !ok {
		return
	}
	m.hub.Broadcast(Message{
		Type:      MessageDeviceIDChanged,
		DeviceID:  ch.NewID,
		Timestamp: time.Now().UTC(),
		Data: DeviceIDChangedData{
			OldID: ch.OldID,
			NewID: ch.NewID,
		},
	})
}
