package stream

import (
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strconv"

	"github.com/gilestrolab/ethoscope-node/pkg/module"
	"go.uber.org/zap"
)

func writeError(w http.ResponseWriter, status int, detail string) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"title":  http.StatusText(status),
		"status": status,
		"detail": detail,
	})
}

// Routes implements module.HTTPProvider.
func (m *Module) Routes() []module.Route {
	return []module.Route{
		{Method: "GET", Path: "/stream/{id}", Handler: m.handleStream},
	}
}

// handleStream serves a device's camera feed as multipart MJPEG. The
// connection stays open until the client leaves or the upstream stops.
func (m *Module) handleStream(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	device := m.fleet.Scanner().Device(id)
	if device == nil {
		writeError(w, http.StatusNotFound, "unknown device")
		return
	}
	if device.IP() == "" {
		writeError(w, http.StatusConflict, "device has no address")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	addr := net.JoinHostPort(device.IP(), strconv.Itoa(m.cfg.DevicePort))
	sub, err := m.manager.Subscribe(r.Context(), id, addr)
	if err != nil {
		writeError(w, http.StatusBadGateway, fmt.Sprintf("device stream unavailable: %v", err))
		return
	}
	defer m.manager.Unsubscribe(sub)

	w.Header().Set("Content-Type", "multipart/x-mixed-replace; boundary="+m.cfg.Boundary)
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)

	for {
		part, err := sub.Next(r.Context())
		if err != nil {
			return
		}
		if _, err := w.Write(part); err != nil {
			m.logger.Debug("viewer gone",
				zap.String("device", id),
				zap.Error(err),
			)
			return
		}
		flusher.Flush()
	}
}
