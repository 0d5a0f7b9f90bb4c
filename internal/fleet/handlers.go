package fleet

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gilestrolab/ethoscope-node/pkg/module"
)

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// writeError writes an RFC 7807 problem detail response.
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
		{Method: "GET", Path: "/devices", Handler: m.handleListDevices},
		{Method: "GET", Path: "/devices/{id}", Handler: m.handleGetDevice},
		{Method: "GET", Path: "/devices/{id}/status", Handler: m.handleDeviceStatus},
		{Method: "POST", Path: "/devices/{id}/controls/{instruction}", Handler: m.handleControl},
		{Method: "POST", Path: "/devices/{id}/settings", Handler: m.handleSettings},
		{Method: "GET", Path: "/devices/{id}/machine-info", Handler: m.handleMachineInfo},
		{Method: "GET", Path: "/devices/{id}/log", Handler: m.handleDeviceLog},
		{Method: "GET", Path: "/devices/{id}/user-options", Handler: m.handleUserOptions},
		{Method: "GET", Path: "/devices/{id}/metadata", Handler: m.handleCachedMetadata},
		{Method: "POST", Path: "/devices/{id}/reset", Handler: m.handleReset},
	}
}

// handleListDevices returns the live directory overlaid on persisted
// roster records.
func (m *Module) handleListDevices(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, m.DeviceList(r.Context()))
}

func (m *Module) handleGetDevice(w http.ResponseWriter, r *http.Request) {
	e := m.scanner.Device(r.PathValue("id"))
	if e == nil {
		writeError(w, http.StatusNotFound, "unknown device")
		return
	}
	writeJSON(w, http.StatusOK, e.Info())
}

// handleDeviceStatus returns the device's current status snapshot
// including the serialisable transition fields.
func (m *Module) handleDeviceStatus(w http.ResponseWriter, r *http.Request) {
	e := m.scanner.Device(r.PathValue("id"))
	if e == nil {
		writeError(w, http.StatusNotFound, "unknown device")
		return
	}
	st := e.CurrentStatus()
	if st == nil {
		writeError(w, http.StatusNotFound, "device has no status yet")
		return
	}
	writeJSON(w, http.StatusOK, st.ToMap())
}

// handleControl validates and dispatches a control instruction. The
// request body, when present, is forwarded to the device verbatim.
func (m *Module) handleControl(w http.ResponseWriter, r *http.Request) {
	e := m.scanner.Device(r.PathValue("id"))
	if e == nil {
		writeError(w, http.StatusNotFound, "unknown device")
		return
	}
	instr := Instruction(r.PathValue("instruction"))

	var payload map[string]any
	if r.Body != nil {
		// Empty bodies are fine; the device gets an empty object.
		_ = json.NewDecoder(r.Body).Decode(&payload)
	}

	err := e.SendInstruction(r.Context(), instr, payload)
	if err != nil {
		instructionsTotal.WithLabelValues(string(instr), "error").Inc()
		var devErr *DeviceError
		if errors.As(err, &devErr) {
			writeError(w, http.StatusConflict, devErr.Error())
			return
		}
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	instructionsTotal.WithLabelValues(string(instr), "ok").Inc()
	writeJSON(w, http.StatusOK, e.Info())
}

func (m *Module) handleSettings(w http.ResponseWriter, r *http.Request) {
	e := m.scanner.Device(r.PathValue("id"))
	if e == nil {
		writeError(w, http.StatusNotFound, "unknown device")
		return
	}
	var settings map[string]any
	if err := json.NewDecoder(r.Body).Decode(&settings); err != nil {
		writeError(w, http.StatusBadRequest, "invalid settings body")
		return
	}
	result, err := e.SendSettings(r.Context(), settings)
	if err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (m *Module) handleMachineInfo(w http.ResponseWriter, r *http.Request) {
	m.proxyDeviceGet(w, r, (*Ethoscope).MachineInfo)
}

func (m *Module) handleDeviceLog(w http.ResponseWriter, r *http.Request) {
	m.proxyDeviceGet(w, r, (*Ethoscope).DeviceLog)
}

func (m *Module) handleUserOptions(w http.ResponseWriter, r *http.Request) {
	m.proxyDeviceGet(w, r, (*Ethoscope).UserOptions)
}

// handleCachedMetadata serves the newest cached experiment metadata for
// a device, the fallback when the device itself cannot be asked.
func (m *Module) handleCachedMetadata(w http.ResponseWriter, r *http.Request) {
	e := m.scanner.Device(r.PathValue("id"))
	if e == nil {
		writeError(w, http.StatusNotFound, "unknown device")
		return
	}
	doc, stamp, err := e.CachedMetadata()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if doc == nil {
		writeError(w, http.StatusNotFound, "no cached metadata")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"stamp": stamp, "metadata": doc})
}

// handleReset releases a skip_scanning latch so polling resumes.
func (m *Module) handleReset(w http.ResponseWriter, r *http.Request) {
	e := m.scanner.Device(r.PathValue("id"))
	if e == nil {
		writeError(w, http.StatusNotFound, "unknown device")
		return
	}
	e.SetSkipScanning(false, "")
	writeJSON(w, http.StatusOK, e.Info())
}

func (m *Module) proxyDeviceGet(w http.ResponseWriter, r *http.Request,
	fetch func(*Ethoscope, context.Context) (map[string]any, error)) {
	e := m.scanner.Device(r.PathValue("id"))
	if e == nil {
		writeError(w, http.StatusNotFound, "unknown device")
		return
	}
	result, err := fetch(e, r.Context())
	if err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, result)
}
