package roster

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gilestrolab/ethoscope-node/pkg/models"
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
		{Method: "PUT", Path: "/devices/{id}", Handler: m.handleUpdateDevice},
		{Method: "GET", Path: "/runs", Handler: m.handleListRuns},
		{Method: "GET", Path: "/runs/{id}", Handler: m.handleGetRun},
		{Method: "POST", Path: "/runs/{id}/problems", Handler: m.handleFlagProblem},
		{Method: "GET", Path: "/users", Handler: m.handleListUsers},
		{Method: "POST", Path: "/users", Handler: m.handleCreateUser},
		{Method: "PUT", Path: "/users/{id}", Handler: m.handleUpdateUser},
		{Method: "DELETE", Path: "/users/{id}", Handler: m.handleDeactivateUser},
		{Method: "GET", Path: "/incubators", Handler: m.handleListIncubators},
		{Method: "POST", Path: "/incubators", Handler: m.handleUpsertIncubator},
		{Method: "DELETE", Path: "/incubators/{id}", Handler: m.handleDeleteIncubator},
	}
}

func (m *Module) handleListDevices(w http.ResponseWriter, r *http.Request) {
	devices, err := m.store.KnownDevices(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if devices == nil {
		devices = []models.EthoscopeRecord{}
	}
	writeJSON(w, http.StatusOK, devices)
}

func (m *Module) handleUpdateDevice(w http.ResponseWriter, r *http.Request) {
	var rec models.EthoscopeRecord
	if err := json.NewDecoder(r.Body).Decode(&rec); err != nil {
		writeError(w, http.StatusBadRequest, "invalid device body")
		return
	}
	rec.EthoscopeID = r.PathValue("id")
	rec.LastSeen = time.Now().UTC()
	if err := m.store.UpdateEthoscope(r.Context(), rec); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (m *Module) handleListRuns(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	runs, err := m.store.ListRuns(r.Context(), r.URL.Query().Get("device"), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if runs == nil {
		runs = []models.Run{}
	}
	writeJSON(w, http.StatusOK, runs)
}

func (m *Module) handleGetRun(w http.ResponseWriter, r *http.Request) {
	run, err := m.store.GetRun(r.Context(), r.PathValue("id"))
	if errors.Is(err, ErrNotFound) {
		writeError(w, http.StatusNotFound, "unknown run")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (m *Module) handleFlagProblem(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Problem string `json:"problem"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Problem == "" {
		writeError(w, http.StatusBadRequest, "problem text required")
		return
	}
	err := m.store.FlagProblem(r.Context(), r.PathValue("id"), body.Problem)
	if errors.Is(err, ErrNotFound) {
		writeError(w, http.StatusNotFound, "unknown run")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (m *Module) handleListUsers(w http.ResponseWriter, r *http.Request) {
	users, err := m.store.ListUsers(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if users == nil {
		users = []models.User{}
	}
	writeJSON(w, http.StatusOK, users)
}

type userRequest struct {
	models.User
	PIN string `json:"pin"`
}

func (m *Module) handleCreateUser(w http.ResponseWriter, r *http.Request) {
	var req userRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid user body")
		return
	}
	user, err := m.store.CreateUser(r.Context(), req.User, req.PIN)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, user)
}

func (m *Module) handleUpdateUser(w http.ResponseWriter, r *http.Request) {
	var req userRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid user body")
		return
	}
	req.ID = r.PathValue("id")
	err := m.store.UpdateUser(r.Context(), req.User, req.PIN)
	if errors.Is(err, ErrNotFound) {
		writeError(w, http.StatusNotFound, "unknown user")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, req.User)
}

func (m *Module) handleDeactivateUser(w http.ResponseWriter, r *http.Request) {
	err := m.store.DeactivateUser(r.Context(), r.PathValue("id"))
	if errors.Is(err, ErrNotFound) {
		writeError(w, http.StatusNotFound, "unknown user")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (m *Module) handleListIncubators(w http.ResponseWriter, r *http.Request) {
	incubators, err := m.store.ListIncubators(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if incubators == nil {
		incubators = []models.Incubator{}
	}
	writeJSON(w, http.StatusOK, incubators)
}

func (m *Module) handleUpsertIncubator(w http.ResponseWriter, r *http.Request) {
	var inc models.Incubator
	if err := json.NewDecoder(r.Body).Decode(&inc); err != nil {
		writeError(w, http.StatusBadRequest, "invalid incubator body")
		return
	}
	inc, err := m.store.UpsertIncubator(r.Context(), inc)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, inc)
}

func (m *Module) handleDeleteIncubator(w http.ResponseWriter, r *http.Request) {
	err := m.store.DeleteIncubator(r.Context(), r.PathValue("id"))
	if errors.Is(err, ErrNotFound) {
		writeError(w, http.StatusNotFound, "unknown incubator")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
