// Package auth issues JWT session tokens after PIN verification
// against the roster and guards the API with bearer-token middleware.
package auth

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gilestrolab/ethoscope-node/internal/roster"
	"github.com/gilestrolab/ethoscope-node/pkg/module"
	"go.uber.org/zap"
)

// Compile-time interface guards.
var (
	_ module.Module       = (*Module)(nil)
	_ module.HTTPProvider = (*Module)(nil)
)

// userVerifier is what auth needs from the roster module.
type userVerifier interface {
	Store() *roster.RosterStore
}

// Module implements the authentication module.
type Module struct {
	logger *zap.Logger
	tokens *TokenService
	roster *roster.RosterStore
}

// New creates the auth module.
func New() *Module {
	return &Module{}
}

func (m *Module) Info() module.Info {
	return module.Info{
		Name:         "auth",
		Version:      "1.0.0",
		Description:  "PIN login and JWT session tokens",
		Dependencies: []string{"roster"},
		Required:     false,
		APIVersion:   module.APIVersionCurrent,
	}
}

func (m *Module) Init(_ context.Context, deps module.Dependencies) error {
	m.logger = deps.Logger

	var secret []byte
	accessTTL := 12 * time.Hour
	if deps.Config != nil {
		if v := deps.Config.GetString("jwt_secret"); v != "" {
			secret = []byte(v)
		}
		if d := deps.Config.GetDuration("access_ttl"); d > 0 {
			accessTTL = d
		}
	}
	if len(secret) == 0 {
		// Ephemeral secret: sessions do not survive a restart.
		secret = make([]byte, 32)
		if _, err := rand.Read(secret); err != nil {
			return fmt.Errorf("generate jwt secret: %w", err)
		}
		m.logger.Warn("jwt_secret not configured, using an ephemeral secret")
	}
	m.tokens = NewTokenService(secret, accessTTL)

	if deps.Modules != nil {
		if mod, ok := deps.Modules.Resolve("roster"); ok {
			if rv, ok := mod.(userVerifier); ok {
				m.roster = rv.Store()
			}
		}
	}
	if m.roster == nil {
		return fmt.Errorf("auth module requires the roster module")
	}

	m.logger.Info("auth module initialized", zap.Duration("access_ttl", accessTTL))
	return nil
}

func (m *Module) Start(_ context.Context) error { return nil }
func (m *Module) Stop(_ context.Context) error  { return nil }

// Tokens exposes the token service so the server can install the
// middleware and the ws module can validate query-param tokens.
func (m *Module) Tokens() *TokenService {
	return m.tokens
}

// Routes implements module.HTTPProvider.
func (m *Module) Routes() []module.Route {
	return []module.Route{
		{Method: "POST", Path: "/login", Handler: m.handleLogin},
		{Method: "GET", Path: "/me", Handler: m.handleMe},
	}
}

type loginRequest struct {
	Username string `json:"username"`
	PIN      string `json:"pin"`
}

type loginResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
	Username  string    `json:"username"`
	IsAdmin   bool      `json:"is_admin"`
}

func (m *Module) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Username == "" {
		writeAuthError(w, http.StatusBadRequest, "username and pin required")
		return
	}

	user, err := m.roster.VerifyUserPIN(r.Context(), req.Username, req.PIN)
	if err != nil {
		m.logger.Info("login rejected", zap.String("username", req.Username))
		writeAuthError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}

	token, expires, err := m.tokens.IssueAccessToken(user.ID, user.Name, user.IsAdmin)
	if err != nil {
		writeAuthError(w, http.StatusInternalServerError, "token issuance failed")
		return
	}

	m.logger.Info("login succeeded", zap.String("username", user.Name))
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(loginResponse{
		Token:     token,
		ExpiresAt: expires,
		Username:  user.Name,
		IsAdmin:   user.IsAdmin,
	})
}

func (m *Module) handleMe(w http.ResponseWriter, r *http.Request) {
	claims := UserFromContext(r.Context())
	if claims == nil {
		writeAuthError(w, http.StatusUnauthorized, "not authenticated")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"user_id":  claims.UserID,
		"username": claims.Username,
		"is_admin": claims.IsAdmin,
	})
}
