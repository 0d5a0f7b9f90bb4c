// Package module provides the SDK types shared by all ethoscope-node
// modules. Modules are composed at compile time and driven through a
// common lifecycle by the internal registry.
package module

import (
	"context"
	"database/sql"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// API version constants for module compatibility checking.
const (
	APIVersionMin     = 1 // Oldest module API version this binary supports
	APIVersionCurrent = 1 // Current module API version
)

// Module defines the interface every ethoscope-node module implements.
type Module interface {
	// Info returns the module's metadata and dependency declarations.
	Info() Info

	// Init initializes the module with its dependencies.
	Init(ctx context.Context, deps Dependencies) error

	// Start begins the module's background operations.
	Start(ctx context.Context) error

	// Stop gracefully shuts down the module.
	Stop(ctx context.Context) error
}

// Info contains module metadata and dependency declarations.
type Info struct {
	Name         string   // Unique identifier: "roster", "fleet", "stream", "notify"
	Version      string   // Semantic version string
	Description  string   // Human-readable summary
	Dependencies []string // Module names that must initialize first
	Required     bool     // If true, the node refuses to start without this module
	APIVersion   int      // Module API version targeted (currently 1)
}

// Dependencies provides controlled access to shared services.
// Injected by the registry during Init.
type Dependencies struct {
	Config  Config      // Scoped to this module's config section
	Logger  *zap.Logger // Named logger for this module
	Bus     EventBus    // Event publish/subscribe for inter-module communication
	Store   Store       // Shared embedded database
	Modules Resolver    // Lookup of other modules by name
}

// Store abstracts the shared embedded database. Implemented by the
// SQLite store in internal/store.
type Store interface {
	DB() *sql.DB
	Migrate(ctx context.Context, moduleName string, migrations []Migration) error
	Tx(ctx context.Context, fn func(tx *sql.Tx) error) error
}

// Migration is a single schema change applied within a transaction.
// Migrations are tracked per module in the shared _migrations table.
type Migration struct {
	Version     int
	Description string
	Up          func(tx *sql.Tx) error
}

// Route represents an HTTP route exposed by a module.
type Route struct {
	Method  string
	Path    string
	Handler http.HandlerFunc
}

// HTTPProvider is implemented by modules that expose HTTP routes.
type HTTPProvider interface {
	Routes() []Route
}

// HealthChecker is implemented by modules that report health.
type HealthChecker interface {
	Health(ctx context.Context) HealthStatus
}

// HealthStatus represents a module's health report.
type HealthStatus struct {
	Status  string            `json:"status"` // "ok", "degraded", "unhealthy"
	Message string            `json:"message,omitempty"`
	Details map[string]string `json:"details,omitempty"`
}

// Config abstracts configuration access. Wraps Viper today.
type Config interface {
	Unmarshal(target any) error
	Get(key string) any
	GetString(key string) string
	GetInt(key string) int
	GetBool(key string) bool
	GetDuration(key string) time.Duration
	IsSet(key string) bool
	Sub(key string) Config
}

// Publisher sends events to the bus. Use this thin interface in code
// that only needs to emit events.
type Publisher interface {
	Publish(ctx context.Context, event Event) error
}

// Subscriber receives events from the bus. Use this thin interface in
// code that only needs to listen.
type Subscriber interface {
	Subscribe(topic string, handler EventHandler) (unsubscribe func())
}

// EventBus provides typed publish/subscribe for inter-module communication.
type EventBus interface {
	Publisher
	Subscriber
	PublishAsync(ctx context.Context, event Event)
	SubscribeAll(handler EventHandler) (unsubscribe func())
}

// Event represents a typed message on the event bus.
type Event struct {
	Topic     string
	Source    string // Module name that emitted the event
	Timestamp time.Time
	Payload   any // Type depends on topic
}

// EventHandler processes events from the bus.
type EventHandler func(ctx context.Context, event Event)

// Resolver allows modules to locate other modules by name.
type Resolver interface {
	Resolve(name string) (Module, bool)
}
