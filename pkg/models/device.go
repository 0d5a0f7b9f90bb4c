// Package models contains the value types shared across ethoscope-node
// modules and exposed through the HTTP API.
package models

import "time"

// DeviceStatusName is the disposition of a device as seen by the node.
type DeviceStatusName string

// The closed set of device statuses. "unreached" and "busy" are
// node-side classifications; the rest are reported by the device.
const (
	StatusOnline       DeviceStatusName = "online"
	StatusOffline      DeviceStatusName = "offline"
	StatusRunning      DeviceStatusName = "running"
	StatusStopped      DeviceStatusName = "stopped"
	StatusUnreached    DeviceStatusName = "unreached"
	StatusInitialising DeviceStatusName = "initialising"
	StatusStopping     DeviceStatusName = "stopping"
	StatusRecording    DeviceStatusName = "recording"
	StatusStreaming    DeviceStatusName = "streaming"
	StatusBusy         DeviceStatusName = "busy"
)

// ValidStatusNames contains every legal status name.
var ValidStatusNames = map[DeviceStatusName]bool{
	StatusOnline:       true,
	StatusOffline:      true,
	StatusRunning:      true,
	StatusStopped:      true,
	StatusUnreached:    true,
	StatusInitialising: true,
	StatusStopping:     true,
	StatusRecording:    true,
	StatusStreaming:    true,
	StatusBusy:         true,
}

// TriggerSource classifies what caused a status transition.
type TriggerSource string

const (
	TriggerUser     TriggerSource = "user"
	TriggerSystem   TriggerSource = "system"
	TriggerNetwork  TriggerSource = "network"
	TriggerGraceful TriggerSource = "graceful"
)

// ValidTriggerSources contains every legal trigger source.
var ValidTriggerSources = map[TriggerSource]bool{
	TriggerUser:     true,
	TriggerSystem:   true,
	TriggerNetwork:  true,
	TriggerGraceful: true,
}

// DeviceInfo is the externally visible snapshot of one device. Readers
// receive a copy; the owning polling actor holds the mutable state.
type DeviceInfo struct {
	ID              string           `json:"id"` // 32-hex stable device id
	Name            string           `json:"name"`
	IP              string           `json:"ip"`
	Port            int              `json:"port"`
	Status          DeviceStatusName `json:"status"`
	TimeSinceBackup string           `json:"time_since_backup,omitempty"`
	// BackupStatus is a percentage in [0, 100], or one of the sentinel
	// strings "No Backup" and "File Missing" when no progress number
	// can be derived.
	BackupStatus    any              `json:"backup_status"`
	BackupSize      int64            `json:"backup_size"`
	BackupMethod    string           `json:"backup_method,omitempty"`
	BackupPath      string           `json:"backup_path,omitempty"`
	LastSeen        time.Time        `json:"last_seen"`
	PollCount       uint64           `json:"poll_count"`
	SkipScanning    bool             `json:"skip_scanning"`
	Attributes      map[string]any   `json:"attributes,omitempty"` // raw /data payload fields
}

// EthoscopeRecord is a persisted device row in the roster registry.
// Going offline never deletes a record; retirement is explicit.
type EthoscopeRecord struct {
	EthoscopeID string    `json:"ethoscope_id"`
	Name        string    `json:"name"`
	LastIP      string    `json:"last_ip"`
	Active      bool      `json:"active"`
	LastSeen    time.Time `json:"last_seen"`
	Comments    string    `json:"comments"`
}
