package notify

import (
	"context"
	"time"
)

// Alert is the notification payload handed to a Notifier.
type Alert struct {
	DeviceID   string    `json:"device_id,omitempty"`
	DeviceName string    `json:"device_name,omitempty"`
	RunID      string    `json:"run_id,omitempty"`
	Message    string    `json:"message"`
	When       time.Time `json:"when"`
}

// Notifier delivers alerts through a specific channel.
type Notifier interface {
	SendDeviceStoppedAlert(ctx context.Context, alert Alert) error
	SendDeviceUnreachableAlert(ctx context.Context, alert Alert) error
	SendStorageWarningAlert(ctx context.Context, alert Alert) error

	// Type returns the channel identifier, recorded as the alert
	// recipient in the registry.
	Type() string
}
