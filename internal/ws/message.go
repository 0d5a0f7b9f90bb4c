package ws

import (
	"time"

	"github.com/gilestrolab/ethoscope-node/pkg/models"
)

// MessageType discriminates WebSocket messages.
type MessageType string

const (
	MessageDeviceDiscovered MessageType = "device.discovered"
	MessageDeviceTransition MessageType = "device.transition"
	MessageDeviceAlert      MessageType = "device.alert"
	MessageDeviceIDChanged  MessageType = "device.id_changed"
)

// Message is the envelope for all WebSocket messages.
type Message struct {
	Type      MessageType `json:"type"`
	DeviceID  string      `json:"device_id"`
	Timestamp time.Time   `json:"timestamp"`
	Data      any         `json:"data"`
}

// DeviceTransitionData is the payload for device.transition messages.
type DeviceTransitionData struct {
	Device    models.DeviceInfo       `json:"device"`
	From      models.DeviceStatusName `json:"from"`
	To        models.DeviceStatusName `json:"to"`
	Trigger   models.TriggerSource    `json:"trigger"`
	Alertable bool                    `json:"alertable"`
}

// DeviceAlertData is the payload for device.alert messages.
type DeviceAlertData struct {
	AlertType string `json:"alert_type"`
	Message   string `json:"message"`
}

// DeviceIDChangedData is the payload for device.id_changed messages.
type DeviceIDChangedData struct {
	OldID string `json:"old_id"`
	NewID string `json:"new_id"`
}
