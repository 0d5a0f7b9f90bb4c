package fleet

import "github.com/gilestrolab/ethoscope-node/pkg/models"

// Event topics published by the fleet module.
const (
	TopicDeviceDiscovered = "fleet.device.discovered"
	TopicDeviceTransition = "fleet.device.transition"
	TopicDeviceAlert      = "fleet.device.alert"
	TopicDeviceIDChanged  = "fleet.device.id_changed"
)

// Alert type identifiers carried in alert events. The notifier keys its
// per-run dedup on these.
const (
	AlertDeviceStopped     = "device_stopped"
	AlertDeviceUnreachable = "device_unreachable"
)

// TransitionEvent is the payload of fleet.device.transition.
type TransitionEvent struct {
	Device     models.DeviceInfo       `json:"device"`
	From       models.DeviceStatusName `json:"from"`
	To         models.DeviceStatusName `json:"to"`
	Trigger    models.TriggerSource    `json:"trigger"`
	Alertable  bool                    `json:"alertable"`
	StatusInfo map[string]any          `json:"status_info"`
}

// AlertEvent is the payload of fleet.device.alert.
type AlertEvent struct {
	Device    models.DeviceInfo       `json:"device"`
	AlertType string                  `json:"alert_type"`
	Status    models.DeviceStatusName `json:"status"`
	Message   string                  `json:"message"`
}

// IDChangeEvent is the payload of fleet.device.id_changed.
type IDChangeEvent struct {
	OldID  string            `json:"old_id"`
	NewID  string            `json:"new_id"`
	Device models.DeviceInfo `json:"device"`
}
