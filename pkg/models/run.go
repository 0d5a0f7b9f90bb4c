package models

import "time"

// RunStatus is the lifecycle state of an acquisition run.
type RunStatus string

const (
	RunRunning RunStatus = "running"
	RunStopped RunStatus = "stopped"
)

// Run is one continuous acquisition session on one device.
// Created when a device transitions initialising -> running and
// stopped on running -> stopped. Problems are appended, never lost.
type Run struct {
	RunID          string    `json:"run_id"`
	ExperimentType string    `json:"experiment_type"`
	EthoscopeID    string    `json:"ethoscope_id"`
	EthoscopeName  string    `json:"ethoscope_name"`
	UserID         string    `json:"user_id"`
	UserName       string    `json:"username"`
	Location       string    `json:"location"`
	StartedAt      time.Time `json:"started_at"`
	EndedAt        time.Time `json:"ended_at,omitzero"`
	Status         RunStatus `json:"status"`
	ExperimentData string    `json:"experimental_data,omitempty"`
	Comments       string    `json:"comments,omitempty"`
	Problems       string    `json:"problems,omitempty"`
}

// AlertRecord is a logged alert. The (device, type, run) triple answers
// "have we already alerted for this".
type AlertRecord struct {
	ID         string    `json:"id"`
	DeviceID   string    `json:"device_id"`
	AlertType  string    `json:"alert_type"`
	RunID      string    `json:"run_id"`
	Message    string    `json:"message"`
	Recipients string    `json:"recipients"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}
