package models

import "time"

// User is a registered node user. The PIN field holds the derived
// secret in the format pbkdf2$<iterations>$<salt>$<hex>; legacy formats
// are upgraded transparently on successful verification.
type User struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	FullName  string    `json:"fullname"`
	PIN       string    `json:"-"` // Never serialized
	Email     string    `json:"email"`
	Telephone string    `json:"telephone,omitempty"`
	Group     string    `json:"group,omitempty"`
	IsAdmin   bool      `json:"is_admin"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
}

// Incubator is a physical location devices are assigned to.
type Incubator struct {
	ID          string  `json:"id"`
	Name        string  `json:"name"`
	Location    string  `json:"location"`
	Temperature float64 `json:"temperature,omitempty"`
	Humidity    float64 `json:"humidity,omitempty"`
	Description string  `json:"description,omitempty"`
}
