package stream

import "time"

// Config controls the stream manager.
type Config struct {
	// DevicePort is the TCP port of the device frame socket.
	DevicePort int

	// QueueDepth bounds each subscriber's frame queue. A slow client
	// drops frames instead of stalling the fan-out.
	QueueDepth int

	// GetTimeout is how long a subscriber waits for a frame before
	// re-checking that the feed is still alive.
	GetTimeout time.Duration

	// GracePeriod keeps the upstream socket open after the last
	// subscriber leaves, so a page reload does not redial.
	GracePeriod time.Duration

	// DialTimeout bounds the upstream connection attempt.
	DialTimeout time.Duration

	// Boundary is the multipart boundary token.
	Boundary string
}

// DefaultConfig returns the stream defaults.
func DefaultConfig() Config {
	return Config{
		DevicePort:  8887,
		QueueDepth:  10,
		GetTimeout:  30 * time.Second,
		GracePeriod: 30 * time.Second,
		DialTimeout: 5 * time.Second,
		Boundary:    "frame",
	}
}
