package fleet

import "time"

// Config holds the fleet module's tunables.
type Config struct {
	ServiceType string // mDNS service type to browse
	Domain      string // mDNS domain
	DevicePort  int    // device HTTP port

	RefreshPeriod     time.Duration // poll cadence
	BusyRefreshPeriod time.Duration // poll cadence while a device is busy
	RequestTimeout    time.Duration // per-attempt HTTP timeout

	UserActionTimeout  time.Duration // window in which a status change counts as user-triggered
	GracefulWindow     time.Duration // window in which a shutdown after poweroff/reboot/restart is graceful
	BusyTimeout        time.Duration // busy longer than this promotes to offline
	UnreachableTimeout time.Duration // unreached longer than this promotes to offline

	RefusedThreshold     int // consecutive refused connections before latching skip_scanning
	MaxConsecutiveErrors int // consecutive generic errors before latching skip_scanning

	ResultsDir       string        // root of local backup files
	CacheDir         string        // db metadata cache directory
	DBUpdateInterval time.Duration // minimum interval between backup recomputations

	ProbeEnabled bool // annotate unreached transitions with an ICMP probe
}

// DefaultConfig returns the fleet defaults.
func DefaultConfig() Config {
	return Config{
		ServiceType:          "_ethoscope._tcp",
		Domain:               "local.",
		DevicePort:           9000,
		RefreshPeriod:        5 * time.Second,
		BusyRefreshPeriod:    60 * time.Second,
		RequestTimeout:       5 * time.Second,
		UserActionTimeout:    30 * time.Second,
		GracefulWindow:       5 * time.Minute,
		BusyTimeout:          10 * time.Minute,
		UnreachableTimeout:   20 * time.Minute,
		RefusedThreshold:     3,
		MaxConsecutiveErrors: 10,
		ResultsDir:           "/ethoscope_data/results",
		CacheDir:             "/ethoscope_data/cache",
		DBUpdateInterval:     30 * time.Second,
		ProbeEnabled:         true,
	}
}
