package fleet

import (
	"runtime"
	"time"

	probing "github.com/prometheus-community/pro-bing"
	"go.uber.org/zap"
)

// reachabilityProbe answers whether a host responds to ICMP at all,
// used to annotate unreached transitions: a live host with a dead
// service reads very differently from a powered-off device.
type reachabilityProbe interface {
	HostReachable(ip string) bool
}

// ICMPProbe pings a host once with a short timeout.
type ICMPProbe struct {
	timeout time.Duration
	logger  *zap.Logger
}

// NewICMPProbe creates a probe with the given per-ping timeout.
func NewICMPProbe(timeout time.Duration, logger *zap.Logger) *ICMPProbe {
	return &ICMPProbe{timeout: timeout, logger: logger}
}

// HostReachable reports whether the host answered a single ping within
// the timeout. Probe errors count as unreachable.
func (p *ICMPProbe) HostReachable(ip string) bool {
	pinger, err := probing.NewPinger(ip)
	if err != nil {
		p.logger.Debug("probe setup failed", zap.String("ip", ip), zap.Error(err))
		return false
	}
	pinger.Count = 1
	pinger.Timeout = p.timeout
	pinger.SetPrivileged(runtime.GOOS == "windows")

	if err := pinger.Run(); err != nil {
		p.logger.Debug("probe failed", zap.String("ip", ip), zap.Error(err))
		return false
	}
	return pinger.Statistics().PacketsRecv > 0
}
