package fleet

import (
	"context"
	"sort"
	"sync"

	"github.com/gilestrolab/ethoscope-node/pkg/models"
	"go.uber.org/zap"
)

// Scanner owns the live device directory: it consumes browser events,
// creates and retires polling actors, and re-keys the directory when a
// device's id changes. One Ethoscope per id; going offline never
// removes a device from the directory.
type Scanner struct {
	mu      sync.RWMutex
	devices map[string]*Ethoscope // keyed by stable device id

	cfg     Config
	logger  *zap.Logger
	client  *Client
	cache   *MetadataCache
	probe   reachabilityProbe
	browser Browser

	onTransition TransitionFunc
	onIDChange   IDChangeFunc
	onDiscovered func(info models.DeviceInfo)

	cancel context.CancelFunc
	doneCh chan struct{}
}

// NewScanner wires the scanner. The callbacks may be nil.
func NewScanner(cfg Config, browser Browser, client *Client, cache *MetadataCache, probe reachabilityProbe, logger *zap.Logger) *Scanner {
	return &Scanner{
		devices: make(map[string]*Ethoscope),
		cfg:     cfg,
		logger:  logger,
		client:  client,
		cache:   cache,
		probe:   probe,
		browser: browser,
	}
}

// SetTransitionObserver sets the callback for every device status
// transition. Must be called before Start.
func (s *Scanner) SetTransitionObserver(fn TransitionFunc) { s.onTransition = fn }

// SetIDChangeObserver sets the callback fired after the directory has
// been re-keyed following a device id change. Must be called before
// Start.
func (s *Scanner) SetIDChangeObserver(fn IDChangeFunc) { s.onIDChange = fn }

// SetDiscoveryObserver sets the callback fired when a device enters the
// directory for the first time. Must be called before Start.
func (s *Scanner) SetDiscoveryObserver(fn func(info models.DeviceInfo)) { s.onDiscovered = fn }

// Start launches the browse/consume loop.
func (s *Scanner) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.doneCh = make(chan struct{})

	events := make(chan ServiceEvent, 16)
	go func() {
		_ = s.browser.Browse(ctx, events)
	}()
	go func() {
		defer close(s.doneCh)
		for {
			select {
			case <-ctx.Done():
				return
			case ev := <-events:
				s.handle(ev)
			}
		}
	}()
}

// Stop ends discovery and stops every device actor.
func (s *Scanner) Stop() {
	if s.cancel != nil {
		s.cancel()
		<-s.doneCh
	}
	for _, e := range s.All() {
		e.StopPolling()
	}
}

func (s *Scanner) handle(ev ServiceEvent) {
	switch ev.Kind {
	case ServiceAdded:
		s.serviceAdded(ev)
	case ServiceRemoved:
		s.serviceRemoved(ev)
	}
}

// serviceAdded registers a new device or refreshes an existing one. An
// advertisement for a known id releases any skip_scanning latch: the
// device announcing itself is proof it is back. A known IP under an
// unknown id means the device was re-flashed; the first poll of the new
// actor resolves the authoritative id.
func (s *Scanner) serviceAdded(ev ServiceEvent) {
	id := deviceIDFrom(ev)
	name := deviceNameFrom(ev)

	s.mu.Lock()
	if id != "" {
		if existing, ok := s.devices[id]; ok {
			s.mu.Unlock()
			existing.SetInstance(ev.Instance)
			if existing.IP() != ev.IP && ev.IP != "" {
				s.logger.Info("device re-advertised with new address",
					zap.String("device", ev.Instance),
					zap.String("old_ip", existing.IP()),
					zap.String("new_ip", ev.IP),
				)
				existing.SetIP(ev.IP)
			}
			if existing.SkipScanning() {
				existing.Refresh(name)
			}
			return
		}
	}

	// No id in TXT, or unknown id: match by address next.
	for _, existing := range s.devices {
		if existing.IP() == ev.IP && ev.IP != "" {
			s.mu.Unlock()
			existing.SetInstance(ev.Instance)
			if existing.SkipScanning() {
				existing.Refresh(name)
			}
			return
		}
	}

	e := NewEthoscope(id, name, ev.IP, s.cfg, s.client, s.cache, s.logger)
	e.SetInstance(ev.Instance)
	e.SetTransitionObserver(s.onTransition)
	e.SetIDChangeObserver(s.rekey)
	e.SetProbe(s.probe)
	key := id
	if key == "" {
		// Until /id answers, the name is the only handle.
		key = name
	}
	s.devices[key] = e
	s.mu.Unlock()

	s.logger.Info("device discovered",
		zap.String("device", name),
		zap.String("id", id),
		zap.String("ip", ev.IP),
		zap.Int("port", ev.Port),
	)
	e.StartPolling()
	if s.onDiscovered != nil {
		s.onDiscovered(e.Info())
	}
}

// serviceRemoved reacts to an mDNS goodbye: the device stays in the
// directory but is latched off and shown offline.
func (s *Scanner) serviceRemoved(ev ServiceEvent) {
	e := s.byInstance(ev.Instance)
	if e == nil {
		return
	}
	s.logger.Info("device sent mdns goodbye", zap.String("device", ev.Instance))
	e.SetSkipScanning(true, "mdns_goodbye")
	e.resetToOfflineStub()
}

// byInstance matches on the advertised instance name first. The human
// name is only a fallback for actors created before any advertisement
// was seen: polling overwrites it from the /data payload.
func (s *Scanner) byInstance(instance string) *Ethoscope {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, e := range s.devices {
		if e.Instance() == instance {
			return e
		}
	}
	for _, e := range s.devices {
		if e.Name() == instance {
			return e
		}
	}
	return nil
}

// rekey moves a device to its newly reported id and forwards to the
// module-level observer, which rewrites the persistent record.
func (s *Scanner) rekey(oldID, newID string, info models.DeviceInfo) {
	s.mu.Lock()
	if e, ok := s.devices[oldID]; ok {
		delete(s.devices, oldID)
		s.devices[newID] = e
	} else {
		// First poll of a device registered under its instance name.
		for key, e := range s.devices {
			if e.ID() == newID && key != newID {
				delete(s.devices, key)
				s.devices[newID] = e
				break
			}
		}
	}
	s.mu.Unlock()

	if s.onIDChange != nil {
		s.onIDChange(oldID, newID, info)
	}
}

// Device returns the actor for an id, or nil.
func (s *Scanner) Device(id string) *Ethoscope {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.devices[id]
}

// All returns the live actors in no particular order.
func (s *Scanner) All() []*Ethoscope {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Ethoscope, 0, len(s.devices))
	for _, e := range s.devices {
		out = append(out, e)
	}
	return out
}

// Snapshot returns info for every live device, sorted by name for
// stable listings.
func (s *Scanner) Snapshot() []models.DeviceInfo {
	all := s.All()
	out := make([]models.DeviceInfo, 0, len(all))
	for _, e := range all {
		out = append(out, e.Info())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// deviceIDFrom extracts the stable id from TXT records. Ethoscopes
// advertise MACHINE_ID; older firmware used lowercase "id".
func deviceIDFrom(ev ServiceEvent) string {
	for _, key := range []string{"MACHINE_ID", "id", "machine-id"} {
		if id, ok := ev.TXT[key]; ok && id != "" {
			return id
		}
	}
	return ""
}

// deviceNameFrom prefers the advertised MACHINE_NAME over the mDNS
// instance name, which carries a ._ethoscope._tcp suffix on some
// firmware versions.
func deviceNameFrom(ev ServiceEvent) string {
	if name, ok := ev.TXT["MACHINE_NAME"]; ok && name != "" {
		return name
	}
	return ev.Instance
}
