package fleet

import (
	"context"
	"net"
	"strings"
	"time"

	"github.com/grandcat/zeroconf"
	"go.uber.org/zap"
)

// ServiceEventKind distinguishes advertisement from goodbye.
type ServiceEventKind int

const (
	ServiceAdded ServiceEventKind = iota
	ServiceRemoved
)

// ServiceEvent is one mDNS observation, already parsed.
type ServiceEvent struct {
	Kind     ServiceEventKind
	Instance string
	Host     string
	IP       string
	Port     int
	TXT      map[string]string
}

// Browser feeds service events to the scanner. The zeroconf
// implementation is the real one; tests substitute their own.
type Browser interface {
	// Browse streams events until ctx is cancelled. The events channel
	// is never closed by the browser.
	Browse(ctx context.Context, events chan<- ServiceEvent) error
}

// ZeroconfBrowser browses an mDNS service type continuously by
// re-issuing bounded browse cycles, so devices advertised after
// startup are still picked up.
type ZeroconfBrowser struct {
	serviceType string
	domain      string
	cycle       time.Duration
	logger      *zap.Logger
}

// NewZeroconfBrowser creates a browser for the given service type and
// domain. Each browse cycle lasts cycle before a fresh one starts.
func NewZeroconfBrowser(serviceType, domain string, cycle time.Duration, logger *zap.Logger) *ZeroconfBrowser {
	if cycle <= 0 {
		cycle = 30 * time.Second
	}
	return &ZeroconfBrowser{
		serviceType: serviceType,
		domain:      domain,
		cycle:       cycle,
		logger:      logger,
	}
}

// Browse runs browse cycles until ctx is cancelled.
func (b *ZeroconfBrowser) Browse(ctx context.Context, events chan<- ServiceEvent) error {
	for {
		if err := b.browseOnce(ctx, events); err != nil && ctx.Err() == nil {
			b.logger.Warn("mdns browse cycle failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Second):
			// Brief pause between cycles keeps a broken resolver from
			// spinning.
		}
	}
}

func (b *ZeroconfBrowser) browseOnce(ctx context.Context, events chan<- ServiceEvent) error {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return err
	}

	// Buffered so the resolver never blocks on a slow consumer.
	entries := make(chan *zeroconf.ServiceEntry, 10)
	done := make(chan struct{})

	cycleCtx, cancel := context.WithTimeout(ctx, b.cycle)
	defer cancel()

	go func() {
		defer close(done)
		for entry := range entries {
			ev, ok := parseServiceEntry(entry)
			if !ok {
				continue
			}
			select {
			case events <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()

	if err := resolver.Browse(cycleCtx, b.serviceType, b.domain, entries); err != nil {
		cancel()
		<-done
		return err
	}

	<-cycleCtx.Done()
	<-done
	return nil
}

// parseServiceEntry converts a raw entry into a ServiceEvent. A TTL of
// zero is a goodbye packet. Entries without any address are dropped
// unless they are goodbyes, which carry no address by design of the
// protocol.
func parseServiceEntry(entry *zeroconf.ServiceEntry) (ServiceEvent, bool) {
	if entry == nil {
		return ServiceEvent{}, false
	}

	ev := ServiceEvent{
		Kind:     ServiceAdded,
		Instance: entry.Instance,
		Host:     entry.HostName,
		Port:     entry.Port,
		TXT:      make(map[string]string),
	}
	for _, txt := range entry.Text {
		parts := strings.SplitN(txt, "=", 2)
		if len(parts) == 2 {
			ev.TXT[parts[0]] = parts[1]
		}
	}

	if entry.TTL == 0 {
		ev.Kind = ServiceRemoved
		return ev, ev.Instance != ""
	}

	var addr net.IP
	switch {
	case len(entry.AddrIPv4) > 0:
		addr = entry.AddrIPv4[0]
	case len(entry.AddrIPv6) > 0:
		addr = entry.AddrIPv6[0]
	default:
		return ServiceEvent{}, false
	}
	ev.IP = addr.String()
	return ev, ev.Instance != ""
}
