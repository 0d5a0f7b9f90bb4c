package fleet

import (
	"context"
	"errors"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/gilestrolab/ethoscope-node/pkg/models"
	"go.uber.org/zap"
)

// deviceOps is the behaviour a concrete device kind plugs into the
// generic polling actor. Ethoscope is the only implementation today.
type deviceOps interface {
	// updateInfo polls the device once and applies the result.
	updateInfo(ctx context.Context) error
}

// errDeviceBusy wraps a failure fetching /data/<id> after /id answered:
// the device is alive but thinking.
type errDeviceBusy struct{ err error }

func (e *errDeviceBusy) Error() string { return "device busy: " + e.err.Error() }
func (e *errDeviceBusy) Unwrap() error { return e.err }

// TransitionFunc observes status transitions. Called outside the
// device lock with an info snapshot taken at transition time.
type TransitionFunc func(info models.DeviceInfo, prev, next *Status)

// Device is the generic per-device polling actor: one goroutine, its
// own clock, all mutation under a per-device lock. The scanner owns
// creation and retirement; going offline never destroys a Device.
type Device struct {
	mu sync.Mutex

	id       string // 32-hex stable id; authoritative source is /id
	name     string
	instance string // mDNS instance name as advertised
	ip       string
	port     int

	cfg    Config
	logger *zap.Logger
	client *Client
	ops    deviceOps

	status     *Status
	attributes map[string]any // raw /data payload fields

	pollCount         uint64
	consecutiveErrors int
	genericErrors     int
	refusedCount      int
	lastContact       time.Time

	skipScanning bool
	skipReason   string

	lastUserInstruction Instruction
	lastUserAction      time.Time

	backupStatus    float64
	backupState     string // sentinel shown instead of the percentage when set
	backupSize      int64
	backupMethod    string
	backupPath      string
	timeSinceBackup string

	onTransition TransitionFunc
	probe        reachabilityProbe

	stopCh  chan struct{}
	doneCh  chan struct{}
	started bool
}

func newDevice(id, name, ip string, cfg Config, client *Client, logger *zap.Logger) *Device {
	return &Device{
		id:     id,
		name:   name,
		ip:     ip,
		port:   cfg.DevicePort,
		cfg:    cfg,
		client: client,
		logger: logger,
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
}

// StartPolling launches the device's polling goroutine.
func (d *Device) StartPolling() {
	d.mu.Lock()
	if d.started {
		d.mu.Unlock()
		return
	}
	d.started = true
	d.mu.Unlock()
	go d.run()
}

// StopPolling signals the loop to exit and waits for it.
func (d *Device) StopPolling() {
	d.mu.Lock()
	if !d.started {
		d.mu.Unlock()
		return
	}
	select {
	case <-d.stopCh:
	default:
		close(d.stopCh)
	}
	d.mu.Unlock()
	<-d.doneCh
}

func (d *Device) run() {
	defer close(d.doneCh)

	for {
		period := d.cfg.RefreshPeriod
		if st := d.CurrentStatus(); st != nil && st.Name == models.StatusBusy {
			// Adaptive backpressure on a device that is thinking.
			period = d.cfg.BusyRefreshPeriod
		}

		select {
		case <-d.stopCh:
			return
		case <-time.After(period):
		}

		if d.SkipScanning() {
			d.resetToOfflineStub()
			continue
		}

		d.mu.Lock()
		d.pollCount++
		d.mu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), d.cfg.RefreshPeriod+2*d.cfg.RequestTimeout*(maxRetries+1))
		err := d.ops.updateInfo(ctx)
		cancel()

		if err == nil {
			d.mu.Lock()
			d.consecutiveErrors = 0
			d.genericErrors = 0
			d.refusedCount = 0
			d.lastContact = time.Now().UTC()
			d.mu.Unlock()
			continue
		}
		d.handleDeviceError(err)
	}
}

// handleDeviceError is the single place failure classification lives.
// Refused connections decide graceful vs ungraceful shutdown after the
// configured threshold; generic errors (invalid payloads and other
// non-transport failures) latch skip_scanning after
// MaxConsecutiveErrors. Busy and plain transport failures never feed
// that latch: their state machines run on the BusyTimeout and
// UnreachableTimeout clocks, which at the default poll cadence take far
// more than MaxConsecutiveErrors polls to expire.
func (d *Device) handleDeviceError(err error) {
	d.mu.Lock()
	d.consecutiveErrors++
	n := d.consecutiveErrors

	refused := isConnectionRefused(err)
	if refused {
		d.refusedCount++
	} else {
		d.refusedCount = 0
	}
	refusedCount := d.refusedCount
	d.attributes = nil
	d.mu.Unlock()

	switch {
	case n == 1:
		d.logger.Info("device poll failed", zap.String("device", d.name), zap.Error(err))
	case n == 5:
		d.logger.Warn("device still failing", zap.String("device", d.name), zap.Int("consecutive_errors", n), zap.Error(err))
	default:
		d.logger.Debug("device poll failed", zap.String("device", d.name), zap.Int("consecutive_errors", n), zap.Error(err))
	}

	if refused && refusedCount >= d.cfg.RefusedThreshold {
		d.latchAfterRefusals(n)
		return
	}

	var busy *errDeviceBusy
	if errors.As(err, &busy) {
		d.noteBusyOrPromote(n)
		return
	}

	var netErr *NetworkError
	if errors.As(err, &netErr) {
		d.noteUnreachedOrPromote(n)
		return
	}

	d.mu.Lock()
	d.genericErrors++
	g := d.genericErrors
	d.mu.Unlock()

	if g >= d.cfg.MaxConsecutiveErrors {
		d.latch("max_errors_reached")
		d.setStatus(models.StatusOffline,
			WithTrigger(models.TriggerNetwork),
			WithMetadata("reason", "max_errors_reached"),
			WithErrors(n),
		)
		return
	}
	d.noteUnreachedOrPromote(n)
}

// latchAfterRefusals decides graceful vs ungraceful by inspecting the
// last user instruction, then latches skip_scanning either way.
func (d *Device) latchAfterRefusals(errCount int) {
	d.mu.Lock()
	graceful := gracefulOperations[d.lastUserInstruction] &&
		!d.lastUserAction.IsZero() &&
		time.Since(d.lastUserAction) <= d.cfg.GracefulWindow
	d.mu.Unlock()

	if graceful {
		d.latch("graceful_shutdown")
		d.setStatus(models.StatusOffline,
			WithTrigger(models.TriggerGraceful),
			WithMetadata("reason", "graceful_shutdown"),
			WithErrors(errCount),
		)
		d.logger.Info("device shut down gracefully", zap.String("device", d.name))
		return
	}

	d.latch("ungraceful_shutdown")
	d.setStatus(models.StatusOffline,
		WithTrigger(models.TriggerSystem),
		WithMetadata("reason", "ungraceful_shutdown"),
		WithErrors(errCount),
	)
	d.logger.Warn("device connection refused repeatedly, marking ungraceful shutdown",
		zap.String("device", d.name))
}

// noteBusyOrPromote marks the device busy, promoting to offline once
// the busy timeout is crossed.
func (d *Device) noteBusyOrPromote(errCount int) {
	prev := d.CurrentStatus()
	if prev != nil && prev.Name == models.StatusBusy && time.Since(prev.Timestamp) > d.cfg.BusyTimeout {
		d.setStatus(models.StatusOffline,
			WithTrigger(models.TriggerNetwork),
			WithMetadata("reason", "busy_timeout"),
			WithErrors(errCount),
		)
		return
	}
	d.setStatus(models.StatusBusy,
		WithTrigger(models.TriggerNetwork),
		WithErrors(errCount),
	)
}

// noteUnreachedOrPromote marks the device unreached, promoting to
// offline once the unreachable timeout is crossed. The first unreached
// transition is annotated with an ICMP probe result when enabled.
func (d *Device) noteUnreachedOrPromote(errCount int) {
	prev := d.CurrentStatus()
	if prev != nil && prev.Name == models.StatusUnreached && prev.IsTimeoutExceeded(d.cfg.UnreachableTimeout) {
		d.setStatus(models.StatusOffline,
			WithTrigger(models.TriggerNetwork),
			WithMetadata("reason", "unreachable_timeout"),
			WithErrors(errCount),
		)
		return
	}

	opts := []StatusOption{
		WithTrigger(models.TriggerNetwork),
		WithErrors(errCount),
	}
	if d.probe != nil && (prev == nil || prev.Name != models.StatusUnreached) {
		opts = append(opts, WithMetadata("host_reachable", d.probe.HostReachable(d.ip)))
	}
	d.setStatus(models.StatusUnreached, opts...)
}

// resetToOfflineStub replaces the info dict with an offline stub while
// skip_scanning is latched. No outbound requests are made.
func (d *Device) resetToOfflineStub() {
	d.mu.Lock()
	d.attributes = nil
	st := d.status
	d.mu.Unlock()
	if st != nil && st.Name != models.StatusOffline {
		d.setStatus(models.StatusOffline,
			WithTrigger(models.TriggerNetwork),
			WithMetadata("reason", d.SkipReason()),
		)
	}
}

// setStatus appends a new status snapshot iff the name changes, logging
// the transition and notifying the observer with a copied snapshot.
func (d *Device) setStatus(name models.DeviceStatusName, opts ...StatusOption) {
	d.mu.Lock()
	prev := d.status
	if prev != nil && prev.Name == name {
		d.mu.Unlock()
		return
	}

	next, err := NewStatus(name, prev, opts...)
	if err != nil {
		d.mu.Unlock()
		d.logger.Error("invalid status transition dropped",
			zap.String("device", d.name),
			zap.String("to", string(name)),
			zap.Error(err),
		)
		return
	}
	d.status = next
	cb := d.onTransition
	info := d.infoLocked()
	d.mu.Unlock()

	prevName := ""
	if prev != nil {
		prevName = string(prev.Name)
	}
	d.logger.Info("device status changed",
		zap.String("device", d.name),
		zap.String("from", prevName),
		zap.String("to", string(name)),
		zap.String("trigger", string(next.Trigger)),
		zap.Bool("user_triggered", next.IsUserTriggered),
	)

	if cb != nil {
		cb(info, prev, next)
	}
}

// RecordUserInstruction stamps the last user-issued instruction for
// subsequent transition classification.
func (d *Device) RecordUserInstruction(instr Instruction) {
	d.mu.Lock()
	d.lastUserInstruction = instr
	d.lastUserAction = time.Now().UTC()
	d.mu.Unlock()
}

// Refresh re-enables a latched device after an mDNS re-advertisement or
// admin reset: error state cleared, name refreshed, latch released.
func (d *Device) Refresh(name string) {
	d.mu.Lock()
	d.skipScanning = false
	d.skipReason = ""
	d.consecutiveErrors = 0
	d.genericErrors = 0
	d.refusedCount = 0
	if name != "" {
		d.name = name
	}
	d.mu.Unlock()
	d.logger.Info("device scanning re-enabled", zap.String("device", d.Name()))
}

func (d *Device) latch(reason string) {
	d.mu.Lock()
	d.skipScanning = true
	d.skipReason = reason
	d.mu.Unlock()
}

// SkipScanning reports whether the device's polling is latched off.
func (d *Device) SkipScanning() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.skipScanning
}

// SkipReason returns why scanning is latched off, if it is.
func (d *Device) SkipReason() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.skipReason
}

// SetSkipScanning latches or releases scanning explicitly (admin reset,
// mDNS removal).
func (d *Device) SetSkipScanning(skip bool, reason string) {
	d.mu.Lock()
	d.skipScanning = skip
	if skip {
		d.skipReason = reason
	} else {
		d.skipReason = ""
		d.consecutiveErrors = 0
		d.genericErrors = 0
		d.refusedCount = 0
	}
	d.mu.Unlock()
}

// CurrentStatus returns the head of the status chain.
func (d *Device) CurrentStatus() *Status {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.status
}

// ID returns the stable device id.
func (d *Device) ID() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.id
}

// Name returns the device's human name.
func (d *Device) Name() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.name
}

// Instance returns the mDNS instance name the device advertised under.
func (d *Device) Instance() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.instance
}

// SetInstance records the advertised mDNS instance name. Goodbye
// packets carry the instance name, not the human name, which the first
// poll may have rewritten from the /data payload.
func (d *Device) SetInstance(instance string) {
	d.mu.Lock()
	d.instance = instance
	d.mu.Unlock()
}

// IP returns the device's current address.
func (d *Device) IP() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.ip
}

// SetIP updates the device address after a re-advertisement.
func (d *Device) SetIP(ip string) {
	d.mu.Lock()
	d.ip = ip
	d.mu.Unlock()
}

// Info returns a copied snapshot for external readers.
func (d *Device) Info() models.DeviceInfo {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.infoLocked()
}

func (d *Device) infoLocked() models.DeviceInfo {
	info := models.DeviceInfo{
		ID:              d.id,
		Name:            d.name,
		IP:              d.ip,
		Port:            d.port,
		LastSeen:        d.lastContact,
		PollCount:       d.pollCount,
		SkipScanning:    d.skipScanning,
		BackupSize:      d.backupSize,
		BackupMethod:    d.backupMethod,
		BackupPath:      d.backupPath,
		TimeSinceBackup: d.timeSinceBackup,
	}
	if d.backupState != "" {
		info.BackupStatus = d.backupState
	} else {
		info.BackupStatus = d.backupStatus
	}
	if d.status != nil {
		info.Status = d.status.Name
	} else {
		info.Status = models.StatusOffline
	}
	if len(d.attributes) > 0 {
		info.Attributes = make(map[string]any, len(d.attributes))
		for k, v := range d.attributes {
			info.Attributes[k] = v
		}
	}
	return info
}

// isConnectionRefused recognises an actively refused connection across
// platforms and wrapped error chains.
func isConnectionRefused(err error) bool {
	if errors.Is(err, syscall.ECONNREFUSED) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "actively refused")
}
