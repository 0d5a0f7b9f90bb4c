package fleet

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/gilestrolab/ethoscope-node/pkg/models"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// IDChangeFunc is invoked when a device's /id endpoint reports a
// different id than the one on record (the device was renamed or
// re-flashed). The scanner re-keys the directory and the roster
// rewrites the persistent record.
type IDChangeFunc func(oldID, newID string, info models.DeviceInfo)

// Ethoscope specialises the generic polling actor for ethoscope
// acquisition devices: it knows the device HTTP endpoints, validates
// control instructions, derives backup paths and computes backup
// progress, and maintains the per-experiment metadata cache.
type Ethoscope struct {
	*Device

	cache      *MetadataCache
	backupRate *rate.Limiter // at most one backup recomputation per DBUpdateInterval

	onIDChange IDChangeFunc

	// Guarded by the embedded Device mutex.
	activeStamp    string // cache stamp of the experiment in progress
	backupFilename string
}

// NewEthoscope creates the actor for one discovered device. The id may
// be the TXT-advertised one; the first poll replaces it with whatever
// /id reports, which is authoritative.
func NewEthoscope(id, name, ip string, cfg Config, client *Client, cache *MetadataCache, logger *zap.Logger) *Ethoscope {
	e := &Ethoscope{
		Device:     newDevice(id, name, ip, cfg, client, logger),
		cache:      cache,
		backupRate: rate.NewLimiter(rate.Every(cfg.DBUpdateInterval), 1),
	}
	e.Device.ops = e
	return e
}

// SetTransitionObserver wires the scanner's transition callback.
func (e *Ethoscope) SetTransitionObserver(fn TransitionFunc) {
	e.mu.Lock()
	e.onTransition = fn
	e.mu.Unlock()
}

// SetIDChangeObserver wires the scanner's id-change callback.
func (e *Ethoscope) SetIDChangeObserver(fn IDChangeFunc) {
	e.mu.Lock()
	e.onIDChange = fn
	e.mu.Unlock()
}

// SetProbe wires the reachability probe used to annotate unreached
// transitions.
func (e *Ethoscope) SetProbe(p reachabilityProbe) {
	e.mu.Lock()
	e.probe = p
	e.mu.Unlock()
}

func (e *Ethoscope) url(format string, args ...any) string {
	return fmt.Sprintf("http://%s:%d", e.IP(), e.port) + fmt.Sprintf(format, args...)
}

// updateInfo performs one poll: /id first (detecting renames), then the
// full /data payload. A device answering /id but not /data is busy.
func (e *Ethoscope) updateInfo(ctx context.Context) error {
	idPayload, err := e.client.GetJSON(ctx, e.url("/id"), e.cfg.RequestTimeout, nil)
	if err != nil {
		return err
	}
	reportedID, _ := idPayload["id"].(string)
	if reportedID == "" {
		return &ScanError{Reason: "device /id returned no id"}
	}

	e.mu.Lock()
	oldID := e.id
	if reportedID != oldID {
		e.id = reportedID
	}
	cb := e.onIDChange
	info := e.infoLocked()
	e.mu.Unlock()

	if reportedID != oldID && cb != nil {
		if oldID != "" {
			e.logger.Info("device id changed",
				zap.String("device", e.Name()),
				zap.String("old_id", oldID),
				zap.String("new_id", reportedID),
			)
		}
		cb(oldID, reportedID, info)
	}

	data, err := e.client.GetJSON(ctx, e.url("/data/%s", reportedID), e.cfg.RequestTimeout, nil)
	if err != nil {
		var netErr *NetworkError
		if errors.As(err, &netErr) {
			// Alive on /id but not /data: the device is thinking.
			return &errDeviceBusy{err: err}
		}
		return err
	}

	e.applyData(ctx, data)
	return nil
}

// applyData classifies the reported status against the previous
// snapshot and refreshes backup telemetry.
func (e *Ethoscope) applyData(ctx context.Context, data map[string]any) {
	reported, _ := data["status"].(string)
	next := models.DeviceStatusName(reported)
	if !models.ValidStatusNames[next] {
		e.logger.Warn("device reported unknown status",
			zap.String("device", e.Name()),
			zap.String("status", reported),
		)
		next = models.StatusOnline
	}

	e.mu.Lock()
	e.attributes = data
	if name, ok := data["name"].(string); ok && name != "" {
		e.name = name
	}
	prev := e.status
	firstObservation := prev == nil

	userTriggered := userStopOperations[e.lastUserInstruction] &&
		!e.lastUserAction.IsZero() &&
		time.Since(e.lastUserAction) <= e.cfg.UserActionTimeout
	graceful := gracefulOperations[e.lastUserInstruction] &&
		!e.lastUserAction.IsZero() &&
		time.Since(e.lastUserAction) <= e.cfg.GracefulWindow
	e.mu.Unlock()

	// Tracking cannot start without user intent: a device coming back
	// from offline straight into an active state was started by someone.
	if prev != nil && prev.Name == models.StatusOffline {
		switch next {
		case models.StatusRunning, models.StatusRecording, models.StatusStreaming:
			userTriggered = true
		}
	}

	opts := []StatusOption{}
	if firstObservation {
		opts = append(opts, InitialDiscovery())
	}
	if userTriggered {
		opts = append(opts, UserTriggered())
	}
	if graceful {
		opts = append(opts, WithTrigger(models.TriggerGraceful))
	}

	prevName := models.DeviceStatusName("")
	if prev != nil {
		prevName = prev.Name
	}

	e.setStatus(next, opts...)

	e.refreshBackupTelemetry(ctx, data)
	e.maintainCache(data, prevName, next, userTriggered || graceful)
}

// SendInstruction validates a control verb against the allow-table and
// posts it to the device. Power operations are expected to drop the
// connection; their transport error is swallowed. Every accepted
// instruction stamps the user-provenance fields used by subsequent
// status classification.
func (e *Ethoscope) SendInstruction(ctx context.Context, instr Instruction, payload any) error {
	current := models.StatusOffline
	if st := e.CurrentStatus(); st != nil {
		current = st.Name
	}
	if err := ValidateInstruction(e.ID(), instr, current); err != nil {
		return err
	}

	e.RecordUserInstruction(instr)

	if payload == nil {
		payload = map[string]any{}
	}
	_, err := e.client.GetJSON(ctx, e.url("/controls/%s/%s", e.ID(), instr), e.cfg.RequestTimeout, payload)
	if err != nil {
		var netErr *NetworkError
		if gracefulOperations[instr] && errors.As(err, &netErr) {
			// The device going away is the expected outcome here.
			e.logger.Debug("transport error after power operation ignored",
				zap.String("device", e.Name()),
				zap.String("instruction", string(instr)),
			)
			return nil
		}
		return err
	}

	e.logger.Info("instruction sent",
		zap.String("device", e.Name()),
		zap.String("instruction", string(instr)),
	)
	return nil
}

// SendSettings posts a settings update to the device.
func (e *Ethoscope) SendSettings(ctx context.Context, settings any) (map[string]any, error) {
	return e.client.GetJSON(ctx, e.url("/update/%s", e.ID()), e.cfg.RequestTimeout, settings)
}

// MachineInfo fetches static hardware info.
func (e *Ethoscope) MachineInfo(ctx context.Context) (map[string]any, error) {
	return e.client.GetJSON(ctx, e.url("/machine/%s", e.ID()), e.cfg.RequestTimeout, nil)
}

// UserOptions fetches the device's user-configurable option tree.
func (e *Ethoscope) UserOptions(ctx context.Context) (map[string]any, error) {
	return e.client.GetJSON(ctx, e.url("/user_options/%s", e.ID()), e.cfg.RequestTimeout, nil)
}

// DeviceLog fetches the device's log tail.
func (e *Ethoscope) DeviceLog(ctx context.Context) (map[string]any, error) {
	return e.client.GetJSON(ctx, e.url("/data/log/%s", e.ID()), e.cfg.RequestTimeout, nil)
}

// refreshBackupTelemetry derives the local backup path from the
// reported backup filename and recomputes progress, throttled to one
// recomputation per DBUpdateInterval. Parse failures only downgrade
// the reported backup status; they never fail the poll.
func (e *Ethoscope) refreshBackupTelemetry(ctx context.Context, data map[string]any) {
	filename, _ := data["backup_filename"].(string)

	e.mu.Lock()
	e.backupFilename = filename
	e.mu.Unlock()

	if filename == "" {
		e.setBackupSentinel(BackupStatusNoBackup)
		return
	}

	// New-format devices report their own backup progress.
	if direct, ok := toFloat(data["backup_status"]); ok {
		method, _ := data["backup_method"].(string)
		e.mu.Lock()
		e.backupStatus = clampPercent(direct)
		e.backupState = ""
		if method != "" {
			e.backupMethod = method
		}
		e.mu.Unlock()
		return
	}

	path, err := DeriveBackupPath(e.cfg.ResultsDir, e.Name(), filename)
	if err != nil {
		e.logger.Debug("backup filename unparseable",
			zap.String("device", e.Name()),
			zap.String("backup_filename", filename),
			zap.Error(err),
		)
		e.setBackupSentinel(BackupStatusFileMissing)
		return
	}

	e.mu.Lock()
	e.backupPath = path
	e.mu.Unlock()

	if !e.backupRate.Allow() {
		return
	}

	meta, ok := RemoteMetadataFrom(data)
	if !ok {
		return
	}

	progress, err := ComputeBackupProgress(ctx, path, meta)
	if err != nil {
		e.setBackupSentinel(BackupStatusFileMissing)
		return
	}

	since := ""
	if st, err := os.Stat(path); err == nil {
		since = time.Since(st.ModTime()).Round(time.Second).String()
	}

	e.mu.Lock()
	e.backupStatus = progress.Percent
	e.backupState = ""
	e.backupSize = progress.LocalSize
	e.backupMethod = progress.Method.String()
	e.timeSinceBackup = since
	e.mu.Unlock()
}

// setBackupSentinel replaces the numeric progress with a sentinel
// string; API consumers see it in the backup_status field.
func (e *Ethoscope) setBackupSentinel(state string) {
	e.mu.Lock()
	e.backupState = state
	e.backupStatus = 0
	e.backupSize = 0
	e.backupMethod = ""
	e.timeSinceBackup = ""
	e.mu.Unlock()
}

// maintainCache writes the per-experiment metadata snapshot while a
// session is active and finalises it when the session ends, so that
// database metadata survives the device becoming unreachable.
func (e *Ethoscope) maintainCache(data map[string]any, prevName, nextName models.DeviceStatusName, graceful bool) {
	if e.cache == nil {
		return
	}

	active := activeSessionStates[nextName]
	wasActive := activeSessionStates[prevName]

	if active {
		e.mu.Lock()
		filename := e.backupFilename
		e.mu.Unlock()
		if filename == "" {
			return
		}
		stamp, _, err := ParseBackupFilename(filename)
		if err != nil {
			return
		}

		doc := CacheDocument{
			DBStatus:   DBStatusTracking,
			Experiment: experimentInfoFrom(data, filename),
		}
		if meta, ok := RemoteMetadataFrom(data); ok {
			doc.DBSizeBytes = meta.SizeBytes
			doc.TableCounts = meta.TableCounts
			doc.DBVersion = meta.Version
		}
		if err := e.cache.Write(stamp, e.Name(), doc); err != nil {
			e.logger.Warn("cache write failed", zap.String("device", e.Name()), zap.Error(err))
			return
		}
		e.mu.Lock()
		e.activeStamp = stamp
		e.mu.Unlock()
		return
	}

	if wasActive && (nextName == models.StatusStopped || nextName == models.StatusOffline) {
		e.mu.Lock()
		stamp := e.activeStamp
		e.activeStamp = ""
		e.mu.Unlock()
		if stamp == "" {
			return
		}
		reason := "stopped"
		if nextName == models.StatusOffline {
			reason = "device_offline"
		}
		if err := e.cache.Finalise(stamp, e.Name(), graceful, reason); err != nil {
			e.logger.Warn("cache finalise failed", zap.String("device", e.Name()), zap.Error(err))
		}
	}
}

// CachedMetadata returns the newest cached document for this device,
// used when the device itself cannot be reached.
func (e *Ethoscope) CachedMetadata() (*CacheDocument, string, error) {
	if e.cache == nil {
		return nil, "", nil
	}
	return e.cache.Latest(e.Name())
}

func experimentInfoFrom(data map[string]any, backupFilename string) ExperimentInfo {
	info := ExperimentInfo{BackupFilename: backupFilename}
	exp, ok := data["experimental_info"].(map[string]any)
	if !ok {
		return info
	}
	if v, ok := exp["name"].(string); ok {
		info.User = v
	}
	if v, ok := exp["location"].(string); ok {
		info.Location = v
	}
	if v, ok := exp["result_writer"].(string); ok {
		info.ResultWriter = v
	}
	if v, ok := exp["run_id"].(string); ok {
		info.RunID = v
	}
	return info
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}
