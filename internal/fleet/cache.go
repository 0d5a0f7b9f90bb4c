package fleet

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Terminal states of a cached experiment database.
const (
	DBStatusTracking  = "tracking"
	DBStatusFinalised = "finalised"
)

// ExperimentInfo describes the experiment a cache document belongs to.
type ExperimentInfo struct {
	User           string `json:"user"`
	Location       string `json:"location"`
	BackupFilename string `json:"backup_filename"`
	ResultWriter   string `json:"result_writer"`
	RunID          string `json:"run_id,omitempty"`
}

// CacheDocument is one per-experiment snapshot of a device's database
// metadata. It is what the node falls back to when the device cannot
// be reached.
type CacheDocument struct {
	DBStatus          string           `json:"db_status"` // tracking | finalised
	DBSizeBytes       int64            `json:"db_size_bytes"`
	TableCounts       map[string]int64 `json:"table_counts,omitempty"`
	DBVersion         string           `json:"db_version,omitempty"`
	Experiment        ExperimentInfo   `json:"experiment"`
	StoppedGracefully *bool            `json:"stopped_gracefully,omitempty"`
	StopReason        string           `json:"stop_reason,omitempty"`
	UpdatedAt         time.Time        `json:"updated_at"`
}

// MetadataCache stores one JSON document per experiment under the cache
// directory, keyed db_metadata_<YYYY-MM-DD_HH-MM-SS>_<device_name>_db.json.
type MetadataCache struct {
	dir    string
	logger *zap.Logger
}

// NewMetadataCache creates the cache rooted at dir, creating it if needed.
func NewMetadataCache(dir string, logger *zap.Logger) (*MetadataCache, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create cache dir %q: %w", dir, err)
	}
	return &MetadataCache{dir: dir, logger: logger}, nil
}

// FileName returns the cache file name for an experiment stamp and device.
func (c *MetadataCache) FileName(stamp, deviceName string) string {
	return fmt.Sprintf("db_metadata_%s_%s_db.json", stamp, deviceName)
}

// Write persists a cache document atomically (write to temp, rename).
func (c *MetadataCache) Write(stamp, deviceName string, doc CacheDocument) error {
	doc.UpdatedAt = time.Now().UTC()
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("encode cache document: %w", err)
	}

	path := filepath.Join(c.dir, c.FileName(stamp, deviceName))
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write cache %q: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename cache %q: %w", path, err)
	}
	return nil
}

// Read loads one cache document.
func (c *MetadataCache) Read(stamp, deviceName string) (*CacheDocument, error) {
	path := filepath.Join(c.dir, c.FileName(stamp, deviceName))
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read cache %q: %w", path, err)
	}
	var doc CacheDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decode cache %q: %w", path, err)
	}
	return &doc, nil
}

// Latest returns the most recent cache document for a device, by the
// timestamp embedded in the file name. Returns nil when none exists.
func (c *MetadataCache) Latest(deviceName string) (*CacheDocument, string, error) {
	entries, err := os.ReadDir(c.dir)
	if err != nil {
		return nil, "", fmt.Errorf("read cache dir %q: %w", c.dir, err)
	}

	suffix := fmt.Sprintf("_%s_db.json", deviceName)
	var stamps []string
	for _, e := range entries {
		name := e.Name()
		if !strings.HasPrefix(name, "db_metadata_") || !strings.HasSuffix(name, suffix) {
			continue
		}
		stamp := strings.TrimSuffix(strings.TrimPrefix(name, "db_metadata_"), suffix)
		stamps = append(stamps, stamp)
	}
	if len(stamps) == 0 {
		return nil, "", nil
	}

	// Stamps sort lexicographically in time order.
	sort.Strings(stamps)
	latest := stamps[len(stamps)-1]
	doc, err := c.Read(latest, deviceName)
	if err != nil {
		return nil, "", err
	}
	return doc, latest, nil
}

// Finalise marks an experiment's cache document terminal, recording
// whether the stop was graceful and why.
func (c *MetadataCache) Finalise(stamp, deviceName string, graceful bool, reason string) error {
	doc, err := c.Read(stamp, deviceName)
	if err != nil {
		return err
	}
	if doc.DBStatus == DBStatusFinalised {
		return nil
	}
	doc.DBStatus = DBStatusFinalised
	doc.StoppedGracefully = &graceful
	doc.StopReason = reason
	if err := c.Write(stamp, deviceName, *doc); err != nil {
		return err
	}
	c.logger.Info("experiment cache finalised",
		zap.String("device", deviceName),
		zap.String("stamp", stamp),
		zap.Bool("graceful", graceful),
		zap.String("reason", reason),
	)
	return nil
}
