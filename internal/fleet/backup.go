package fleet

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	_ "modernc.org/sqlite" // read-only inspection of local backup files
)

// Sentinel values reported through the info dict when backup progress
// cannot be computed. Parsing failures never raise; they only disable
// backup-status reporting for the cycle.
const (
	BackupStatusNoBackup    = "No Backup"
	BackupStatusFileMissing = "File Missing"
)

// backupFilenamePattern is the strict grammar of device-reported backup
// filenames: YYYY-MM-DD_HH-MM-SS_<devid>.db with a 32-hex device id.
var backupFilenamePattern = regexp.MustCompile(
	`^(\d{4}-\d{2}-\d{2}_\d{2}-\d{2}-\d{2})_([0-9a-f]{32})\.db$`)

// ParseBackupFilename extracts the start timestamp and device id from a
// backup filename. The timestamp keeps its on-disk textual form because
// it names the run directory.
func ParseBackupFilename(name string) (stamp string, deviceID string, err error) {
	m := backupFilenamePattern.FindStringSubmatch(name)
	if m == nil {
		return "", "", fmt.Errorf("backup filename %q does not match YYYY-MM-DD_HH-MM-SS_<devid>.db", name)
	}
	if _, err := time.Parse("2006-01-02_15-04-05", m[1]); err != nil {
		return "", "", fmt.Errorf("backup filename %q: bad timestamp: %w", name, err)
	}
	return m[1], m[2], nil
}

// DeriveBackupPath builds the deterministic local path of a backup file:
// <results>/<devid>/<device_name>/<date>_<time>/<backup_filename>.
func DeriveBackupPath(resultsDir, deviceName, backupFilename string) (string, error) {
	stamp, deviceID, err := ParseBackupFilename(backupFilename)
	if err != nil {
		return "", err
	}
	return filepath.Join(resultsDir, deviceID, deviceName, stamp, backupFilename), nil
}

// BackupPolicy selects how backup progress is measured. The policy is
// chosen from the remote metadata keys, not from extension guessing.
type BackupPolicy int

const (
	PolicyNone       BackupPolicy = iota
	PolicyTableCount              // MySQL-class remote reporting per-table row counts
	PolicyFileSize                // SQLite-class remote reporting only total bytes
)

func (p BackupPolicy) String() string {
	switch p {
	case PolicyTableCount:
		return "table_count"
	case PolicyFileSize:
		return "file_size"
	default:
		return "none"
	}
}

// RemoteMetadata is the device-reported database metadata a backup
// percentage is computed against.
type RemoteMetadata struct {
	SizeBytes   int64
	TableCounts map[string]int64
	Version     string
}

// Policy returns the progress policy the metadata supports.
func (m RemoteMetadata) Policy() BackupPolicy {
	if len(m.TableCounts) > 0 {
		return PolicyTableCount
	}
	if m.SizeBytes > 0 {
		return PolicyFileSize
	}
	return PolicyNone
}

// RemoteMetadataFrom extracts database metadata from a device /data
// payload. The nested databases.{MariaDB,SQLite} shape is preferred
// over the flat legacy database_info map.
func RemoteMetadataFrom(data map[string]any) (RemoteMetadata, bool) {
	if dbs, ok := data["databases"].(map[string]any); ok {
		for _, key := range []string{"MariaDB", "SQLite"} {
			if inner, ok := dbs[key].(map[string]any); ok {
				return parseDBInfo(inner), true
			}
		}
	}
	if info, ok := data["database_info"].(map[string]any); ok {
		return parseDBInfo(info), true
	}
	return RemoteMetadata{}, false
}

func parseDBInfo(info map[string]any) RemoteMetadata {
	var m RemoteMetadata
	if v, ok := toInt64(info["db_size_bytes"]); ok {
		m.SizeBytes = v
	}
	if v, ok := info["db_version"].(string); ok {
		m.Version = v
	}
	if counts, ok := info["table_counts"].(map[string]any); ok {
		m.TableCounts = make(map[string]int64, len(counts))
		for table, raw := range counts {
			if n, ok := toInt64(raw); ok {
				m.TableCounts[table] = n
			}
		}
	}
	return m
}

func toInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case float64:
		return int64(n), true
	case int64:
		return n, true
	case int:
		return int64(n), true
	default:
		return 0, false
	}
}

// BackupProgress is the outcome of one backup-percentage computation.
type BackupProgress struct {
	Percent   float64
	LocalSize int64
	Method    BackupPolicy
}

// ComputeBackupProgress compares the local backup file against the
// remote metadata. Table-count policy sums local rows over every
// non-empty remote table; file-size policy compares byte sizes. Both
// clamp to [0, 100].
func ComputeBackupProgress(ctx context.Context, localPath string, meta RemoteMetadata) (BackupProgress, error) {
	st, err := os.Stat(localPath)
	if err != nil {
		return BackupProgress{}, fmt.Errorf("stat backup %q: %w", localPath, err)
	}

	progress := BackupProgress{LocalSize: st.Size(), Method: meta.Policy()}

	switch progress.Method {
	case PolicyTableCount:
		local, remote, err := sumTableCounts(ctx, localPath, meta.TableCounts)
		if err != nil {
			return BackupProgress{}, err
		}
		if remote > 0 {
			progress.Percent = clampPercent(float64(local) / float64(remote) * 100)
		}
	case PolicyFileSize:
		if meta.SizeBytes > 0 {
			progress.Percent = clampPercent(float64(st.Size()) / float64(meta.SizeBytes) * 100)
		}
	default:
		return BackupProgress{}, fmt.Errorf("remote metadata reports neither table counts nor size")
	}
	return progress, nil
}

// sumTableCounts opens the local backup database read-only and counts
// rows in every table the remote reports as non-empty.
func sumTableCounts(ctx context.Context, path string, remoteCounts map[string]int64) (local, remote int64, err error) {
	db, err := sql.Open("sqlite", "file:"+path+"?mode=ro")
	if err != nil {
		return 0, 0, fmt.Errorf("open backup %q: %w", path, err)
	}
	defer db.Close()

	for table, count := range remoteCounts {
		if count <= 0 {
			continue
		}
		remote += count

		var n int64
		// Table names come from device metadata; quote them as identifiers.
		q := fmt.Sprintf(`SELECT COUNT(*) FROM "%s"`, table)
		if err := db.QueryRowContext(ctx, q).Scan(&n); err != nil {
			// Table not yet mirrored locally counts as zero rows.
			continue
		}
		local += n
	}
	return local, remote, nil
}

func clampPercent(p float64) float64 {
	if p > 100 {
		return 100
	}
	if p < 0 {
		return 0
	}
	return p
}
