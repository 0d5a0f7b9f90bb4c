package fleet

import (
	"testing"

	"go.uber.org/zap"
)

func newTestCache(t *testing.T) *MetadataCache {
	t.Helper()
	cache, err := NewMetadataCache(t.TempDir(), zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	return cache
}

func TestCacheWriteRead(t *testing.T) {
	cache := newTestCache(t)
	doc := CacheDocument{
		DBStatus:    DBStatusTracking,
		DBSizeBytes: 1024,
		Experiment:  ExperimentInfo{User: "alice", Location: "incubator_3"},
	}
	if err := cache.Write("2026-03-01_14-05-22", "ETHOSCOPE_007", doc); err != nil {
		t.Fatal(err)
	}

	got, err := cache.Read("2026-03-01_14-05-22", "ETHOSCOPE_007")
	if err != nil {
		t.Fatal(err)
	}
	if got.DBStatus != DBStatusTracking || got.Experiment.User != "alice" {
		t.Fatalf("got %+v", got)
	}
	if got.UpdatedAt.IsZero() {
		t.Fatal("UpdatedAt not stamped")
	}
}

func TestCacheLatestPicksNewestStamp(t *testing.T) {
	cache := newTestCache(t)
	for _, stamp := range []string{
		"2026-02-01_09-00-00",
		"2026-03-01_14-05-22",
		"2026-01-15_20-30-00",
	} {
		doc := CacheDocument{DBStatus: DBStatusTracking, Experiment: ExperimentInfo{RunID: stamp}}
		if err := cache.Write(stamp, "ETHOSCOPE_007", doc); err != nil {
			t.Fatal(err)
		}
	}
	// Other devices must not interfere.
	if err := cache.Write("2026-12-31_23-59-59", "ETHOSCOPE_008", CacheDocument{DBStatus: DBStatusTracking}); err != nil {
		t.Fatal(err)
	}

	doc, stamp, err := cache.Latest("ETHOSCOPE_007")
	if err != nil {
		t.Fatal(err)
	}
	if stamp != "2026-03-01_14-05-22" {
		t.Fatalf("stamp = %s", stamp)
	}
	if doc.Experiment.RunID != "2026-03-01_14-05-22" {
		t.Fatalf("doc = %+v", doc)
	}
}

func TestCacheLatestEmpty(t *testing.T) {
	cache := newTestCache(t)
	doc, stamp, err := cache.Latest("ETHOSCOPE_404")
	if err != nil {
		t.Fatal(err)
	}
	if doc != nil || stamp != "" {
		t.Fatalf("expected nil result, got %+v / %q", doc, stamp)
	}
}

func TestCacheFinalise(t *testing.T) {
	cache := newTestCache(t)
	if err := cache.Write("2026-03-01_14-05-22", "ETHOSCOPE_007",
		CacheDocument{DBStatus: DBStatusTracking}); err != nil {
		t.Fatal(err)
	}

	if err := cache.Finalise("2026-03-01_14-05-22", "ETHOSCOPE_007", false, "device_offline"); err != nil {
		t.Fatal(err)
	}

	doc, err := cache.Read("2026-03-01_14-05-22", "ETHOSCOPE_007")
	if err != nil {
		t.Fatal(err)
	}
	if doc.DBStatus != DBStatusFinalised {
		t.Fatalf("status = %s", doc.DBStatus)
	}
	if doc.StoppedGracefully == nil || *doc.StoppedGracefully {
		t.Fatal("StoppedGracefully should be false")
	}
	if doc.StopReason != "device_offline" {
		t.Fatalf("reason = %s", doc.StopReason)
	}

	// Finalising twice must not overwrite the first verdict.
	if err := cache.Finalise("2026-03-01_14-05-22", "ETHOSCOPE_007", true, "stopped"); err != nil {
		t.Fatal(err)
	}
	doc, _ = cache.Read("2026-03-01_14-05-22", "ETHOSCOPE_007")
	if *doc.StoppedGracefully || doc.StopReason != "device_offline" {
		t.Fatal("second finalise must be a no-op")
	}
}
