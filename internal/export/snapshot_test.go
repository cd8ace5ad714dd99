package export

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/xtxerr/fieldsync/internal/fetch"
)

func TestSnapshotPath(t *testing.T) {
	captured := time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC)
	got := SnapshotPath("/var/snapshots", captured)
	want := filepath.Join("/var/snapshots", "assets_2026-03-14_09-26-53.parquet")
	if got != want {
		t.Errorf("SnapshotPath() = %q, want %q", got, want)
	}
}

func TestWriteReadRoundTrip(t *testing.T) {
	captured := time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC)
	records := []fetch.AssetRecord{
		{
			ID:          "olt-1",
			Name:        "North OLT",
			Latitude:    41.1,
			Longitude:   -87.5,
			SpeedUnits:  "kph",
			LastUpdated: captured.Add(-time.Minute),
			CommStatus:  "online",
			Category:    "fiber",
		},
		{
			ID:          "truck-9",
			Name:        "Bucket 9",
			Latitude:    41.2,
			Longitude:   -87.6,
			Speed:       37.04,
			SpeedUnits:  "kph",
			Bearing:     180,
			LastUpdated: captured.Add(-10 * time.Second),
			CommStatus:  "online",
			Category:    "fleet",
		},
	}

	path := SnapshotPath(t.TempDir(), captured)
	if err := WriteSnapshot(path, records, captured); err != nil {
		t.Fatalf("WriteSnapshot() error = %v", err)
	}

	rows, err := ReadSnapshot(path)
	if err != nil {
		t.Fatalf("ReadSnapshot() error = %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("rows = %d, want 2", len(rows))
	}

	if rows[0].ID != "olt-1" || rows[0].Category != "fiber" {
		t.Errorf("row 0 = %+v", rows[0])
	}
	if rows[1].Speed != 37.04 || rows[1].Bearing != 180 {
		t.Errorf("row 1 = %+v", rows[1])
	}
	for i, row := range rows {
		if row.CapturedMs != captured.UnixMilli() {
			t.Errorf("row %d CapturedMs = %d, want %d", i, row.CapturedMs, captured.UnixMilli())
		}
	}
	if rows[1].LastUpdatedMs != captured.Add(-10*time.Second).UnixMilli() {
		t.Errorf("row 1 LastUpdatedMs = %d", rows[1].LastUpdatedMs)
	}
}

func TestWriteSnapshotCreatesDirectory(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "snapshots")
	path := SnapshotPath(dir, time.Now())

	if err := WriteSnapshot(path, nil, time.Now()); err != nil {
		t.Fatalf("WriteSnapshot() error = %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Errorf("snapshot file missing: %v", err)
	}

	rows, err := ReadSnapshot(path)
	if err != nil {
		t.Fatalf("ReadSnapshot() of empty snapshot error = %v", err)
	}
	if len(rows) != 0 {
		t.Errorf("rows = %d, want 0", len(rows))
	}
}
