// Package export writes point-in-time snapshots of the asset cache to
// Parquet files for offline audit and analysis.
package export

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/parquet-go/parquet-go"

	"github.com/xtxerr/fieldsync/internal/fetch"
	"github.com/xtxerr/fieldsync/internal/logging"
)

var log = logging.Component("export")

// AssetRow is an asset record in Parquet format.
type AssetRow struct {
	ID            string  `parquet:"id,zstd"`
	Name          string  `parquet:"name,zstd"`
	Latitude      float64 `parquet:"latitude"`
	Longitude     float64 `parquet:"longitude"`
	Speed         float64 `parquet:"speed"`
	SpeedUnits    string  `parquet:"speed_units,zstd"`
	Bearing       float64 `parquet:"bearing"`
	LastUpdatedMs int64   `parquet:"last_updated_ms"`
	CommStatus    string  `parquet:"comm_status,zstd"`
	Category      string  `parquet:"category,zstd"`
	CapturedMs    int64   `parquet:"captured_ms"`
}

// recordToRow converts an AssetRecord to its Parquet row.
func recordToRow(r *fetch.AssetRecord, captured time.Time) AssetRow {
	return AssetRow{
		ID:            r.ID,
		Name:          r.Name,
		Latitude:      r.Latitude,
		Longitude:     r.Longitude,
		Speed:         r.Speed,
		SpeedUnits:    r.SpeedUnits,
		Bearing:       r.Bearing,
		LastUpdatedMs: r.LastUpdated.UnixMilli(),
		CommStatus:    r.CommStatus,
		Category:      r.Category,
		CapturedMs:    captured.UnixMilli(),
	}
}

// SnapshotPath returns the file path for a snapshot captured at t.
func SnapshotPath(dir string, t time.Time) string {
	return filepath.Join(dir, "assets_"+t.UTC().Format("2006-01-02_15-04-05")+".parquet")
}

// WriteSnapshot writes asset records to a Parquet file at path.
func WriteSnapshot(path string, records []fetch.AssetRecord, captured time.Time) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create directory: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create file: %w", err)
	}

	writer := parquet.NewGenericWriter[AssetRow](f, parquet.Compression(&parquet.Zstd))

	rows := make([]AssetRow, len(records))
	for i := range records {
		rows[i] = recordToRow(&records[i], captured)
	}

	if _, err := writer.Write(rows); err != nil {
		writer.Close()
		f.Close()
		return fmt.Errorf("write rows: %w", err)
	}

	if err := writer.Close(); err != nil {
		f.Close()
		return fmt.Errorf("close writer: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close file: %w", err)
	}

	log.Info("wrote asset snapshot", "path", path, "records", len(records))
	return nil
}

// ReadSnapshot reads all asset rows back from a snapshot file.
func ReadSnapshot(path string) ([]AssetRow, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open file: %w", err)
	}
	defer f.Close()

	reader := parquet.NewGenericReader[AssetRow](f, parquet.ReadBufferSize(1024*1024))
	defer reader.Close()

	rows := make([]AssetRow, reader.NumRows())
	if len(rows) == 0 {
		return nil, nil
	}

	n, err := reader.Read(rows)
	if err != nil && err != io.EOF {
		return nil, fmt.Errorf("read rows: %w", err)
	}
	return rows[:n], nil
}
