// Package fetch - Asset record assembly
//
// The remote API exposes a device listing and per-device status as
// separate operations. They are combined here into canonical asset
// records: position, converted speed, bearing, communication status and
// a display category derived from the device type.

package fetch

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/xtxerr/fieldsync/internal/remote"
)

// DatasetAssets is the dataset key for combined asset records.
const DatasetAssets = "assets"

// AssetRecord is the canonical client-side asset representation.
type AssetRecord struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Latitude    float64   `json:"latitude"`
	Longitude   float64   `json:"longitude"`
	Speed       float64   `json:"speed"`
	SpeedUnits  string    `json:"speed_units"`
	Bearing     float64   `json:"bearing"`
	LastUpdated time.Time `json:"last_updated"`
	CommStatus  string    `json:"comm_status"`
	Category    string    `json:"category"`
}

// Telemetry is the remote surface the assembler consumes.
// *remote.Client satisfies it.
type Telemetry interface {
	ListDevices(ctx context.Context) ([]remote.Device, error)
	GetDeviceStatus(ctx context.Context, deviceID string) (*remote.DeviceStatus, error)
}

// Speed conversion factors from knots, the API's native unit.
const (
	knotsToKPH = 1.852
	knotsToMPH = 1.15078
)

// ConvertSpeed converts knots to the given display units. Unknown units
// fall back to km/h.
func ConvertSpeed(knots float64, units string) float64 {
	switch units {
	case "mph":
		return knots * knotsToMPH
	default:
		return knots * knotsToKPH
	}
}

// Categorize maps a raw device type onto a display category.
func Categorize(deviceType string) string {
	switch deviceType {
	case "olt", "splice_closure", "fiber_node", "ont":
		return "fiber"
	case "transformer", "recloser", "meter", "substation":
		return "electric"
	case "pump", "valve", "hydrant":
		return "water"
	case "truck", "van", "bucket_truck":
		return "fleet"
	default:
		return "other"
	}
}

// AssetFetcher returns the FetchFunc for the assets dataset.
//
// A device whose status query fails is still included, flagged with an
// unknown communication status; only a failed listing fails the fetch.
func AssetFetcher(api Telemetry, speedUnits string) FetchFunc {
	return func(ctx context.Context) ([]byte, error) {
		devices, err := api.ListDevices(ctx)
		if err != nil {
			return nil, err
		}

		records := make([]AssetRecord, 0, len(devices))
		for _, d := range devices {
			rec := AssetRecord{
				ID:         d.ID,
				Name:       d.Name,
				Latitude:   d.Latitude,
				Longitude:  d.Longitude,
				SpeedUnits: speedUnits,
				CommStatus: "unknown",
				Category:   Categorize(d.Type),
			}

			status, err := api.GetDeviceStatus(ctx, d.ID)
			if err != nil {
				log.Warn("device status unavailable", "device", d.ID, "error", err)
			} else {
				rec.Speed = ConvertSpeed(status.SpeedKnots, speedUnits)
				rec.Bearing = status.Bearing
				rec.LastUpdated = time.UnixMilli(status.LastSeenMs)
				rec.CommStatus = status.CommStatus
			}

			records = append(records, rec)
		}

		payload, err := json.Marshal(records)
		if err != nil {
			return nil, fmt.Errorf("marshal asset records: %w", err)
		}
		return payload, nil
	}
}
