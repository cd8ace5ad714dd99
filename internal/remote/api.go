// Package remote - Telemetry API operations
//
// The client consumes two operation shapes: a device listing and a
// per-device status query. The orchestration layer combines them into
// canonical asset records; this file stays at the wire level.

package remote

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/xtxerr/fieldsync/internal/errors"
)

// Device is one entry from the device listing.
type Device struct {
	ID        string  `json:"id"`
	Name      string  `json:"name"`
	Type      string  `json:"type"`
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// DeviceStatus is the live status of a single device. Speed is reported
// in knots; unit conversion is the orchestrator's job.
type DeviceStatus struct {
	SpeedKnots float64 `json:"speed_knots"`
	Bearing    float64 `json:"bearing"`
	LastSeenMs int64   `json:"last_seen_ms"`
	CommStatus string  `json:"comm_status"`
}

// ListDevices returns every device visible to this unit.
func (c *Client) ListDevices(ctx context.Context) ([]Device, error) {
	data, err := c.Call(ctx, "list_devices", "/api/devices")
	if err != nil {
		return nil, err
	}

	var resp struct {
		Devices []Device `json:"devices"`
	}
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("%w: decode device list: %v", errors.ErrNetworkFailure, err)
	}
	return resp.Devices, nil
}

// GetDeviceStatus returns the live status for one device.
func (c *Client) GetDeviceStatus(ctx context.Context, deviceID string) (*DeviceStatus, error) {
	data, err := c.Call(ctx, "get_device_status", "/api/devices/"+deviceID+"/status")
	if err != nil {
		return nil, err
	}

	var status DeviceStatus
	if err := json.Unmarshal(data, &status); err != nil {
		return nil, fmt.Errorf("%w: decode device status: %v", errors.ErrNetworkFailure, err)
	}
	return &status, nil
}
