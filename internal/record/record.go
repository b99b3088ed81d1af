// Package record defines the three decoded telemetry shapes the ingest
// engine produces — AircraftId, AircraftPosition, AircraftVelocity — and
// that flow from C1 decoders through the C6 ring buffers to the C7
// batcher and the C8 broker. Field names and JSON tags follow the data
// model's wire contract with the spatial service and broker.
package record

import (
	"time"

	"github.com/maniack/telemetry-ingest/internal/wire/aircraft"
)

// AircraftId carries an aircraft's identity: exactly one of Identifier or
// SessionID is populated, selected by the Remote-ID id_type field (or
// always Identifier for ADS-B, which has no session concept).
type AircraftId struct {
	Identifier      string        `json:"identifier,omitempty"`
	SessionID       string        `json:"session_id,omitempty"`
	AircraftType    aircraft.Type `json:"aircraft_type"`
	TimestampNetwork time.Time    `json:"timestamp_network"`
	TimestampAsset  *time.Time    `json:"timestamp_asset,omitempty"`
}

// Position is a WGS-84 latitude/longitude/altitude triple.
type Position struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	AltitudeM float64 `json:"altitude_m"`
}

// AircraftPosition carries a decoded position fix for one identifier.
type AircraftPosition struct {
	Identifier       string     `json:"identifier"`
	Position         Position   `json:"position"`
	TimestampNetwork time.Time  `json:"timestamp_network"`
	TimestampAsset   *time.Time `json:"timestamp_asset,omitempty"`
}

// AircraftVelocity carries a decoded velocity fix for one identifier.
type AircraftVelocity struct {
	Identifier                  string     `json:"identifier"`
	VelocityHorizontalGroundMPS float32    `json:"velocity_horizontal_ground_mps"`
	VelocityHorizontalAirMPS    *float32   `json:"velocity_horizontal_air_mps,omitempty"`
	VelocityVerticalMPS         float32    `json:"velocity_vertical_mps"`
	TrackAngleDegrees           float32    `json:"track_angle_degrees"`
	TimestampAsset              *time.Time `json:"timestamp_asset,omitempty"`
	TimestampNetwork            time.Time  `json:"timestamp_network"`
}
