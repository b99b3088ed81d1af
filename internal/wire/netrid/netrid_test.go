package netrid

import (
	"encoding/binary"
	"math"
	"testing"
	"time"

	"github.com/maniack/telemetry-ingest/internal/wire/aircraft"
)

func almostEqual(a, b, tol float64) bool {
	return math.Abs(a-b) < tol
}

func TestDecodeHeader(t *testing.T) {
	hdr := DecodeHeader(0x12) // type 1 (Location), version 2
	if hdr.MessageType != MessageTypeLocation {
		t.Errorf("MessageType = %v, want Location", hdr.MessageType)
	}
	if hdr.ProtocolVersion != 2 {
		t.Errorf("ProtocolVersion = %v, want 2", hdr.ProtocolVersion)
	}
}

func TestDecodeBasic(t *testing.T) {
	payload := make([]byte, 24)
	payload[0] = byte(IdTypeSerialNumber)<<4 | byte(UaTypeRotorcraft)
	copy(payload[1:21], []byte("1SNY0123456789ABCDEF"))

	b, err := DecodeBasic(payload)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if b.IDType != IdTypeSerialNumber {
		t.Errorf("IDType = %v, want SerialNumber", b.IDType)
	}
	if b.UAType != UaTypeRotorcraft {
		t.Errorf("UAType = %v, want Rotorcraft", b.UAType)
	}
	if b.UAType.AircraftType() != aircraft.Rotorcraft {
		t.Errorf("AircraftType() = %v, want Rotorcraft", b.UAType.AircraftType())
	}
	if got := b.UASID; got != "1SNY0123456789ABCDEF" {
		t.Errorf("UASID = %q", got)
	}
}

func TestDecodeBasicWrongLength(t *testing.T) {
	if _, err := DecodeBasic(make([]byte, 10)); err != ErrWrongLength {
		t.Fatalf("err = %v, want ErrWrongLength", err)
	}
}

func TestIdTypeUsesSessionID(t *testing.T) {
	cases := []struct {
		t    IdType
		want bool
	}{
		{IdTypeNone, false},
		{IdTypeSerialNumber, false},
		{IdTypeCaaAssigned, false},
		{IdTypeUtmAssigned, true},
		{IdTypeSpecificSession, true},
	}
	for _, c := range cases {
		if got := c.t.UsesSessionID(); got != c.want {
			t.Errorf("UsesSessionID(%v) = %v, want %v", c.t, got, c.want)
		}
	}
}

func locationPayload() []byte {
	payload := make([]byte, 24)
	payload[0] = 0x00<<4 | byte(HeightAboveTakeoff)<<2 | byte(DirectionEast)<<1 | byte(SpeedMultiplierX025)
	payload[1] = 90             // track
	payload[2] = 40             // speed raw (x0.25 kt)
	payload[3] = byte(int8(9))  // vertical speed raw (9 * 0.5 = 4.5 m/s)
	binary.LittleEndian.PutUint32(payload[4:8], uint32(int32(370000000)))  // lat 37.0 deg * 1e7
	binary.LittleEndian.PutUint32(payload[8:12], uint32(int32(-1220000000))) // lon -122.0 deg * 1e7
	binary.LittleEndian.PutUint16(payload[12:14], 2040)                    // pressure altitude raw -> (2040*0.5 - 1000) = 20m
	binary.LittleEndian.PutUint16(payload[14:16], 2100)                    // geodetic altitude raw -> 50m
	binary.LittleEndian.PutUint16(payload[16:18], 1100)                    // height raw -> -450m
	payload[18] = 0x12                                                     // horizontal=1, vertical=2
	payload[19] = 0x34                                                     // baro=3, speed=4
	binary.LittleEndian.PutUint16(payload[20:22], 100)                     // tenths since hour
	payload[22] = 5                                                        // timestamp accuracy
	return payload
}

func TestDecodeLocation(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 15, 0, time.UTC)
	loc, err := DecodeLocation(locationPayload(), now, DecodeOptions{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !almostEqual(loc.TrackDegrees, 90, 0.001) {
		t.Errorf("TrackDegrees = %v, want 90", loc.TrackDegrees)
	}
	if !loc.SpeedKnown || !almostEqual(loc.SpeedMPS, 10, 0.001) {
		t.Errorf("SpeedMPS = %v known=%v, want 10 knots known", loc.SpeedMPS, loc.SpeedKnown)
	}
	if !loc.VerticalSpeedKnown || !almostEqual(loc.VerticalSpeedMPS, 4.5, 0.001) {
		t.Errorf("VerticalSpeedMPS = %v known=%v, want 4.5", loc.VerticalSpeedMPS, loc.VerticalSpeedKnown)
	}
	if !almostEqual(loc.LatitudeDegrees, 37.0, 1e-6) {
		t.Errorf("LatitudeDegrees = %v, want 37.0", loc.LatitudeDegrees)
	}
	if !almostEqual(loc.LongitudeDegrees, -122.0, 1e-6) {
		t.Errorf("LongitudeDegrees = %v, want -122.0", loc.LongitudeDegrees)
	}
	if !loc.PressureAltitudeKnown || !almostEqual(loc.PressureAltitudeM, 20, 0.001) {
		t.Errorf("PressureAltitudeM = %v known=%v, want 20", loc.PressureAltitudeM, loc.PressureAltitudeKnown)
	}
	if !almostEqual(loc.GeodeticAltitudeM, 50, 0.001) {
		t.Errorf("GeodeticAltitudeM = %v, want 50", loc.GeodeticAltitudeM)
	}
	if loc.HorizontalAccuracy != 1 || loc.VerticalAccuracy != 2 || loc.BaroAltitudeAccuracy != 3 || loc.SpeedAccuracy != 4 {
		t.Errorf("accuracy buckets = %v/%v/%v/%v, want 1/2/3/4",
			loc.HorizontalAccuracy, loc.VerticalAccuracy, loc.BaroAltitudeAccuracy, loc.SpeedAccuracy)
	}
	if !loc.TimestampAccuracyKnown || !almostEqual(loc.TimestampAccuracySec, 0.5, 0.001) {
		t.Errorf("TimestampAccuracySec = %v known=%v, want 0.5", loc.TimestampAccuracySec, loc.TimestampAccuracyKnown)
	}
}

func TestDecodeLocationWestDirectionAddsHeading(t *testing.T) {
	payload := locationPayload()
	payload[0] = 0x00<<4 | byte(HeightAboveTakeoff)<<2 | byte(DirectionWest)<<1 | byte(SpeedMultiplierX025)
	payload[1] = 10
	loc, err := DecodeLocation(payload, time.Now().UTC(), DecodeOptions{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !almostEqual(loc.TrackDegrees, 190, 0.001) {
		t.Errorf("TrackDegrees = %v, want 190", loc.TrackDegrees)
	}
}

func TestDecodeLocationUnknownSentinelsFailByDefault(t *testing.T) {
	payload := locationPayload()
	payload[0] = payload[0]&^0x01 | byte(SpeedMultiplierX075) // raw 255 only decodes to the sentinel 255.0 under the x0.75 formula
	payload[2] = 255                                          // unknown speed sentinel
	if _, err := DecodeLocation(payload, time.Now().UTC(), DecodeOptions{}); err != ErrUnknownSpeed {
		t.Fatalf("err = %v, want ErrUnknownSpeed", err)
	}
	if _, err := DecodeLocation(payload, time.Now().UTC(), DecodeOptions{PassThroughSentinels: true}); err != nil {
		t.Fatalf("unexpected error with PassThroughSentinels: %v", err)
	}
}

func TestDecodeVerticalSpeedRawAt63IsValidNotSentinel(t *testing.T) {
	payload := locationPayload()
	payload[3] = byte(int8(63)) // raw 63 decodes to a valid 31.5 m/s, not the sentinel
	loc, err := DecodeLocation(payload, time.Now().UTC(), DecodeOptions{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !loc.VerticalSpeedKnown || !almostEqual(loc.VerticalSpeedMPS, 31.5, 0.001) {
		t.Errorf("VerticalSpeedMPS = %v known=%v, want 31.5", loc.VerticalSpeedMPS, loc.VerticalSpeedKnown)
	}
}

func TestDecodeVerticalSpeedSentinelAtRaw126(t *testing.T) {
	payload := locationPayload()
	payload[3] = byte(int8(126)) // raw 126 * 0.5 == 63.0, the actual unknown-vertical-speed sentinel
	if _, err := DecodeLocation(payload, time.Now().UTC(), DecodeOptions{}); err != ErrUnknownVerticalSpeed {
		t.Fatalf("err = %v, want ErrUnknownVerticalSpeed", err)
	}
	loc, err := DecodeLocation(payload, time.Now().UTC(), DecodeOptions{PassThroughSentinels: true})
	if err != nil {
		t.Fatalf("unexpected error with PassThroughSentinels: %v", err)
	}
	if loc.VerticalSpeedKnown {
		t.Errorf("VerticalSpeedKnown = true, want false for the passed-through sentinel")
	}
}

func TestDecodeSpeedX025RawAt255IsValidNotSentinel(t *testing.T) {
	payload := locationPayload()
	payload[2] = 255 // raw 255 under x0.25 decodes to a valid 63.75 m/s, not the sentinel
	loc, err := DecodeLocation(payload, time.Now().UTC(), DecodeOptions{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !almostEqual(loc.SpeedMPS, 63.75, 0.001) {
		t.Errorf("SpeedMPS = %v, want 63.75", loc.SpeedMPS)
	}
}

func TestResolveHourTimestamp(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 15, 0, time.UTC) // 150 tenths since the hour
	// 100 tenths = 10s since the hour, before now's 150 tenths: same hour.
	got := resolveHourTimestamp(100, now)
	want := time.Date(2026, 1, 1, 12, 0, 10, 0, time.UTC)
	if !got.Equal(want) {
		t.Errorf("resolveHourTimestamp = %v, want %v", got, want)
	}

	// A tenths value greater than now's tenths-since-hour belongs to the
	// previous hour.
	got = resolveHourTimestamp(2000, now) // 200s, later than 15s already elapsed
	want = time.Date(2026, 1, 1, 11, 3, 20, 0, time.UTC)
	if !got.Equal(want) {
		t.Errorf("resolveHourTimestamp = %v, want %v", got, want)
	}
}

func TestDecodeUnsupportedMessageType(t *testing.T) {
	data := make([]byte, SizeBytes)
	data[0] = byte(MessageTypeSelfId) << 4
	_, _, _, err := Decode(data, time.Now().UTC(), DecodeOptions{})
	if err != ErrUnsupportedMessage {
		t.Fatalf("err = %v, want ErrUnsupportedMessage", err)
	}
}

func TestDecodeWrongLength(t *testing.T) {
	_, _, _, err := Decode(make([]byte, 10), time.Now().UTC(), DecodeOptions{})
	if err != ErrWrongLength {
		t.Fatalf("err = %v, want ErrWrongLength", err)
	}
}

func TestUaTypeAircraftTypeOutOfRange(t *testing.T) {
	if got := UaType(200).AircraftType(); got != aircraft.Other {
		t.Errorf("AircraftType() = %v, want Other", got)
	}
}
