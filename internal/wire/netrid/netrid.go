// Package netrid decodes Network Remote-ID frames: the 25-byte
// identification/location protocol unmanned aircraft broadcast in U-Space
// airspace. Only the Basic and Location message types are decoded; all
// others are rejected as unsupported.
package netrid

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/maniack/telemetry-ingest/internal/wire/aircraft"
)

// SizeBytes is the fixed length of a full Remote-ID frame (1-byte header +
// 24-byte message payload).
const SizeBytes = 25

// DefaultProtocolVersion is the protocol_version value new frames are
// expected to carry.
const DefaultProtocolVersion = 2

// MessageType enumerates the Remote-ID message type codes carried in the
// frame header's high nibble.
type MessageType uint8

const (
	MessageTypeBasic          MessageType = 0
	MessageTypeLocation       MessageType = 1
	MessageTypeAuthentication MessageType = 2
	MessageTypeSelfId         MessageType = 3
	MessageTypeSystem         MessageType = 4
	MessageTypeOperatorId     MessageType = 5
	MessageTypeMessagePack    MessageType = 15
)

func (m MessageType) String() string {
	switch m {
	case MessageTypeBasic:
		return "Basic"
	case MessageTypeLocation:
		return "Location"
	case MessageTypeAuthentication:
		return "Authentication"
	case MessageTypeSelfId:
		return "SelfId"
	case MessageTypeSystem:
		return "System"
	case MessageTypeOperatorId:
		return "OperatorId"
	case MessageTypeMessagePack:
		return "MessagePack"
	default:
		return fmt.Sprintf("MessageType(%d)", uint8(m))
	}
}

// IdType enumerates how a Basic message's uas_id field should be
// interpreted, and which of AircraftId's identifier/session_id it
// populates.
type IdType uint8

const (
	IdTypeNone IdType = iota
	IdTypeSerialNumber
	IdTypeCaaAssigned
	IdTypeUtmAssigned
	IdTypeSpecificSession
)

// UsesSessionID reports whether this id_type selects AircraftId.SessionID
// rather than AircraftId.Identifier, per the Basic-message population rule.
func (t IdType) UsesSessionID() bool {
	return t == IdTypeUtmAssigned || t == IdTypeSpecificSession
}

// UaType is the sixteen-value Remote-ID unmanned-aircraft type enumeration.
// Its values map 1:1 onto aircraft.Type by ordinal.
type UaType uint8

const (
	UaTypeUndeclared UaType = iota
	UaTypeAeroplane
	UaTypeRotorcraft
	UaTypeGyroplane
	UaTypeHybridLift
	UaTypeOrnithopter
	UaTypeGlider
	UaTypeKite
	UaTypeFreeBalloon
	UaTypeCaptiveBalloon
	UaTypeAirship
	UaTypeUnpowered
	UaTypeRocket
	UaTypeTethered
	UaTypeGroundObstacle
	UaTypeOther
)

// AircraftType maps a UaType onto the shared aircraft.Type vocabulary; the
// two enumerations share an ordinal layout by construction.
func (t UaType) AircraftType() aircraft.Type {
	if t > UaTypeOther {
		return aircraft.Other
	}
	return aircraft.Type(t)
}

// HeightType distinguishes whether LocationMessage.Height is measured from
// the takeoff point or from the ground directly beneath the aircraft.
type HeightType uint8

const (
	HeightAboveTakeoff HeightType = 0
	HeightAboveGround  HeightType = 1
)

// EastWestDirection is the Location message's track-direction hemisphere
// flag: when West, 180 degrees is added to the encoded track byte.
type EastWestDirection uint8

const (
	DirectionEast EastWestDirection = 0
	DirectionWest EastWestDirection = 1
)

// SpeedMultiplier selects which of the two speed-decoding formulas applies.
type SpeedMultiplier uint8

const (
	SpeedMultiplierX025 SpeedMultiplier = 0
	SpeedMultiplierX075 SpeedMultiplier = 1
)

// AccuracyBucket is a generic 4-bit accuracy bucket shared by the four
// accuracy sub-fields of a Location message. The exact meter/mps thresholds
// behind each bucket are defined by the ASTM F3411 standard and are not
// required by any ingest decision in this service; the raw bucket index is
// preserved so downstream consumers that do care can interpret it.
type AccuracyBucket uint8

// DecodeError is returned by Decode for malformed or unsupported frames.
type DecodeError struct {
	Reason string
}

func (e *DecodeError) Error() string { return e.Reason }

var (
	ErrWrongLength          = &DecodeError{"frame is not 25 bytes"}
	ErrUnsupportedMessage   = &DecodeError{"unsupported Remote-ID message type"}
	ErrUnknownSpeed         = &DecodeError{"speed field is the unknown sentinel"}
	ErrSpeedGte254_25       = &DecodeError{"speed field saturated at >= 254.25 m/s"}
	ErrUnknownVerticalSpeed = &DecodeError{"vertical speed field is the unknown sentinel"}
	ErrUnknownAltitude      = &DecodeError{"altitude field is the unknown sentinel"}
)

var errHeaderTooShort = errors.New("header byte missing")

// Header is the one-byte frame header shared by every Remote-ID message.
type Header struct {
	MessageType     MessageType
	ProtocolVersion uint8
}

// DecodeHeader parses the leading header byte.
func DecodeHeader(b byte) Header {
	return Header{
		MessageType:     MessageType(b >> 4),
		ProtocolVersion: b & 0x0F,
	}
}

// BasicMessage is the decoded Basic (message type 0) payload: a stable
// aircraft identity that does not change for the duration of a flight.
type BasicMessage struct {
	IDType  IdType
	UAType  UaType
	UASID   string
	RawUASID [20]byte
}

// DecodeBasic parses a 24-byte Basic message payload (the frame minus its
// header byte).
func DecodeBasic(payload []byte) (*BasicMessage, error) {
	if len(payload) != 24 {
		return nil, ErrWrongLength
	}
	b := &BasicMessage{
		IDType: IdType(payload[0] >> 4),
		UAType: UaType(payload[0] & 0x0F),
	}
	copy(b.RawUASID[:], payload[1:21])
	b.UASID = strings.TrimRight(strings.TrimRight(string(b.RawUASID[:]), "\x00"), " ")
	return b, nil
}

// DecodeOptions controls non-default decode behavior. The zero value is
// the specified default: sentinel-carrying fields fail decode with a typed
// error rather than being passed through.
type DecodeOptions struct {
	// PassThroughSentinels, when true, causes sentinel-carrying fields
	// (unknown speed/altitude) to decode to a zero value with an
	// accompanying boolean "known" flag instead of failing the whole
	// decode. This is open question O1; default false.
	PassThroughSentinels bool
}

// LocationMessage is the decoded Location (message type 1) payload: the
// aircraft's instantaneous position, altitude, and velocity.
type LocationMessage struct {
	HeightType      HeightType
	EastWest        EastWestDirection
	SpeedMultiplier SpeedMultiplier

	TrackDegrees float64

	SpeedKnown bool
	SpeedMPS   float64

	VerticalSpeedKnown bool
	VerticalSpeedMPS   float64

	LatitudeDegrees  float64
	LongitudeDegrees float64

	PressureAltitudeKnown bool
	PressureAltitudeM     float64
	GeodeticAltitudeM     float64
	HeightM               float64

	HorizontalAccuracy    AccuracyBucket
	VerticalAccuracy      AccuracyBucket
	BaroAltitudeAccuracy  AccuracyBucket
	SpeedAccuracy         AccuracyBucket

	// TimestampUTC is the decode-time best estimate of wall-clock time for
	// the tenths-of-a-second-since-the-hour field, correcting for the
	// "belongs to the previous hour" case.
	TimestampUTC          time.Time
	TimestampAccuracyKnown bool
	TimestampAccuracySec   float64
}

// DecodeLocation parses a 24-byte Location message payload. now is the
// decode-time wall clock, used to resolve the top-of-hour-relative
// timestamp field; callers pass time.Now().UTC() in production and a fixed
// instant in tests.
func DecodeLocation(payload []byte, now time.Time, opts DecodeOptions) (*LocationMessage, error) {
	if len(payload) != 24 {
		return nil, ErrWrongLength
	}

	b0 := payload[0]
	opStatus := b0 >> 4 // unused by any ingest decision; kept for completeness
	_ = opStatus
	heightType := HeightType((b0 >> 2) & 0x1)
	ew := EastWestDirection((b0 >> 1) & 0x1)
	speedMul := SpeedMultiplier(b0 & 0x1)

	track := float64(payload[1])
	if ew == DirectionWest {
		track += 180
	}

	speedRaw := payload[2]
	speedKnown, speedMPS, err := decodeSpeed(speedRaw, speedMul, opts)
	if err != nil {
		return nil, err
	}

	vspeedRaw := int8(payload[3])
	vspeedKnown, vspeedMPS, err := decodeVerticalSpeed(vspeedRaw, opts)
	if err != nil {
		return nil, err
	}

	latRaw := int32(binary.LittleEndian.Uint32(payload[4:8]))
	lonRaw := int32(binary.LittleEndian.Uint32(payload[8:12]))

	pressureAltRaw := binary.LittleEndian.Uint16(payload[12:14])
	pressureKnown, pressureAltM, err := decodeAltitude(pressureAltRaw, opts)
	if err != nil {
		return nil, err
	}
	geodeticAltRaw := binary.LittleEndian.Uint16(payload[14:16])
	_, geodeticAltM, _ := decodeAltitude(geodeticAltRaw, DecodeOptions{PassThroughSentinels: true})
	heightRaw := binary.LittleEndian.Uint16(payload[16:18])
	_, heightM, _ := decodeAltitude(heightRaw, DecodeOptions{PassThroughSentinels: true})

	horizAcc := AccuracyBucket(payload[18] >> 4)
	vertAcc := AccuracyBucket(payload[18] & 0x0F)
	baroAcc := AccuracyBucket(payload[19] >> 4)
	speedAcc := AccuracyBucket(payload[19] & 0x0F)

	timestampRaw := binary.LittleEndian.Uint16(payload[20:22])
	timestampAccRaw := payload[22] & 0x0F

	loc := &LocationMessage{
		HeightType:            heightType,
		EastWest:              ew,
		SpeedMultiplier:       speedMul,
		TrackDegrees:          track,
		SpeedKnown:            speedKnown,
		SpeedMPS:              speedMPS,
		VerticalSpeedKnown:    vspeedKnown,
		VerticalSpeedMPS:      vspeedMPS,
		LatitudeDegrees:       float64(latRaw) * 1e-7,
		LongitudeDegrees:      float64(lonRaw) * 1e-7,
		PressureAltitudeKnown: pressureKnown,
		PressureAltitudeM:     pressureAltM,
		GeodeticAltitudeM:     geodeticAltM,
		HeightM:               heightM,
		HorizontalAccuracy:    horizAcc,
		VerticalAccuracy:      vertAcc,
		BaroAltitudeAccuracy:  baroAcc,
		SpeedAccuracy:         speedAcc,
		TimestampUTC:          resolveHourTimestamp(timestampRaw, now),
	}
	if timestampAccRaw != 0 {
		loc.TimestampAccuracyKnown = true
		loc.TimestampAccuracySec = float64(timestampAccRaw) * 0.1
	}
	return loc, nil
}

func decodeSpeed(raw uint8, mul SpeedMultiplier, opts DecodeOptions) (known bool, mps float64, err error) {
	var knots float64
	if mul == SpeedMultiplierX025 {
		knots = float64(raw) * 0.25
	} else {
		knots = float64(raw)*0.75 + 63.75
	}
	if knots == 255 {
		if opts.PassThroughSentinels {
			return false, 0, nil
		}
		return false, 0, ErrUnknownSpeed
	}
	if knots == 254.25 && !opts.PassThroughSentinels {
		return false, 0, ErrSpeedGte254_25
	}
	return true, knots, nil
}

func decodeVerticalSpeed(raw int8, opts DecodeOptions) (known bool, mps float64, err error) {
	v := float64(raw) * 0.5
	if v == 63 {
		if opts.PassThroughSentinels {
			return false, 0, nil
		}
		return false, 0, ErrUnknownVerticalSpeed
	}
	if v > 62 {
		v = 62
	}
	if v < -62 {
		v = -62
	}
	return true, v, nil
}

func decodeAltitude(raw uint16, opts DecodeOptions) (known bool, meters float64, err error) {
	if raw == 0 {
		if opts.PassThroughSentinels {
			return false, 0, nil
		}
		return false, 0, ErrUnknownAltitude
	}
	return true, float64(raw)*0.5 - 1000, nil
}

// resolveHourTimestamp interprets a tenths-of-a-second-since-the-hour field
// relative to now, rolling back one hour if the encoded value exceeds the
// current tenths-since-hour count (meaning the frame was produced earlier,
// before the most recent top-of-hour wrap that now has already passed).
func resolveHourTimestamp(tenths uint16, now time.Time) time.Time {
	hourStart := now.Truncate(time.Hour)
	nowTenths := uint16(now.Sub(hourStart) / (100 * time.Millisecond))
	ts := hourStart.Add(time.Duration(tenths) * 100 * time.Millisecond)
	if tenths > nowTenths {
		ts = ts.Add(-time.Hour)
	}
	return ts
}

// Decode parses a full 25-byte Remote-ID frame. Only Basic and Location
// message types are decoded; any other message type returns
// ErrUnsupportedMessage.
func Decode(data []byte, now time.Time, opts DecodeOptions) (Header, *BasicMessage, *LocationMessage, error) {
	if len(data) != SizeBytes {
		return Header{}, nil, nil, ErrWrongLength
	}
	hdr := DecodeHeader(data[0])
	switch hdr.MessageType {
	case MessageTypeBasic:
		b, err := DecodeBasic(data[1:])
		return hdr, b, nil, err
	case MessageTypeLocation:
		l, err := DecodeLocation(data[1:], now, opts)
		return hdr, nil, l, err
	default:
		return hdr, nil, nil, ErrUnsupportedMessage
	}
}
