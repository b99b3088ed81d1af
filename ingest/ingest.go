// Package ingest implements the per-endpoint orchestrators (C5): dedup,
// parse, decode, enqueue to the egress rings, fan out to the broker and
// storage archive, and acknowledge the submitter with a reporter count.
// The prologue shared by both handlers follows spec.md §4.4 step for
// step; the bit-level work itself lives in internal/wire/adsb and
// internal/wire/netrid.
package ingest

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/maniack/telemetry-ingest/internal/broker"
	"github.com/maniack/telemetry-ingest/internal/cprcache"
	"github.com/maniack/telemetry-ingest/internal/dedup"
	"github.com/maniack/telemetry-ingest/internal/record"
	"github.com/maniack/telemetry-ingest/internal/ring"
	"github.com/maniack/telemetry-ingest/internal/storageclient"
	"github.com/maniack/telemetry-ingest/internal/wire/adsb"
	"github.com/maniack/telemetry-ingest/internal/wire/netrid"
	"github.com/maniack/telemetry-ingest/monitoring"
	"github.com/maniack/telemetry-ingest/security"
)

// NReportersNeeded is the reporter count at which a packet is actually
// decoded and acted on; counts above it are acknowledged without
// reprocessing, per spec.md's N_REPORTERS_NEEDED=1 constant at this
// revision.
const NReportersNeeded = 1

// DedupTTL is the per-family dedup entry lifetime; ADS-B and Remote-ID
// both use 10s at this revision.
const DedupTTL = 10 * time.Second

// CPRPairTTL is the lifetime of a deposited CPR half-entry awaiting its
// opposite-parity sibling.
const CPRPairTTL = 1 * time.Second

// Engine holds every dependency an ingest handler needs: the dedup
// counter, CPR pair cache, egress rings, broker publisher, and storage
// client. It has no handler-local state; a single Engine is shared by
// every request goroutine.
type Engine struct {
	Dedup   *dedup.Cache
	CPR     *cprcache.Cache
	Broker  *broker.Publisher
	Storage storageclient.Client

	IDRing  *ring.Buffer[record.AircraftId]
	PosRing *ring.Buffer[record.AircraftPosition]
	VelRing *ring.Buffer[record.AircraftVelocity]
}

// writeCount writes the plain decimal reporter count as the response
// body, matching spec.md §6's "200 body=count (u32)".
func writeCount(w http.ResponseWriter, status int, count uint32) {
	w.WriteHeader(status)
	_, _ = io.WriteString(w, strconv.FormatUint(uint64(count), 10))
}

func httpError(w http.ResponseWriter, status int, msg string) {
	http.Error(w, msg, status)
}

// HandleAdsb implements POST /telemetry/adsb: open to any reporter, no
// authentication.
func (e *Engine) HandleAdsb(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	body, err := io.ReadAll(io.LimitReader(r.Body, adsb.SizeBytes+1))
	if err != nil {
		httpError(w, http.StatusBadRequest, "cannot read body")
		return
	}
	if len(body) != adsb.SizeBytes {
		httpError(w, http.StatusBadRequest, "frame is not 14 bytes")
		monitoring.IngestDecodeErrors.WithLabelValues("adsb", "wrong_length").Inc()
		return
	}

	key := "adsb:" + hex.EncodeToString(body)
	count, err := e.Dedup.Increment(ctx, key, DedupTTL)
	if err != nil {
		log.Printf("ingest family=adsb event=dedup_failure err=%v", err)
		httpError(w, http.StatusInternalServerError, "cache operation failed")
		return
	}
	monitoring.IngestDedupCount.WithLabelValues("adsb").Observe(float64(count))

	if count < NReportersNeeded {
		httpError(w, http.StatusInternalServerError, "dedup count below threshold")
		return
	}
	if count > NReportersNeeded {
		writeCount(w, http.StatusOK, count)
		return
	}

	frame, err := adsb.Decode(body)
	if err != nil {
		monitoring.Debugf("adsb decode error: %v", err)
		monitoring.IngestDecodeErrors.WithLabelValues("adsb", err.Error()).Inc()
		httpError(w, http.StatusBadRequest, err.Error())
		return
	}

	now := time.Now().UTC()
	identifier := fmt.Sprintf("%06x", frame.ICAO)

	switch frame.Kind {
	case adsb.KindIdentification:
		id := record.AircraftId{
			Identifier:       identifier,
			AircraftType:     frame.Identification.Type,
			TimestampNetwork: now,
		}
		if !e.IDRing.TryPush(id) {
			log.Printf("ingest family=adsb event=ring_drop ring=id identifier=%s", identifier)
		}

	case adsb.KindAirbornePosition:
		e.handleAirbornePosition(ctx, identifier, frame.ICAO, frame.Position, now)

	case adsb.KindAirborneVelocity:
		v := frame.Velocity
		vel := record.AircraftVelocity{
			Identifier:                  identifier,
			VelocityHorizontalGroundMPS: v.SpeedMPS,
			VelocityVerticalMPS:         v.VerticalRateMS,
			TrackAngleDegrees:           v.TrackDegrees,
			TimestampNetwork:            now,
		}
		if !e.VelRing.TryPush(vel) {
			log.Printf("ingest family=adsb event=ring_drop ring=velocity identifier=%s", identifier)
		}
	}

	var rawFrame [adsb.SizeBytes]byte
	copy(rawFrame[:], body)

	e.publish(broker.RoutingKeyAdsb, body)
	e.archiveAdsb(ctx, frame.ICAO, adsb.GetMessageType(&rawFrame), body, now)

	writeCount(w, http.StatusOK, count)
}

// handleAirbornePosition deposits the fresh CPR half under (icao,parity),
// fetches the opposite-parity half, and — if present — decodes and
// enqueues the paired position. CPR pairing failures (no sibling yet, or
// a crossed-latitude-zone mismatch) are logged and otherwise ignored:
// the request still succeeds, per spec.md §4.4 step 5/6.
func (e *Engine) handleAirbornePosition(ctx context.Context, identifier string, icao uint32, p *adsb.AirbornePosition, now time.Time) {
	selfLatKey := cprcache.LatKey(icao, p.CPRFlag)
	selfLonKey := cprcache.LonKey(icao, p.CPRFlag)

	if err := e.CPR.MultipleSet(map[string]string{
		selfLatKey: strconv.FormatUint(uint64(p.LatCPR), 10),
		selfLonKey: strconv.FormatUint(uint64(p.LonCPR), 10),
	}, CPRPairTTL); err != nil {
		log.Printf("ingest family=adsb event=cpr_set_failure icao=%06x err=%v", icao, err)
		return
	}

	oppositeParity := uint8(1) - p.CPRFlag
	oppLatKey := cprcache.LatKey(icao, oppositeParity)
	oppLonKey := cprcache.LonKey(icao, oppositeParity)

	vals, err := e.CPR.MultipleGet([]string{oppLatKey, oppLonKey})
	if err != nil {
		log.Printf("ingest family=adsb event=cpr_get_failure icao=%06x err=%v", icao, err)
		return
	}
	if vals[0] == "" || vals[1] == "" {
		return // sibling half not seen yet within the TTL window
	}

	oppLat, err1 := strconv.ParseUint(vals[0], 10, 32)
	oppLon, err2 := strconv.ParseUint(vals[1], 10, 32)
	if err1 != nil || err2 != nil {
		log.Printf("ingest family=adsb event=cpr_parse_failure icao=%06x", icao)
		return
	}

	var lat, lon float64
	if p.CPRFlag == 0 {
		lat, lon, err = adsb.DecodeCPR(p.LatCPR, p.LonCPR, uint32(oppLat), uint32(oppLon))
	} else {
		lat, lon, err = adsb.DecodeCPR(uint32(oppLat), uint32(oppLon), p.LatCPR, p.LonCPR)
	}
	if err != nil {
		monitoring.IngestDecodeErrors.WithLabelValues("adsb", err.Error()).Inc()
		log.Printf("ingest family=adsb event=cpr_pair_failure icao=%06x err=%v", icao, err)
		return
	}

	pos := record.AircraftPosition{
		Identifier: identifier,
		Position: record.Position{
			Latitude:  lat,
			Longitude: lon,
			AltitudeM: p.AltitudeM,
		},
		TimestampNetwork: now,
	}
	if !e.PosRing.TryPush(pos) {
		log.Printf("ingest family=adsb event=ring_drop ring=position identifier=%s", identifier)
	}
}

func (e *Engine) archiveAdsb(ctx context.Context, icao uint32, messageType int64, payload []byte, now time.Time) {
	if e.Storage == nil {
		return
	}
	rec := storageclient.AdsbRecord{
		ICAOAddress:      int64(icao),
		MessageType:      messageType,
		NetworkTimestamp: now,
		Payload:          payload,
	}
	if err := e.Storage.InsertAdsb(ctx, rec); err != nil {
		log.Printf("ingest family=adsb event=storage_insert_failure icao=%06x err=%v", icao, err)
	}
}

func (e *Engine) publish(routingKey string, payload []byte) {
	if e.Broker == nil {
		return
	}
	if err := e.Broker.Publish(routingKey, payload); err != nil {
		monitoring.BrokerPublish.WithLabelValues(routingKey, "failure").Inc()
		log.Printf("ingest event=broker_publish_failure routing_key=%s err=%v", routingKey, err)
		return
	}
	monitoring.BrokerPublish.WithLabelValues(routingKey, "success").Inc()
}

// HandleNetrid implements POST /telemetry/netrid, gated upstream by
// security.Auth. Basic messages are exempt from the dedup counter (they
// carry identity stable for the whole flight, per spec.md §4.4/§9-P2);
// all other message types are subject to it.
func (e *Engine) HandleNetrid(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	claim, ok := security.ClaimFromContext(ctx)
	if !ok {
		httpError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, netrid.SizeBytes+1))
	if err != nil {
		httpError(w, http.StatusBadRequest, "cannot read body")
		return
	}
	if len(body) != netrid.SizeBytes {
		httpError(w, http.StatusBadRequest, "frame is not 25 bytes")
		monitoring.IngestDecodeErrors.WithLabelValues("netrid", "wrong_length").Inc()
		return
	}

	hdr := netrid.DecodeHeader(body[0])

	var count uint32
	if hdr.MessageType == netrid.MessageTypeBasic {
		count = NReportersNeeded
	} else {
		key := "netrid:" + hex.EncodeToString(body)
		count, err = e.Dedup.Increment(ctx, key, DedupTTL)
		if err != nil {
			log.Printf("ingest family=netrid event=dedup_failure err=%v", err)
			httpError(w, http.StatusInternalServerError, "cache operation failed")
			return
		}
		monitoring.IngestDedupCount.WithLabelValues("netrid").Observe(float64(count))

		if count < NReportersNeeded {
			httpError(w, http.StatusInternalServerError, "dedup count below threshold")
			return
		}
		if count > NReportersNeeded {
			writeCount(w, http.StatusOK, count)
			return
		}
	}

	_, basic, loc, err := netrid.Decode(body, time.Now().UTC(), netrid.DecodeOptions{})
	if err != nil {
		monitoring.Debugf("netrid decode error: %v", err)
		monitoring.IngestDecodeErrors.WithLabelValues("netrid", err.Error()).Inc()
		httpError(w, http.StatusBadRequest, err.Error())
		return
	}

	now := time.Now().UTC()

	if basic != nil {
		id := record.AircraftId{
			AircraftType:     basic.UAType.AircraftType(),
			TimestampNetwork: now,
		}
		if basic.IDType.UsesSessionID() {
			id.SessionID = claim.Sub
		} else {
			id.Identifier = claim.Sub
		}
		if !e.IDRing.TryPush(id) {
			log.Printf("ingest family=netrid event=ring_drop ring=id identifier=%s", claim.Sub)
		}
		if payload, err := json.Marshal(id); err == nil {
			e.publish(broker.RoutingKeyNetridID, payload)
		}
	}

	if loc != nil {
		pos := record.AircraftPosition{
			Identifier: claim.Sub,
			Position: record.Position{
				Latitude:  loc.LatitudeDegrees,
				Longitude: loc.LongitudeDegrees,
				AltitudeM: loc.GeodeticAltitudeM,
			},
			TimestampNetwork: now,
		}
		if !e.PosRing.TryPush(pos) {
			log.Printf("ingest family=netrid event=ring_drop ring=position identifier=%s", claim.Sub)
		}
		if payload, err := json.Marshal(pos); err == nil {
			e.publish(broker.RoutingKeyNetridPos, payload)
		}

		if loc.SpeedKnown && loc.VerticalSpeedKnown {
			vel := record.AircraftVelocity{
				Identifier:                  claim.Sub,
				VelocityHorizontalGroundMPS: float32(loc.SpeedMPS),
				VelocityVerticalMPS:         float32(loc.VerticalSpeedMPS),
				TrackAngleDegrees:           float32(loc.TrackDegrees),
				TimestampNetwork:            now,
			}
			if !e.VelRing.TryPush(vel) {
				log.Printf("ingest family=netrid event=ring_drop ring=velocity identifier=%s", claim.Sub)
			}
			if payload, err := json.Marshal(vel); err == nil {
				e.publish(broker.RoutingKeyNetridVel, payload)
			}
		}
	}

	writeCount(w, http.StatusOK, count)
}

// HandleLogin implements GET /telemetry/login: the raw request body is
// the submitter identifier; an empty body is rejected before reaching
// security.Login.
func HandleLogin(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 4096))
	if err != nil {
		httpError(w, http.StatusBadRequest, "cannot read body")
		return
	}
	token, err := security.Login(string(body))
	switch err {
	case nil:
		w.WriteHeader(http.StatusOK)
		_, _ = io.WriteString(w, token)
	case security.ErrEmptyIdentifier:
		httpError(w, http.StatusBadRequest, "identifier is empty")
	default:
		httpError(w, http.StatusInternalServerError, "login failed")
	}
}

// ReadinessChecker reports whether a downstream dependency is currently
// serving traffic, satisfied by both gisclient.Client and
// storageclient.Client.
type ReadinessChecker interface {
	IsReady(ctx context.Context) bool
}

// HandleHealth implements GET /health: 200 only if every dependency in
// deps reports ready, else 503, per spec.md §8 scenario 6.
func HandleHealth(deps ...ReadinessChecker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		for _, d := range deps {
			if !d.IsReady(ctx) {
				w.WriteHeader(http.StatusServiceUnavailable)
				_, _ = io.WriteString(w, "not ready")
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		_, _ = io.WriteString(w, "ok")
	}
}
