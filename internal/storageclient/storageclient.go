// Package storageclient is a thin gRPC client wrapper around the raw
// packet archive ("Storage") service: one method, Insert, matching
// original_source's svc-storage adsb.insert contract.
package storageclient

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/protobuf/types/known/structpb"
)

// AdsbRecord is the raw-payload archive record the ingest handler (C5)
// writes on every ADS-B frame it accepts, per spec.md §6's
// adsb.insert({icao_address, message_type, network_timestamp, payload}).
type AdsbRecord struct {
	ICAOAddress      int64     `json:"icao_address"`
	MessageType      int64     `json:"message_type"`
	NetworkTimestamp time.Time `json:"network_timestamp"`
	Payload          []byte    `json:"payload"`
}

// Client is the narrow contract ingest handlers depend on.
type Client interface {
	InsertAdsb(ctx context.Context, rec AdsbRecord) error
	IsReady(ctx context.Context) bool
}

const methodInsertAdsb = "/storage.Service/InsertAdsb"

type grpcClient struct {
	target string

	mu     sync.Mutex
	conn   *grpc.ClientConn
	health grpc_health_v1.HealthClient
}

// Dial returns a Client lazily connecting to target (host:port).
func Dial(target string) Client {
	return &grpcClient{target: target}
}

func (c *grpcClient) ensureConn() (*grpc.ClientConn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		return c.conn, nil
	}
	conn, err := grpc.NewClient(c.target, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("storageclient: dial %s: %w", c.target, err)
	}
	c.conn = conn
	c.health = grpc_health_v1.NewHealthClient(conn)
	return conn, nil
}

func (c *grpcClient) IsReady(ctx context.Context) bool {
	conn, err := c.ensureConn()
	if err != nil {
		return false
	}
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	resp, err := c.health.Check(ctx, &grpc_health_v1.HealthCheckRequest{})
	if err != nil {
		_ = conn
		return false
	}
	return resp.GetStatus() == grpc_health_v1.HealthCheckResponse_SERVING
}

func (c *grpcClient) InsertAdsb(ctx context.Context, rec AdsbRecord) error {
	conn, err := c.ensureConn()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("storageclient: marshal record: %w", err)
	}
	var asMap map[string]interface{}
	if err := json.Unmarshal(raw, &asMap); err != nil {
		return fmt.Errorf("storageclient: normalize record: %w", err)
	}
	req, err := structpb.NewStruct(asMap)
	if err != nil {
		return fmt.Errorf("storageclient: encode record: %w", err)
	}
	resp := &structpb.Struct{}
	return conn.Invoke(ctx, methodInsertAdsb, req, resp)
}
