// Package gisclient is a thin gRPC client wrapper around the spatial
// service ("Gis") the batcher (C7) pushes decoded records to. It mirrors
// original_source's GrpcClients/invalidate() lifecycle: a client handle
// that the batcher can mark bad after a failed push, forcing the next
// iteration to redial rather than hammer a wedged peer.
package gisclient

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

	"github.com/maniack/telemetry-ingest/internal/record"
)

// Client is the narrow contract the batcher (C7) and ingest handlers (C5,
// for readiness only) depend on. Implementations must be safe for
// concurrent use by multiple batcher goroutines (one per ring).
type Client interface {
	UpdateAircraftId(ctx context.Context, batch []record.AircraftId) error
	UpdateAircraftPosition(ctx context.Context, batch []record.AircraftPosition) error
	UpdateAircraftVelocity(ctx context.Context, batch []record.AircraftVelocity) error
	IsReady(ctx context.Context) bool
	Invalidate()
}

// methodUpdateID, etc. are the fully-qualified gRPC method names the
// spatial service is expected to expose; no .proto schema for this
// service ships in the examples pack, so requests are marshalled through
// grpc.ClientConn's generic Invoke against a minimal hand-rolled codec
// rather than fabricating a vendored service definition.
const (
	methodUpdateID       = "/gis.Service/UpdateAircraftId"
	methodUpdatePosition = "/gis.Service/UpdateAircraftPosition"
	methodUpdateVelocity = "/gis.Service/UpdateAircraftVelocity"
)

type grpcClient struct {
	target string

	mu     sync.Mutex
	conn   *grpc.ClientConn
	health grpc_health_v1.HealthClient
}

// Dial returns a Client lazily connecting to target (host:port) on first
// use. It never blocks on an unreachable peer at construction time,
// matching the spec's "suspension only through the batcher, never in the
// handler path" concurrency model.
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
		return nil, fmt.Errorf("gisclient: dial %s: %w", c.target, err)
	}
	c.conn = conn
	c.health = grpc_health_v1.NewHealthClient(conn)
	return conn, nil
}

// Invalidate drops the current connection handle so the next call redials
// from scratch. This is invoked by the batcher after any push failure;
// the drained batch that triggered it is not retried.
func (c *grpcClient) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		_ = c.conn.Close()
	}
	c.conn = nil
	c.health = nil
}

func (c *grpcClient) IsReady(ctx context.Context) bool {
	conn, err := c.ensureConn()
	if err != nil {
		return false
	}
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	resp, err := c.healthClient(conn).Check(ctx, &grpc_health_v1.HealthCheckRequest{})
	if err != nil {
		return false
	}
	return resp.GetStatus() == grpc_health_v1.HealthCheckResponse_SERVING
}

func (c *grpcClient) healthClient(conn *grpc.ClientConn) grpc_health_v1.HealthClient {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.health == nil {
		c.health = grpc_health_v1.NewHealthClient(conn)
	}
	return c.health
}

func (c *grpcClient) UpdateAircraftId(ctx context.Context, batch []record.AircraftId) error {
	conn, err := c.ensureConn()
	if err != nil {
		return err
	}
	return invoke(ctx, conn, methodUpdateID, batch)
}

func (c *grpcClient) UpdateAircraftPosition(ctx context.Context, batch []record.AircraftPosition) error {
	conn, err := c.ensureConn()
	if err != nil {
		return err
	}
	return invoke(ctx, conn, methodUpdatePosition, batch)
}

func (c *grpcClient) UpdateAircraftVelocity(ctx context.Context, batch []record.AircraftVelocity) error {
	conn, err := c.ensureConn()
	if err != nil {
		return err
	}
	return invoke(ctx, conn, methodUpdateVelocity, batch)
}

// invoke round-trips a batch through the spatial service's generic update
// methods. Since no .proto schema for this service ships in the examples
// pack, the batch is encoded as a google.protobuf.Struct (a real,
// already-vendored protobuf message produced by
// google.golang.org/protobuf/types/known/structpb) rather than a
// fabricated vendored service definition: items round-trip through
// encoding/json into a map first, because Struct can only hold
// JSON-shaped values.
func invoke(ctx context.Context, conn *grpc.ClientConn, method string, items interface{}) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	raw, err := json.Marshal(map[string]interface{}{"items": items})
	if err != nil {
		return fmt.Errorf("gisclient: marshal batch: %w", err)
	}
	var asMap map[string]interface{}
	if err := json.Unmarshal(raw, &asMap); err != nil {
		return fmt.Errorf("gisclient: normalize batch: %w", err)
	}
	req, err := structpb.NewStruct(asMap)
	if err != nil {
		return fmt.Errorf("gisclient: encode batch: %w", err)
	}

	resp := &structpb.Struct{}
	return conn.Invoke(ctx, method, req, resp)
}
