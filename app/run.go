// Package app wires the ingest core (internal/*, ingest, security) into a
// runnable service: configuration, the dedup/CPR caches, the three
// egress rings and their batchers, the broker publisher, the gis/storage
// gRPC clients, and the chi HTTP surface.
package app

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"time"
	"unsafe"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/redis/go-redis/v9"
	"github.com/urfave/cli/v3"

	"github.com/maniack/telemetry-ingest/internal/batcher"
	"github.com/maniack/telemetry-ingest/internal/broker"
	"github.com/maniack/telemetry-ingest/internal/cprcache"
	"github.com/maniack/telemetry-ingest/internal/dedup"
	"github.com/maniack/telemetry-ingest/internal/gisclient"
	"github.com/maniack/telemetry-ingest/internal/record"
	"github.com/maniack/telemetry-ingest/internal/ring"
	"github.com/maniack/telemetry-ingest/internal/storageclient"
	"github.com/maniack/telemetry-ingest/ingest"
	"github.com/maniack/telemetry-ingest/monitoring"
	"github.com/maniack/telemetry-ingest/security"
)

// ringCapacity converts a byte budget into an item count for a record of
// type T, matching spec.md §4.5's "capacity = ringbuffer_size_bytes /
// sizeof(record)".
func ringCapacity[T any](sizeBytes int) int {
	var zero T
	sz := int(unsafe.Sizeof(zero))
	if sz == 0 {
		return 0
	}
	n := sizeBytes / sz
	if n < 1 {
		n = 1
	}
	return n
}

// Run is the main CLI action that starts the ingest server. It wires up
// monitoring, the dedup/CPR caches, the egress rings and batchers, the
// broker and downstream gRPC clients, and HTTP routing, then blocks until
// ctx is cancelled (platform interrupt or SIGTERM).
func Run(ctx context.Context, c *cli.Command) error {
	restPort := c.Int("rest.port")
	storageHost := c.String("storage.host")
	storagePort := c.Int("storage.port")
	gisHost := c.String("gis.host")
	gisPort := c.Int("gis.port")
	cadence := c.Duration("gis.push_cadence")
	maxMessageBytes := int(c.Int("gis.max_message_size_bytes"))
	amqpURL := c.String("amqp.url")
	redisURL := c.String("redis.url")
	redisPoolSize := int(c.Int("redis.pool.size"))
	cprPath := c.String("cpr.cache.path")
	ringBytes := int(c.Int("ringbuffer.size_bytes"))
	requestLimit := float64(c.Int("rest.request_limit_per_second"))
	concurrencyLimit := int(c.Int("rest.concurrency_limit_per_service"))
	corsOrigin := c.String("rest.cors_allowed_origin")
	tokenSecret := c.String("security.token.secret")
	tracingEndpoint := c.String("tracing.endpoint")
	enableMetrics := c.Bool("metrics.enabled")

	if c.Bool("debug") {
		monitoring.SetLogLevel("debug")
	} else {
		monitoring.SetLogLevel(c.String("log.level"))
	}

	shutdownTracer := monitoring.InitTracer(tracingEndpoint, "telemetry-ingest")
	defer shutdownTracer()

	security.ConfigureSecret(tokenSecret)
	security.InitAuth()

	redisOpts, err := redis.ParseURL(redisURL)
	if err != nil {
		return fmt.Errorf("app: parse redis.url: %w", err)
	}
	redisOpts.PoolSize = redisPoolSize
	rdb := redis.NewClient(redisOpts)
	defer rdb.Close()

	dedupCache := dedup.New(rdb, "telemetry")

	cprCache, err := cprcache.Open(cprPath)
	if err != nil {
		return fmt.Errorf("app: open cpr cache: %w", err)
	}
	defer cprCache.Close()

	idRing := ring.New[record.AircraftId](ringCapacity[record.AircraftId](ringBytes))
	posRing := ring.New[record.AircraftPosition](ringCapacity[record.AircraftPosition](ringBytes))
	velRing := ring.New[record.AircraftVelocity](ringCapacity[record.AircraftVelocity](ringBytes))

	pub, err := broker.Dial(amqpURL)
	if err != nil {
		log.Printf("app: broker dial failed, running degraded: %v", err)
	} else {
		defer pub.Close()
	}

	gisTarget := fmt.Sprintf("%s:%d", gisHost, gisPort)
	gis := gisclient.Dial(gisTarget)

	storageTarget := fmt.Sprintf("%s:%d", storageHost, storagePort)
	store := storageclient.Dial(storageTarget)

	engine := &ingest.Engine{
		Dedup:   dedupCache,
		CPR:     cprCache,
		Broker:  pub,
		Storage: store,
		IDRing:  idRing,
		PosRing: posRing,
		VelRing: velRing,
	}

	batchCtx, cancelBatchers := context.WithCancel(context.Background())
	defer cancelBatchers()

	idMaxItems := ringCapacity[record.AircraftId](maxMessageBytes)
	posMaxItems := ringCapacity[record.AircraftPosition](maxMessageBytes)
	velMaxItems := ringCapacity[record.AircraftVelocity](maxMessageBytes)

	go batcher.RunAircraftId(batchCtx, batcher.Config{RingName: "id", Cadence: cadence, MaxItems: idMaxItems}, idRing, gis)
	go batcher.RunAircraftPosition(batchCtx, batcher.Config{RingName: "position", Cadence: cadence, MaxItems: posMaxItems}, posRing, gis)
	go batcher.RunAircraftVelocity(batchCtx, batcher.Config{RingName: "velocity", Cadence: cadence, MaxItems: velMaxItems}, velRing, gis)

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.Compress(5))
	r.Use(middleware.Timeout(15 * time.Second))
	r.Use(corsMiddleware(corsOrigin))
	r.Use(monitoring.TracingMiddleware)
	r.Use(monitoring.MetricsMiddleware)
	r.Use(monitoring.LoggingMiddleware)
	r.Use(rateLimitMiddleware(requestLimit))
	r.Use(concurrencyLimitMiddleware(concurrencyLimit))

	if enableMetrics {
		r.Handle("/metrics", monitoring.PrometheusHandler())
	}

	r.Get("/health", ingest.HandleHealth(gis, store))
	r.Get("/telemetry/login", ingest.HandleLogin)
	r.Post("/telemetry/adsb", engine.HandleAdsb)
	r.With(security.Auth).Post("/telemetry/netrid", engine.HandleNetrid)

	listen := fmt.Sprintf(":%d", restPort)
	log.Printf("telemetry-ingest listening on %s", listen)
	srv := &http.Server{
		Addr:              listen,
		Handler:           r,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      20 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case <-ctx.Done():
		log.Printf("shutdown signal received, draining in-flight requests...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		<-errCh
		return nil
	case err := <-errCh:
		return err
	}
}

// corsMiddleware allows cross-origin requests from the configured origin
// only, matching spec.md §6's REST_CORS_ALLOWED_ORIGIN knob.
func corsMiddleware(origin string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type")
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
