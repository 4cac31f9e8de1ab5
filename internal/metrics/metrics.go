package metrics

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	FetchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bazaar_fetches_total",
			Help: "Fetch attempts by source and outcome (ok, absent, error, blocked)",
		},
		[]string{"source", "outcome"},
	)

	FetchDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "bazaar_fetch_duration_seconds",
			Help:    "Duration of successful fetches in seconds",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"source"},
	)

	BlockDetections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bazaar_block_detections_total",
			Help: "Anti-bot block/challenge detections by marker source",
		},
		[]string{"source", "marker"},
	)

	IdentityRotations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bazaar_identity_rotations_total",
			Help: "Proxy/session identity rotations forced by sustained blocking",
		},
		[]string{"source"},
	)

	FlushRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bazaar_flush_retries_total",
			Help: "Sink flush retries caused by storage contention",
		},
		[]string{"scope"},
	)

	RecordsFlushed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bazaar_records_flushed_total",
			Help: "Records committed by the persistence sink, by table",
		},
		[]string{"table"},
	)

	BufferedRecords = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "bazaar_buffered_records",
			Help: "Records currently buffered in the persistence sink",
		},
		[]string{"scope"},
	)

	CyclesCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bazaar_cycles_completed_total",
			Help: "Full discovery cycles completed per crawl lane",
		},
		[]string{"scope"},
	)

	BreakerTrips = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bazaar_breaker_trips_total",
			Help: "Supervisor circuit breaker cooldowns entered",
		},
		[]string{"scope"},
	)
)

// Server exposes /metrics for Prometheus scraping.
type Server struct {
	srv *http.Server
}

// Start begins listening on the given port. Errors after startup are
// swallowed; metrics are best-effort.
func Start(port int) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: mux,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			fmt.Printf("metrics server failed: %v\n", err)
		}
	}()

	return &Server{srv: srv}
}

// Stop gracefully shuts the server down.
func (s *Server) Stop(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return s.srv.Shutdown(ctx)
}
