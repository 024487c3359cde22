// Package metrics holds the Prometheus collectors of the sentinel.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

var (
	MessagesHandled = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sentinel_messages_handled_total",
			Help: "Messages seen by the pipeline, by result",
		},
		[]string{"result"},
	)

	IndicatorsExtracted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sentinel_indicators_extracted_total",
			Help: "Indicators extracted from message text",
		},
		[]string{"kind"},
	)

	ReputationLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sentinel_reputation_lookups_total",
			Help: "Reputation checks by provider and outcome (hit, live, unknown, quota, error)",
		},
		[]string{"provider", "outcome"},
	)

	ReputationLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sentinel_reputation_request_duration_seconds",
			Help:    "Latency of live reputation API calls",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"provider"},
	)

	EventsWritten = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sentinel_events_written_total",
			Help: "Detection events appended, by sink and status",
		},
		[]string{"sink", "status"},
	)

	MaliciousDetections = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "sentinel_malicious_detections_total",
			Help: "Detection events at or above the malicious vote threshold",
		},
	)

	RelevanceScores = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "sentinel_relevance_score",
			Help:    "Distribution of relevance gate scores",
			Buckets: prometheus.LinearBuckets(0, 0.1, 11),
		},
	)
)

// Serve exposes /metrics on addr until ctx ends.
func Serve(ctx context.Context, addr string, logger *zap.SugaredLogger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Infow("metrics listening", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
