package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "checkpoint_pipeline"

var (
	// Reader
	CheckpointsFetched = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "reader",
		Name:      "checkpoints_fetched_total",
		Help:      "Total checkpoints fetched from the source",
	})

	FetchRetries = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "reader",
		Name:      "fetch_retries_total",
		Help:      "Total fetch attempts that were retried",
	})

	ReaderWatermark = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "reader",
		Name:      "last_fetched_checkpoint",
		Help:      "Sequence number of the last fetched checkpoint",
	})

	// Executor and worker pools
	CheckpointsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "worker",
		Name:      "checkpoints_processed_total",
		Help:      "Total checkpoints processed per workflow",
	}, []string{"workflow"})

	WorkerProgress = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "worker",
		Name:      "progress",
		Help:      "Last persisted checkpoint per workflow",
	}, []string{"workflow"})

	InFlight = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "worker",
		Name:      "checkpoints_in_flight",
		Help:      "Dispatched checkpoints whose progress is not yet persisted",
	}, []string{"workflow"})

	WorkerFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "worker",
		Name:      "failures_total",
		Help:      "Fatal worker failures",
	}, []string{"workflow"})

	ProgressSaveErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "progress",
		Name:      "save_errors_total",
		Help:      "Failed progress store writes",
	}, []string{"workflow"})

	// Archival
	ArchiveFilesCommitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "archival",
		Name:      "files_committed_total",
		Help:      "Archive files uploaded and recorded in the manifest",
	}, []string{"file_type"})

	ArchiveBytesUploaded = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "archival",
		Name:      "bytes_uploaded_total",
		Help:      "Compressed archive bytes uploaded",
	})

	ArchiveRolls = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "archival",
		Name:      "rolls_total",
		Help:      "Archive rolls by trigger",
	}, []string{"trigger"})

	// Analytics
	AnalyticsRowsWritten = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "analytics",
		Name:      "rows_written_total",
		Help:      "Rows written to analytics sinks",
	}, []string{"file_type", "sink"})

	// Lifecycle
	TransitionLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "lifecycle",
		Name:      "transition_duration_seconds",
		Help:      "Time spent starting or stopping a component",
		Buckets:   []float64{0.001, 0.01, 0.1, 0.5, 1, 5, 10, 30, 60},
	}, []string{"component", "transition"})

	// Alerts
	AlertsSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "alert",
		Name:      "sent_total",
		Help:      "Alerts delivered per channel",
	}, []string{"channel"})

	AlertsSuppressed = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "alert",
		Name:      "suppressed_total",
		Help:      "Alerts dropped by cooldown",
	})
)

// Serve exposes /metrics on addr until ctx is done.
func Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}()

	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
