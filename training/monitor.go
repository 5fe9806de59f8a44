package training

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"runtime"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tsawler/sleepstage/queue"
)

var (
	metricTrainBatches = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "train_batches_total",
		Help: "Total training batches processed",
	})

	metricValBatches = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "val_batches_total",
		Help: "Total validation batches processed",
	})

	metricEpochSeconds = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "epoch_duration_seconds",
		Help: "Duration of the most recent epoch",
	})

	metricHeapBytes = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "monitor_heap_alloc_bytes",
		Help: "Heap bytes in use as sampled by the resource monitor",
	})
)

// Monitor samples process resource usage in the background for the duration
// of a training session. It must be stopped on every exit path; Stop is
// idempotent.
type Monitor struct {
	registry *prometheus.Registry
	interval time.Duration

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
	server   *http.Server
}

// NewMonitor creates a monitor with a registry holding the process, queue,
// and training collectors.
func NewMonitor(interval time.Duration) *Monitor {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		metricTrainBatches,
		metricValBatches,
		metricEpochSeconds,
		metricHeapBytes,
	)
	registry.MustRegister(queue.Collectors()...)

	return &Monitor{
		registry: registry,
		interval: interval,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start launches the background sampling goroutine.
func (m *Monitor) Start() {
	go func() {
		defer close(m.done)
		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()
		for {
			select {
			case <-m.stop:
				return
			case <-ticker.C:
				var ms runtime.MemStats
				runtime.ReadMemStats(&ms)
				metricHeapBytes.Set(float64(ms.HeapAlloc))
				slog.Debug("resource monitor",
					"heap_mb", ms.HeapAlloc/(1<<20), "goroutines", runtime.NumGoroutine())
			}
		}
	}()
}

// Expose serves the monitor's registry over HTTP on the given port. A zero
// port disables the endpoint.
func (m *Monitor) Expose(port int) {
	if port == 0 {
		return
	}
	m.server = &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}),
	}
	slog.Info("exposing training metrics", "port", port)
	go func() {
		if err := m.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("metrics endpoint failed", "error", err)
		}
	}()
}

// Stop terminates the sampling goroutine and the metrics endpoint. Safe to
// call multiple times and from cleanup paths.
func (m *Monitor) Stop() {
	m.stopOnce.Do(func() {
		close(m.stop)
		<-m.done
		if m.server != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			_ = m.server.Shutdown(ctx)
		}
	})
}
