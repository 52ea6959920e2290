// Package metrics exposes micpin's selection and capture counters.
package metrics

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds a private registry so tests and multiple engines never collide
// on the global one.
type Metrics struct {
	reg *prometheus.Registry

	pinnedRestores     *prometheus.CounterVec
	fallbacks          *prometheus.CounterVec
	rejections         *prometheus.CounterVec
	captureRestarts    *prometheus.CounterVec
	captureBuffers     prometheus.Counter
	enumerationFailure prometheus.Counter
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	reg.MustRegister(collectors.NewGoCollector())
	return &Metrics{
		reg: reg,
		pinnedRestores: f.NewCounterVec(prometheus.CounterOpts{
			Name: "micpin_pinned_restores_total",
			Help: "Pinned default restores by outcome",
		}, []string{"outcome"}),
		fallbacks: f.NewCounterVec(prometheus.CounterOpts{
			Name: "micpin_selection_fallbacks_total",
			Help: "Forced fallbacks to the system default by reason",
		}, []string{"reason"}),
		rejections: f.NewCounterVec(prometheus.CounterOpts{
			Name: "micpin_device_rejections_total",
			Help: "Devices refused by the stability classifier",
		}, []string{"reason"}),
		captureRestarts: f.NewCounterVec(prometheus.CounterOpts{
			Name: "micpin_capture_restarts_total",
			Help: "Capture stream rebuilds by cause",
		}, []string{"cause"}),
		captureBuffers: f.NewCounter(prometheus.CounterOpts{
			Name: "micpin_capture_buffers_total",
			Help: "PCM buffers delivered to the capture sink",
		}),
		enumerationFailure: f.NewCounter(prometheus.CounterOpts{
			Name: "micpin_enumeration_failures_total",
			Help: "Device enumerations that failed and yielded an empty list",
		}),
	}
}

// PinnedRestore counts a restore that was issued or suppressed by debounce.
func (m *Metrics) PinnedRestore(issued bool) {
	outcome := "suppressed"
	if issued {
		outcome = "issued"
	}
	m.pinnedRestores.WithLabelValues(outcome).Inc()
}

func (m *Metrics) Fallback(reason string) {
	m.fallbacks.WithLabelValues(reason).Inc()
}

func (m *Metrics) Rejection(reason string) {
	m.rejections.WithLabelValues(reason).Inc()
}

func (m *Metrics) CaptureRestart(cause string) {
	m.captureRestarts.WithLabelValues(cause).Inc()
}

// CaptureBuffer is safe on the audio callback path.
func (m *Metrics) CaptureBuffer() {
	m.captureBuffers.Inc()
}

func (m *Metrics) EnumerationFailure() {
	m.enumerationFailure.Inc()
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.InstrumentMetricHandler(
		m.reg, promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{}),
	)
}

// Serve exposes /metrics on addr until ctx is done.
func (m *Metrics) Serve(ctx context.Context, addr string, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	hs := http.Server{
		Addr:              addr,
		BaseContext:       func(net.Listener) context.Context { return ctx },
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	logger.Info("exposing metrics", "addr", addr)
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = hs.Shutdown(shutdownCtx)
	}()
	if err := hs.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
