// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package metrics exposes device and stream counters to Prometheus
package metrics

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/Thermoquad/ppkstat/pkg/device"
	"github.com/Thermoquad/ppkstat/pkg/ppk2"
)

const namespace = "ppkstat"

// NewRegistry creates a registry with the Go and process collectors
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

// Handler returns the HTTP handler for reg
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg})
}

// StreamSource is a running sample stream
type StreamSource interface {
	Statistics() *ppk2.Statistics
	Depth() int
}

// Metrics holds the ppkstat collectors
type Metrics struct {
	Commands       *prometheus.CounterVec   // labels: opcode, result
	CommandRetries *prometheus.CounterVec   // labels: opcode
	CommandLatency *prometheus.HistogramVec // labels: opcode
	Current        prometheus.Gauge

	stream *streamCollector
}

// New registers the ppkstat collectors on reg
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commands_total",
			Help:      "Device commands by opcode and result.",
		}, []string{"opcode", "result"}),
		CommandRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "command_retries_total",
			Help:      "Commands resent after an acknowledgement timeout.",
		}, []string{"opcode"}),
		CommandLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "command_duration_seconds",
			Help:      "Time from sending a command to its acknowledgement.",
			Buckets:   []float64{.001, .005, .01, .05, .1, .25, .5, 1, 2},
		}, []string{"opcode"}),
		Current: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "current_amperes",
			Help:      "Most recent averaged current reading.",
		}),
		stream: newStreamCollector(),
	}
	reg.MustRegister(m.Commands, m.CommandRetries, m.CommandLatency, m.Current, m.stream)
	return m
}

// ObserveCommand records one command exchange. It matches
// device.CommandObserver.
func (m *Metrics) ObserveCommand(op ppk2.Opcode, attempts int, err error, elapsed time.Duration) {
	name := op.String()
	m.Commands.WithLabelValues(name, Result(err)).Inc()
	if attempts > 1 {
		m.CommandRetries.WithLabelValues(name).Add(float64(attempts - 1))
	}
	if err == nil {
		m.CommandLatency.WithLabelValues(name).Observe(elapsed.Seconds())
	}
}

// Track points the stream collector at a new stream. Pass nil when idle.
func (m *Metrics) Track(src StreamSource) {
	m.stream.set(src)
}

// Result classifies a command error for the result label
func Result(err error) string {
	var te *device.TransportError
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, device.ErrDeviceUnresponsive):
		return "timeout"
	case errors.Is(err, ppk2.ErrUnexpectedAck):
		return "unexpected_ack"
	case errors.Is(err, device.ErrBusy):
		return "busy"
	case errors.Is(err, device.ErrInvalidTransition):
		return "invalid_transition"
	case errors.As(err, &te):
		return "transport"
	default:
		return "error"
	}
}

// streamCollector reports the counters of the tracked stream
type streamCollector struct {
	mu  sync.Mutex
	src StreamSource

	samples     *prometheus.Desc
	overflows   *prometheus.Desc
	desyncs     *prometheus.Desc
	calibration *prometheus.Desc
	bytes       *prometheus.Desc
	depth       *prometheus.Desc
}

func newStreamCollector() *streamCollector {
	desc := func(name, help string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(namespace, "stream", name), help, nil, nil)
	}
	return &streamCollector{
		samples:     desc("samples_total", "Samples decoded in the current stream."),
		overflows:   desc("overflows_total", "Samples dropped because the consumer fell behind."),
		desyncs:     desc("desyncs_total", "Sample stream resynchronizations."),
		calibration: desc("calibration_errors_total", "Samples whose range had no calibration entry."),
		bytes:       desc("bytes_total", "Bytes read from the transport."),
		depth:       desc("queue_depth", "Undelivered events in the sample queue."),
	}
}

func (c *streamCollector) set(src StreamSource) {
	c.mu.Lock()
	c.src = src
	c.mu.Unlock()
}

// Describe implements prometheus.Collector
func (c *streamCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.samples
	ch <- c.overflows
	ch <- c.desyncs
	ch <- c.calibration
	ch <- c.bytes
	ch <- c.depth
}

// Collect implements prometheus.Collector
func (c *streamCollector) Collect(ch chan<- prometheus.Metric) {
	c.mu.Lock()
	src := c.src
	c.mu.Unlock()
	if src == nil {
		return
	}

	s := src.Statistics().Snapshot()
	ch <- prometheus.MustNewConstMetric(c.samples, prometheus.CounterValue, float64(s.Samples))
	ch <- prometheus.MustNewConstMetric(c.overflows, prometheus.CounterValue, float64(s.Overflows))
	ch <- prometheus.MustNewConstMetric(c.desyncs, prometheus.CounterValue, float64(s.Desyncs))
	ch <- prometheus.MustNewConstMetric(c.calibration, prometheus.CounterValue, float64(s.CalibrationErrors))
	ch <- prometheus.MustNewConstMetric(c.bytes, prometheus.CounterValue, float64(s.BytesRead))
	ch <- prometheus.MustNewConstMetric(c.depth, prometheus.GaugeValue, float64(src.Depth()))
}

// Serve exposes reg on addr until ctx is done
func Serve(ctx context.Context, addr, path string, reg *prometheus.Registry, log *zap.Logger) error {
	mux := http.NewServeMux()
	mux.Handle(path, Handler(reg))

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.Info("metrics endpoint listening", zap.String("addr", addr), zap.String("path", path))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
