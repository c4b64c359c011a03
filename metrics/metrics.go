// Package metrics exposes agent counters and gauges for Prometheus. A nil
// *Metrics is valid and records nothing.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/eddielth/sensor-agent/logger"
)

// Publish outcomes.
const (
	PublishSent    = "sent"
	PublishFailed  = "failed"
	PublishSkipped = "skipped"
)

// Metrics holds the agent's collectors.
type Metrics struct {
	gatherer prometheus.Gatherer

	samples         *prometheus.CounterVec
	sampleErrors    prometheus.Counter
	lastRaw         prometheus.Gauge
	lastVoltage     prometheus.Gauge
	lastTemperature prometheus.Gauge
	publishes       *prometheus.CounterVec
	deliveries      *prometheus.CounterVec
	linkState       prometheus.Gauge
	linkRetries     prometheus.Counter
	brokerUp        prometheus.Gauge
	brokerErrors    *prometheus.CounterVec
	commands        *prometheus.CounterVec
}

// New creates the collectors and registers them with reg. A nil reg uses a
// fresh registry.
func New(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	m := &Metrics{
		gatherer: reg,
		samples: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sensor_agent_samples_total",
			Help: "Samples taken, by calibration scheme.",
		}, []string{"scheme"}),
		sampleErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sensor_agent_sample_errors_total",
			Help: "Sample calls that failed to read the peripheral.",
		}),
		lastRaw: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "sensor_agent_last_raw",
			Help: "Raw value of the latest sample.",
		}),
		lastVoltage: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "sensor_agent_last_voltage_millivolts",
			Help: "Calibrated voltage of the latest calibrated sample.",
		}),
		lastTemperature: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "sensor_agent_last_temperature_celsius",
			Help: "Latest derived temperature.",
		}),
		publishes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sensor_agent_publishes_total",
			Help: "Telemetry publish attempts, by result.",
		}, []string{"result"}),
		deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sensor_agent_deliveries_total",
			Help: "Delivery confirmations for acknowledged publishes, by result.",
		}, []string{"result"}),
		linkState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "sensor_agent_link_state",
			Help: "Station link state (0 idle, 1 connecting, 2 connected, 3 failed).",
		}),
		linkRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sensor_agent_link_retries_total",
			Help: "Station reconnect attempts.",
		}),
		brokerUp: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "sensor_agent_broker_connected",
			Help: "1 while the broker connection is up.",
		}),
		brokerErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sensor_agent_broker_errors_total",
			Help: "Broker session errors, by kind.",
		}, []string{"kind"}),
		commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sensor_agent_commands_total",
			Help: "Commands handled, by command name.",
		}, []string{"command"}),
	}

	reg.MustRegister(
		m.samples, m.sampleErrors, m.lastRaw, m.lastVoltage, m.lastTemperature,
		m.publishes, m.deliveries, m.linkState, m.linkRetries,
		m.brokerUp, m.brokerErrors, m.commands,
	)
	return m
}

// ObserveSample records a successful sample. voltage is nil for an
// uncalibrated reading.
func (m *Metrics) ObserveSample(scheme string, raw int, voltage *int) {
	if m == nil {
		return
	}
	m.samples.WithLabelValues(scheme).Inc()
	m.lastRaw.Set(float64(raw))
	if voltage != nil {
		m.lastVoltage.Set(float64(*voltage))
	}
}

func (m *Metrics) SampleError() {
	if m == nil {
		return
	}
	m.sampleErrors.Inc()
}

func (m *Metrics) Temperature(c float64) {
	if m == nil {
		return
	}
	m.lastTemperature.Set(c)
}

// Publish counts a telemetry publish with one of the Publish* results.
func (m *Metrics) Publish(result string) {
	if m == nil {
		return
	}
	m.publishes.WithLabelValues(result).Inc()
}

func (m *Metrics) Delivered(err error) {
	if m == nil {
		return
	}
	result := "acked"
	if err != nil {
		result = "failed"
	}
	m.deliveries.WithLabelValues(result).Inc()
}

// LinkState records the numeric link state.
func (m *Metrics) LinkState(state int) {
	if m == nil {
		return
	}
	m.linkState.Set(float64(state))
}

func (m *Metrics) LinkRetry() {
	if m == nil {
		return
	}
	m.linkRetries.Inc()
}

func (m *Metrics) BrokerConnected(up bool) {
	if m == nil {
		return
	}
	if up {
		m.brokerUp.Set(1)
	} else {
		m.brokerUp.Set(0)
	}
}

func (m *Metrics) BrokerError(kind string) {
	if m == nil {
		return
	}
	m.brokerErrors.WithLabelValues(kind).Inc()
}

func (m *Metrics) Command(name string) {
	if m == nil {
		return
	}
	m.commands.WithLabelValues(name).Inc()
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

// Serve runs the metrics endpoint on addr until ctx is cancelled.
func (m *Metrics) Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("metrics: shutdown: %v", err)
		}
	}()

	logger.Info("metrics: listening on %s", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
