// Package metrics exports meter readings and gateway counters to Prometheus.
package metrics

import (
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"pulsemeter-gateway/internal/coordinator"
	"pulsemeter-gateway/internal/pulsemeter"
)

const namespace = "pulsemeter"

var meterLabels = []string{"ieee", "name", "category"}

// Collector turns coordinator events into Prometheus series on a dedicated
// registry.
type Collector struct {
	registry *prometheus.Registry
	logger   *slog.Logger
	unsub    func()

	energy   *prometheus.GaugeVec
	power    *prometheus.GaugeVec
	battery  *prometheus.GaugeVec
	voltage  *prometheus.GaugeVec
	lqi      *prometheus.GaugeVec
	lastSeen *prometheus.GaugeVec

	reports           *prometheus.CounterVec
	drops             *prometheus.CounterVec
	resets            *prometheus.CounterVec
	configureFailures *prometheus.CounterVec
	joins             prometheus.Counter
}

// New creates a collector with Go runtime and process metrics registered.
func New(logger *slog.Logger) *Collector {
	if logger == nil {
		logger = slog.Default()
	}
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Collector{
		registry: reg,
		logger:   logger.With("component", "metrics"),

		energy: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "energy",
			Help:      "Cumulative meter reading (m³ for gas and water, kWh for electric).",
		}, meterLabels),
		power: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "power",
			Help:      "Instantaneous flow (m³/h) or power (kW).",
		}, meterLabels),
		battery: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "battery_percent",
			Help:      "Remaining battery in percent.",
		}, meterLabels),
		voltage: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "battery_volts",
			Help:      "Battery voltage.",
		}, meterLabels),
		lqi: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "link_quality",
			Help:      "Link quality of the last frame received from the meter.",
		}, meterLabels),
		lastSeen: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_seen_timestamp_seconds",
			Help:      "Unix time of the last reading from the meter.",
		}, meterLabels),

		reports: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reports_total",
			Help:      "Readings produced from attribute reports.",
		}, []string{"category"}),
		drops: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reading_drops_total",
			Help:      "Metering reports discarded by normalization.",
		}, []string{"ieee"}),
		resets: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "counter_resets_total",
			Help:      "Reset commands sent to meters.",
		}, []string{"ieee"}),
		configureFailures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "configure_failures_total",
			Help:      "Failed meter configure procedures.",
		}, []string{"ieee"}),
		joins: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "device_joins_total",
			Help:      "Devices that joined the network.",
		}),
	}
}

// Registry returns the registry the collector writes to.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

// Attach subscribes the collector to bus. Calling it again replaces the
// previous subscription.
func (c *Collector) Attach(bus *coordinator.EventBus) {
	c.Detach()
	c.unsub = bus.OnAll(c.handle)
}

// Detach stops consuming events.
func (c *Collector) Detach() {
	if c.unsub != nil {
		c.unsub()
		c.unsub = nil
	}
}

func (c *Collector) handle(e coordinator.Event) {
	switch e.Type {
	case coordinator.EventReadingUpdate:
		if upd, ok := e.Data.(coordinator.ReadingUpdate); ok {
			c.observeReading(upd)
		}
	case coordinator.EventReadingDropped:
		c.drops.WithLabelValues(ieeeOf(e)).Inc()
	case coordinator.EventResetCounter:
		c.resets.WithLabelValues(ieeeOf(e)).Inc()
	case coordinator.EventDeviceConfigured:
		if res, ok := e.Data.(coordinator.ConfigureResult); ok && !res.OK() {
			c.configureFailures.WithLabelValues(res.IEEE).Inc()
		}
	case coordinator.EventDeviceJoined:
		c.joins.Inc()
	case coordinator.EventDeviceLeft:
		c.forget(ieeeOf(e))
	case coordinator.EventDeviceRenamed:
		// Gauges carry the name label; the next reading recreates them.
		c.forgetGauges(ieeeOf(e))
	}
}

func (c *Collector) observeReading(upd coordinator.ReadingUpdate) {
	labels := []string{upd.IEEE, upd.Name, string(upd.Category)}
	set := func(g *prometheus.GaugeVec, key string) {
		if v, ok := upd.Reading.Float(key); ok {
			g.WithLabelValues(labels...).Set(v)
		}
	}
	set(c.energy, pulsemeter.KeyEnergy)
	set(c.power, pulsemeter.KeyPower)
	set(c.battery, pulsemeter.KeyBattery)
	set(c.voltage, pulsemeter.KeyVoltage)
	if upd.LQI > 0 {
		c.lqi.WithLabelValues(labels...).Set(float64(upd.LQI))
	}
	if !upd.Time.IsZero() {
		c.lastSeen.WithLabelValues(labels...).Set(float64(upd.Time.Unix()))
	}
	c.reports.WithLabelValues(string(upd.Category)).Inc()
}

// forget drops every per-device series of a device that left.
func (c *Collector) forget(ieee string) {
	if ieee == "" {
		return
	}
	match := prometheus.Labels{"ieee": ieee}
	n := c.forgetGauges(ieee)
	for _, cv := range []*prometheus.CounterVec{c.drops, c.resets, c.configureFailures} {
		n += cv.DeletePartialMatch(match)
	}
	c.logger.Debug("dropped series for departed device", "ieee", ieee, "series", n)
}

func (c *Collector) forgetGauges(ieee string) int {
	if ieee == "" {
		return 0
	}
	match := prometheus.Labels{"ieee": ieee}
	n := 0
	for _, g := range []*prometheus.GaugeVec{c.energy, c.power, c.battery, c.voltage, c.lqi, c.lastSeen} {
		n += g.DeletePartialMatch(match)
	}
	return n
}

func ieeeOf(e coordinator.Event) string {
	if data, ok := e.Data.(map[string]interface{}); ok {
		ieee, _ := data["ieee"].(string)
		return ieee
	}
	return ""
}
