package observability

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/yulaomao/coffeeManage/internal/store"
)

var requestDurationBuckets = []float64{
	0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// Metrics holds the dispatch engine's Prometheus collectors.
type Metrics struct {
	registry        *prometheus.Registry
	commands        *prometheus.CounterVec
	batches         prometheus.Counter
	batchDevices    prometheus.Histogram
	recycled        *prometheus.CounterVec
	recycleDuration prometheus.Histogram
	requests        *prometheus.HistogramVec
}

// NewMetrics registers collectors on reg. A nil reg creates a private registry
// that also carries the Go runtime and process collectors.
func NewMetrics(reg *prometheus.Registry) (*Metrics, error) {
	if reg == nil {
		reg = prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	}
	m := &Metrics{
		registry: reg,
		commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "coffeemanage_commands_total",
			Help: "Command lifecycle events by kind",
		}, []string{"event"}),
		batches: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "coffeemanage_batches_created_total",
			Help: "Batches created",
		}),
		batchDevices: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "coffeemanage_batch_devices",
			Help:    "Devices addressed per batch",
			Buckets: prometheus.ExponentialBuckets(1, 4, 8),
		}),
		recycled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "coffeemanage_recycled_commands_total",
			Help: "Stale in-flight commands handled by the recycler",
		}, []string{"outcome"}),
		recycleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "coffeemanage_recycle_duration_seconds",
			Help:    "Duration of one recycler pass",
			Buckets: requestDurationBuckets,
		}),
		requests: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "coffeemanage_http_request_duration_seconds",
			Help:    "HTTP request latency by route",
			Buckets: requestDurationBuckets,
		}, []string{"method", "route", "status"}),
	}

	var err error
	m.commands, err = register(reg, m.commands)
	if err != nil {
		return nil, err
	}
	if m.batches, err = register(reg, m.batches); err != nil {
		return nil, err
	}
	if m.batchDevices, err = register(reg, m.batchDevices); err != nil {
		return nil, err
	}
	if m.recycled, err = register(reg, m.recycled); err != nil {
		return nil, err
	}
	if m.recycleDuration, err = register(reg, m.recycleDuration); err != nil {
		return nil, err
	}
	if m.requests, err = register(reg, m.requests); err != nil {
		return nil, err
	}
	return m, nil
}

// register adds c to reg, reusing an identical collector registered earlier.
func register[T prometheus.Collector](reg prometheus.Registerer, c T) (T, error) {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(T); ok {
				return existing, nil
			}
		}
		return c, err
	}
	return c, nil
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) CommandsEnqueued(n int) {
	m.commands.WithLabelValues("enqueued").Add(float64(n))
}

func (m *Metrics) CommandsClaimed(n int) {
	if n > 0 {
		m.commands.WithLabelValues("claimed").Add(float64(n))
	}
}

func (m *Metrics) CommandAcked(status string) {
	m.commands.WithLabelValues("acked_" + status).Inc()
}

func (m *Metrics) BatchCreated(devices int) {
	m.batches.Inc()
	m.batchDevices.Observe(float64(devices))
	m.CommandsEnqueued(devices)
}

// ObserveRecycle implements scheduler.Observer.
func (m *Metrics) ObserveRecycle(res store.RecycleResult, elapsed time.Duration) {
	m.recycled.WithLabelValues("requeued").Add(float64(res.Requeued))
	m.recycled.WithLabelValues("failed").Add(float64(res.Failed))
	m.recycled.WithLabelValues("removed").Add(float64(res.Removed))
	m.recycleDuration.Observe(elapsed.Seconds())
}

func (m *Metrics) ObserveRequest(method, route string, status int, elapsed time.Duration) {
	if route == "" {
		route = "unmatched"
	}
	m.requests.WithLabelValues(method, route, strconv.Itoa(status)).Observe(elapsed.Seconds())
}
