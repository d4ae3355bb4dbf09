package ringbuffer

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds the Prometheus collectors of one buffer component. Create it
// once and pass it to every buffer that replaces the previous one.
type Metrics struct {
	writes  prometheus.Counter
	reads   prometheus.Counter
	gaps    prometheus.Counter
	full    prometheus.Counter
	size    prometheus.Gauge
	cursors prometheus.Gauge
}

func NewMetrics(reg prometheus.Registerer, component string) (*Metrics, error) {
	labels := prometheus.Labels{"component": component}
	m := &Metrics{
		writes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "acqstream",
			Subsystem:   "ringbuffer",
			Name:        "writes_total",
			ConstLabels: labels,
			Help:        "Total number of values written to the ring buffer",
		}),
		reads: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "acqstream",
			Subsystem:   "ringbuffer",
			Name:        "reads_total",
			ConstLabels: labels,
			Help:        "Total number of values read by all cursors",
		}),
		gaps: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "acqstream",
			Subsystem:   "ringbuffer",
			Name:        "gaps_total",
			ConstLabels: labels,
			Help:        "Values overwritten before every cursor had read them",
		}),
		full: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "acqstream",
			Subsystem:   "ringbuffer",
			Name:        "full_total",
			ConstLabels: labels,
			Help:        "Writes rejected because the buffer was full",
		}),
		size: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   "acqstream",
			Subsystem:   "ringbuffer",
			Name:        "size",
			ConstLabels: labels,
			Help:        "Values currently held in the buffer",
		}),
		cursors: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   "acqstream",
			Subsystem:   "ringbuffer",
			Name:        "cursors",
			ConstLabels: labels,
			Help:        "Attached reader cursors",
		}),
	}

	for _, c := range []prometheus.Collector{m.writes, m.reads, m.gaps, m.full, m.size, m.cursors} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}
