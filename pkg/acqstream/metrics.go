package acqstream

import "github.com/prometheus/client_golang/prometheus"

type serverMetrics struct {
	commands    *prometheus.CounterVec
	connections prometheus.Gauge
	subscribers prometheus.Gauge
	tagsSent    *prometheus.CounterVec
	bytesSent   prometheus.Counter
	dropped     prometheus.Counter
}

func newServerMetrics(reg prometheus.Registerer) (*serverMetrics, error) {
	m := &serverMetrics{
		commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "acqstream",
			Subsystem: "control",
			Name:      "commands_total",
			Help:      "Commands dispatched, by command and status",
		}, []string{"command", "status"}),
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "acqstream",
			Subsystem: "control",
			Name:      "connections",
			Help:      "Open command connections",
		}),
		subscribers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "acqstream",
			Subsystem: "data",
			Name:      "subscribers",
			Help:      "Connected data subscribers",
		}),
		tagsSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "acqstream",
			Subsystem: "data",
			Name:      "tags_sent_total",
			Help:      "Tags written to data subscribers, by kind",
		}, []string{"kind"}),
		bytesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "acqstream",
			Subsystem: "data",
			Name:      "bytes_sent_total",
			Help:      "Bytes written to data subscribers",
		}),
		dropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "acqstream",
			Subsystem: "data",
			Name:      "subscribers_dropped_total",
			Help:      "Subscribers disconnected for not keeping up",
		}),
	}

	for _, c := range []prometheus.Collector{m.commands, m.connections, m.subscribers, m.tagsSent, m.bytesSent, m.dropped} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}
