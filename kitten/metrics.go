package kitten

import (
	"strings"

	"github.com/golang/glog"
	"github.com/prometheus/client_golang/prometheus"
)

const DefaultMetricsNamespace = "kittens"

func metricsNamespace(namespace string) string {
	if namespace == "" {
		return DefaultMetricsNamespace
	}
	return strings.Join(strings.Split(namespace, "."), "_")
}

// metrics are always collected. They are only exported when a registerer is given.
func registerMetrics(reg prometheus.Registerer, collectors ...prometheus.Collector) {
	if reg == nil {
		return
	}
	for _, collector := range collectors {
		if err := reg.Register(collector); err != nil {
			// e.g. a second client on the same registry
			glog.Infof("[m]register error = %s\n", err)
		}
	}
}

type clientMetrics struct {
	frames  prometheus.Counter
	dropped prometheus.Counter
	opens   prometheus.Counter
	closes  prometheus.Counter
}

func newClientMetrics(reg prometheus.Registerer, namespace string, model *Model) *clientMetrics {
	namespace = metricsNamespace(namespace)
	metrics := &clientMetrics{
		frames: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "client",
			Name:      "frames",
			Help:      "count of received frames",
		}),
		dropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "client",
			Name:      "dropped_frames",
			Help:      "count of frames dropped as malformed or unknown",
		}),
		opens: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "client",
			Name:      "socket_opens",
			Help:      "count of opened connections",
		}),
		closes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "client",
			Name:      "socket_closes",
			Help:      "count of closed or failed connections",
		}),
	}
	registerMetrics(
		reg,
		metrics.frames,
		metrics.dropped,
		metrics.opens,
		metrics.closes,
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "client",
			Name:      "kitten_count",
			Help:      "count of kittens in the model",
		}, func() float64 {
			return float64(model.Len())
		}),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "client",
			Name:      "kitten_change_count",
			Help:      "count of revisions across all kittens in the model",
		}, func() float64 {
			return float64(model.KittenChangeCount())
		}),
	)
	return metrics
}

type serverMetrics struct {
	published prometheus.Counter
	sent      prometheus.Counter
	slow      prometheus.Counter
}

func newServerMetrics(reg prometheus.Registerer, namespace string, server *Server) *serverMetrics {
	namespace = metricsNamespace(namespace)
	metrics := &serverMetrics{
		published: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "hub",
			Name:      "published_changes",
			Help:      "count of published changes",
		}),
		sent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "hub",
			Name:      "sent_frames",
			Help:      "count of frames written to sockets",
		}),
		slow: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "hub",
			Name:      "slow_sockets",
			Help:      "count of sockets closed because their send buffer was full",
		}),
	}
	registerMetrics(
		reg,
		metrics.published,
		metrics.sent,
		metrics.slow,
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "hub",
			Name:      "socket_count",
			Help:      "count of open sockets",
		}, func() float64 {
			return float64(server.SocketCount())
		}),
	)
	return metrics
}
