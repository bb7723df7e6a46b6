package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "livecall"

// Recorder owns the collectors describing the broadcast session lifecycle:
// joins, leaves, rejoins, liveness probes, feed traffic and RPC latency. Each
// Recorder registers into its own registry so tests and embedded controllers
// do not collide on the global one. All methods are safe on a nil receiver.
type Recorder struct {
	registry       *prometheus.Registry
	joins          *prometheus.CounterVec
	leaves         *prometheus.CounterVec
	rejoins        *prometheus.CounterVec
	livenessChecks *prometheus.CounterVec
	feedEvents     *prometheus.CounterVec
	requests       *prometheus.CounterVec
	activeCall     prometheus.Gauge
	rpcDuration    *prometheus.HistogramVec
}

var (
	defaultOnce     sync.Once
	defaultRecorder *Recorder
)

// New constructs a Recorder with a fresh registry that also exposes the Go
// runtime and process collectors.
func New() *Recorder {
	r := &Recorder{
		registry: prometheus.NewRegistry(),
		joins: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "joins_total",
			Help:      "Broadcast join attempts by result.",
		}, []string{"result"}),
		leaves: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "leaves_total",
			Help:      "Broadcast departures by kind.",
		}, []string{"kind"}),
		rejoins: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rejoins_total",
			Help:      "Rejoin attempts by trigger and result.",
		}, []string{"trigger", "result"}),
		livenessChecks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "liveness_checks_total",
			Help:      "Liveness probes by depth and verdict.",
		}, []string{"depth", "result"}),
		feedEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "feed_events_total",
			Help:      "Push feed events by feed and resulting action.",
		}, []string{"feed", "action"}),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Control API requests by method, route and status.",
		}, []string{"method", "route", "status"}),
		activeCall: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_call",
			Help:      "1 while a broadcast session is current.",
		}),
		rpcDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "rpc_duration_seconds",
			Help:      "Gateway RPC latency by method.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method"}),
	}
	r.registry.MustRegister(
		r.joins,
		r.leaves,
		r.rejoins,
		r.livenessChecks,
		r.feedEvents,
		r.requests,
		r.activeCall,
		r.rpcDuration,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return r
}

// Default returns the process-wide Recorder shared by helpers that do not
// receive one explicitly.
func Default() *Recorder {
	defaultOnce.Do(func() {
		defaultRecorder = New()
	})
	return defaultRecorder
}

// Registry exposes the underlying registry.
func (r *Recorder) Registry() *prometheus.Registry {
	if r == nil {
		return nil
	}
	return r.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (r *Recorder) Handler() http.Handler {
	if r == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{Registry: r.registry})
}

// ObserveJoin counts a join attempt.
func (r *Recorder) ObserveJoin(result string) {
	if r == nil {
		return
	}
	r.joins.WithLabelValues(result).Inc()
}

// ObserveLeave counts a departure; kind is leave, discard or discarded.
func (r *Recorder) ObserveLeave(kind string) {
	if r == nil {
		return
	}
	r.leaves.WithLabelValues(kind).Inc()
}

// ObserveRejoin counts a rejoin attempt.
func (r *Recorder) ObserveRejoin(trigger string, err error) {
	if r == nil {
		return
	}
	r.rejoins.WithLabelValues(trigger, resultLabel(err)).Inc()
}

// ObserveLiveness counts a liveness verdict.
func (r *Recorder) ObserveLiveness(deep bool, result string) {
	if r == nil {
		return
	}
	depth := "shallow"
	if deep {
		depth = "deep"
	}
	r.livenessChecks.WithLabelValues(depth, result).Inc()
}

// ObserveFeedEvent counts a push feed event.
func (r *Recorder) ObserveFeedEvent(feed, action string) {
	if r == nil {
		return
	}
	r.feedEvents.WithLabelValues(feed, action).Inc()
}

// SetActiveCall flips the active call gauge.
func (r *Recorder) SetActiveCall(active bool) {
	if r == nil {
		return
	}
	if active {
		r.activeCall.Set(1)
		return
	}
	r.activeCall.Set(0)
}

// ObserveRPC records the latency of a gateway method call.
func (r *Recorder) ObserveRPC(method string, duration time.Duration) {
	if r == nil {
		return
	}
	r.rpcDuration.WithLabelValues(method).Observe(duration.Seconds())
}

// ObserveRequest counts a control API request.
func (r *Recorder) ObserveRequest(method, route string, status int) {
	if r == nil {
		return
	}
	if route == "" {
		route = "unmatched"
	}
	r.requests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
}

func resultLabel(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
