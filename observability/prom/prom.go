package prom

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mudvault/mesh/observability"
)

// NewRegistry returns a fresh Prometheus registry.
func NewRegistry() *prometheus.Registry {
	return prometheus.NewRegistry()
}

// Handler returns a Prometheus HTTP handler bound to the registry.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}

// GatewayObserver exports gateway metrics to Prometheus.
type GatewayObserver struct {
	connGauge    prometheus.Gauge
	channelGauge prometheus.Gauge
	authTotal    *prometheus.CounterVec
	routedTotal  *prometheus.CounterVec
	closeTotal   *prometheus.CounterVec
	routeLatency prometheus.Histogram
	historyDrops prometheus.Counter
}

// NewGatewayObserver registers gateway metrics on the registry.
func NewGatewayObserver(reg *prometheus.Registry) *GatewayObserver {
	o := &GatewayObserver{
		connGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "mesh_gateway_connections",
			Help: "Current websocket connection count.",
		}),
		channelGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "mesh_gateway_channels",
			Help: "Current active channel count.",
		}),
		authTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mesh_gateway_auth_total",
			Help: "Authentication attempts by result and reason.",
		}, []string{"result", "reason"}),
		routedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mesh_gateway_routed_total",
			Help: "Routed envelopes by message kind and outcome.",
		}, []string{"kind", "outcome"}),
		closeTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mesh_gateway_close_total",
			Help: "Connection close reasons.",
		}, []string{"reason"}),
		routeLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "mesh_gateway_route_latency_seconds",
			Help:    "Latency from envelope decode to enqueue on the target connection.",
			Buckets: prometheus.DefBuckets,
		}),
		historyDrops: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mesh_gateway_history_drops_total",
			Help: "History ring appends dropped because the registry was unavailable.",
		}),
	}
	reg.MustRegister(
		o.connGauge,
		o.channelGauge,
		o.authTotal,
		o.routedTotal,
		o.closeTotal,
		o.routeLatency,
		o.historyDrops,
	)
	return o
}

func (o *GatewayObserver) ConnCount(n int64) {
	o.connGauge.Set(float64(n))
}

func (o *GatewayObserver) ChannelCount(n int) {
	o.channelGauge.Set(float64(n))
}

func (o *GatewayObserver) Auth(result observability.AuthResult, reason observability.AuthReason) {
	o.authTotal.WithLabelValues(string(result), string(reason)).Inc()
}

func (o *GatewayObserver) Routed(kind string, outcome observability.RouteOutcome) {
	o.routedTotal.WithLabelValues(kind, string(outcome)).Inc()
}

func (o *GatewayObserver) Close(reason observability.CloseReason) {
	o.closeTotal.WithLabelValues(string(reason)).Inc()
}

func (o *GatewayObserver) RouteLatency(d time.Duration) {
	o.routeLatency.Observe(d.Seconds())
}

func (o *GatewayObserver) HistoryDrop() {
	o.historyDrops.Inc()
}
