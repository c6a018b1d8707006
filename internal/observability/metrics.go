package observability

import (
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Drop reasons recorded on aodv_drops_total.
const (
	DropMalformed     = "malformed"
	DropDuplicate     = "duplicate"
	DropBlacklisted   = "blacklisted"
	DropLowEnergy     = "low_energy"
	DropTTLExpired    = "ttl_expired"
	DropRateLimited   = "rate_limited"
	DropNoRoute       = "no_route"
	DropQueueFull     = "queue_full"
	DropQueueTimeout  = "queue_timeout"
	DropUnreachable   = "unreachable"
	DropInterfaceDown = "interface_down"
	DropOwnPacket     = "own_packet"
)

// Discovery outcomes recorded on aodv_discoveries_total.
const (
	DiscoveryStarted  = "started"
	DiscoveryRetried  = "retried"
	DiscoveryResolved = "resolved"
	DiscoveryFailed   = "failed"
	DiscoveryDeferred = "deferred"
)

// ProtocolCollector bundles the routing protocol's Prometheus metrics. All
// nodes of a process may share one collector; the metrics then aggregate
// across nodes. Methods are safe to call on a nil collector.
type ProtocolCollector struct {
	gatherer prometheus.Gatherer

	ControlSent     *prometheus.CounterVec
	ControlReceived *prometheus.CounterVec
	Drops           *prometheus.CounterVec
	Discoveries     *prometheus.CounterVec
	RouteErrors     prometheus.Counter

	Candidates    prometheus.Histogram
	SelectedScore prometheus.Histogram
}

// NewProtocolCollector registers the protocol metrics against reg,
// defaulting to the global Prometheus registry when nil. Registering twice
// against the same registry returns the already registered collectors.
func NewProtocolCollector(reg prometheus.Registerer) (*ProtocolCollector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	gatherer := prometheus.DefaultGatherer
	if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}

	sent, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "aodv_control_sent_total",
		Help: "Control messages handed to the transport, labeled by message type.",
	}, []string{"type"}), "aodv_control_sent_total")
	if err != nil {
		return nil, err
	}
	received, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "aodv_control_received_total",
		Help: "Control messages received, labeled by message type.",
	}, []string{"type"}), "aodv_control_received_total")
	if err != nil {
		return nil, err
	}
	drops, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "aodv_drops_total",
		Help: "Control messages and data packets dropped, labeled by reason.",
	}, []string{"reason"}), "aodv_drops_total")
	if err != nil {
		return nil, err
	}
	discoveries, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "aodv_discoveries_total",
		Help: "Route discovery events, labeled by result.",
	}, []string{"result"}), "aodv_discoveries_total")
	if err != nil {
		return nil, err
	}
	routeErrors, err := registerCounter(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "aodv_route_errors_total",
		Help: "Link breaks that invalidated at least one route.",
	}), "aodv_route_errors_total")
	if err != nil {
		return nil, err
	}
	candidates, err := registerHistogram(reg, prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "aodv_eocw_candidates",
		Help:    "Candidate paths collected per route request at the destination.",
		Buckets: []float64{1, 2, 3, 4, 6, 8, 12, 16},
	}), "aodv_eocw_candidates")
	if err != nil {
		return nil, err
	}
	score, err := registerHistogram(reg, prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "aodv_eocw_selected_score",
		Help:    "Score of the path selected by the EOCW decision.",
		Buckets: prometheus.LinearBuckets(0.1, 0.1, 10),
	}), "aodv_eocw_selected_score")
	if err != nil {
		return nil, err
	}

	return &ProtocolCollector{
		gatherer:        gatherer,
		ControlSent:     sent,
		ControlReceived: received,
		Drops:           drops,
		Discoveries:     discoveries,
		RouteErrors:     routeErrors,
		Candidates:      candidates,
		SelectedScore:   score,
	}, nil
}

// Handler exposes a ready-to-use /metrics handler.
func (c *ProtocolCollector) Handler() http.Handler {
	gatherer := prometheus.DefaultGatherer
	if c != nil && c.gatherer != nil {
		gatherer = c.gatherer
	}
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

func (c *ProtocolCollector) Sent(msgType string) {
	if c == nil || c.ControlSent == nil {
		return
	}
	c.ControlSent.WithLabelValues(msgType).Inc()
}

func (c *ProtocolCollector) Received(msgType string) {
	if c == nil || c.ControlReceived == nil {
		return
	}
	c.ControlReceived.WithLabelValues(msgType).Inc()
}

func (c *ProtocolCollector) Drop(reason string) {
	if c == nil || c.Drops == nil {
		return
	}
	c.Drops.WithLabelValues(reason).Inc()
}

func (c *ProtocolCollector) Discovery(result string) {
	if c == nil || c.Discoveries == nil {
		return
	}
	c.Discoveries.WithLabelValues(result).Inc()
}

func (c *ProtocolCollector) RouteError() {
	if c == nil || c.RouteErrors == nil {
		return
	}
	c.RouteErrors.Inc()
}

// ObserveSelection records one EOCW decision.
func (c *ProtocolCollector) ObserveSelection(candidates int, score float64) {
	if c == nil {
		return
	}
	if c.Candidates != nil {
		c.Candidates.Observe(float64(candidates))
	}
	if c.SelectedScore != nil {
		c.SelectedScore.Observe(score)
	}
}

func registerCounterVec(reg prometheus.Registerer, vec *prometheus.CounterVec, name string) (*prometheus.CounterVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.CounterVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return vec, nil
}

func registerGauge(reg prometheus.Registerer, gauge prometheus.Gauge, name string) (prometheus.Gauge, error) {
	if err := reg.Register(gauge); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Gauge); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return gauge, nil
}
