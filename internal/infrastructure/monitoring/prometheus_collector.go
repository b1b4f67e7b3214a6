package monitoring

import (
	"time"

	"roomrelay/internal/core/domain"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PrometheusCollector implements the metrics hooks of the router and the
// mediator.
type PrometheusCollector struct {
	// Signaling
	signalConnections   prometheus.Gauge
	signalMessagesTotal *prometheus.CounterVec
	signalQueueDrops    prometheus.Counter

	// Registry
	roomsActive   prometheus.Gauge
	roomSlots     *prometheus.GaugeVec
	roomsAssigned prometheus.Gauge

	// Mediator
	relayPeersActive   prometheus.Gauge
	bindingsActive     prometheus.Gauge
	rtpForwardedBytes  prometheus.Counter
	rtpForwardedTotal  prometheus.Counter
	forwardAttempts    *prometheus.CounterVec
	forwardDuration    prometheus.Histogram
	negotiationDropped *prometheus.CounterVec
}

// NewPrometheusCollector registers every metric with reg. Tests pass a
// fresh prometheus.NewRegistry().
func NewPrometheusCollector(reg prometheus.Registerer) *PrometheusCollector {
	factory := promauto.With(reg)

	return &PrometheusCollector{
		signalConnections: factory.NewGauge(prometheus.GaugeOpts{
			Name: "roomrelay_signal_connections",
			Help: "Number of open signaling connections",
		}),

		signalMessagesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "roomrelay_signal_messages_total",
			Help: "Inbound signaling messages by type and routing outcome",
		}, []string{"type", "outcome"}),

		signalQueueDrops: factory.NewCounter(prometheus.CounterOpts{
			Name: "roomrelay_signal_queue_drops_total",
			Help: "Outbound signaling messages dropped on a full connection queue",
		}),

		roomsActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "roomrelay_rooms_active",
			Help: "Number of rooms with at least one slot",
		}),

		roomSlots: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "roomrelay_room_slots",
			Help: "Slots held across all rooms by slot kind",
		}, []string{"kind"}),

		roomsAssigned: factory.NewGauge(prometheus.GaugeOpts{
			Name: "roomrelay_rooms_with_mediator",
			Help: "Number of rooms currently served by a mediator",
		}),

		relayPeersActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "roomrelay_relay_peers_active",
			Help: "Relay peer connections held by the mediator",
		}),

		bindingsActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "roomrelay_track_bindings_active",
			Help: "Inbound tracks bound for forwarding",
		}),

		rtpForwardedBytes: factory.NewCounter(prometheus.CounterOpts{
			Name: "roomrelay_rtp_forwarded_bytes_total",
			Help: "RTP bytes received on relay peers and written to bindings",
		}),

		rtpForwardedTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "roomrelay_rtp_forwarded_packets_total",
			Help: "RTP packets received on relay peers and written to bindings",
		}),

		forwardAttempts: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "roomrelay_forward_attempts_total",
			Help: "Forward attempts by outcome",
		}, []string{"outcome"}),

		forwardDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "roomrelay_forward_attempt_duration_seconds",
			Help:    "Duration of forward attempts from dial to answer",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 10),
		}),

		negotiationDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "roomrelay_negotiations_dropped_total",
			Help: "Offers dropped without an answer by reason",
		}, []string{"reason"}),
	}
}

func (p *PrometheusCollector) SignalConnectionOpened() { p.signalConnections.Inc() }
func (p *PrometheusCollector) SignalConnectionClosed() { p.signalConnections.Dec() }
func (p *PrometheusCollector) SignalQueueDrop()        { p.signalQueueDrops.Inc() }

func (p *PrometheusCollector) SignalMessage(msgType, outcome string) {
	if msgType == "" {
		msgType = "unknown"
	}
	p.signalMessagesTotal.WithLabelValues(msgType, outcome).Inc()
}

// UpdateRooms replaces the registry gauges with a fresh snapshot.
func (p *PrometheusCollector) UpdateRooms(rooms []domain.RoomInfo) {
	var publishers, subscribers, assigned int
	for _, room := range rooms {
		publishers += room.Publishers
		subscribers += room.Subscribers
		if room.Mediator != "" {
			assigned++
		}
	}

	p.roomsActive.Set(float64(len(rooms)))
	p.roomsAssigned.Set(float64(assigned))
	p.roomSlots.WithLabelValues(string(domain.SlotPublisher)).Set(float64(publishers))
	p.roomSlots.WithLabelValues(string(domain.SlotSubscriber)).Set(float64(subscribers))
}

func (p *PrometheusCollector) RelayPeerOpened() { p.relayPeersActive.Inc() }
func (p *PrometheusCollector) RelayPeerClosed() { p.relayPeersActive.Dec() }
func (p *PrometheusCollector) BindingOpened()   { p.bindingsActive.Inc() }
func (p *PrometheusCollector) BindingClosed()   { p.bindingsActive.Dec() }

func (p *PrometheusCollector) RTPForwarded(bytes int) {
	p.rtpForwardedTotal.Inc()
	p.rtpForwardedBytes.Add(float64(bytes))
}

func (p *PrometheusCollector) ForwardAttempt(outcome string, duration time.Duration) {
	p.forwardAttempts.WithLabelValues(outcome).Inc()
	p.forwardDuration.Observe(duration.Seconds())
}

func (p *PrometheusCollector) NegotiationDropped(reason string) {
	p.negotiationDropped.WithLabelValues(reason).Inc()
}
