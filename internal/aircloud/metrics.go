package aircloud

import "github.com/prometheus/client_golang/prometheus"

var (
	tokenExchanges = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aircloud_token_exchanges_total",
			Help: "Login and refresh-token exchanges by kind and result",
		},
		[]string{"kind", "result"},
	)
	sessionValid = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "aircloud_session_valid",
			Help: "Whether an access token is held (1=yes, 0=no)",
		},
	)
	framesReceived = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aircloud_stomp_frames_total",
			Help: "Inbound STOMP frames by classification",
		},
		[]string{"kind"},
	)
	fetchOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aircloud_state_fetch_total",
			Help: "Climate state fetches by outcome",
		},
		[]string{"outcome"},
	)
	commandsSent = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aircloud_commands_total",
			Help: "Control commands by HTTP status class",
		},
		[]string{"status"},
	)
)

// MetricsCollectors returns collectors for the vendor client.
func MetricsCollectors() []prometheus.Collector {
	return []prometheus.Collector{
		tokenExchanges,
		sessionValid,
		framesReceived,
		fetchOutcomes,
		commandsSent,
	}
}
