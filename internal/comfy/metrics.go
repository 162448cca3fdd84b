package comfy

import "github.com/prometheus/client_golang/prometheus"

var wsReconnectsTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "comfyworker_websocket_reconnects_total",
		Help: "Total number of websocket reconnect attempts against the engine.",
	},
)

func init() {
	prometheus.MustRegister(wsReconnectsTotal)
}
