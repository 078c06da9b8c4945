package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	OnlineConns = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "chat_gateway_online_conns",
		Help: "Current open websocket sessions.",
	})
	WSBackpressure = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chat_gateway_ws_backpressure_total",
		Help: "Total sockets closed because the outbound queue was full.",
	})

	MessagesAppended = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chat_messages_appended_total",
		Help: "Total messages appended, by kind (text, location, file).",
	}, []string{"kind"})
	WriteFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chat_write_failures_total",
		Help: "Total failed backend writes, by operation.",
	}, []string{"op"})
	SinkFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chat_sink_failures_total",
		Help: "Total failures of post-append sinks (events, archive).",
	}, []string{"sink"})

	ActiveSubscriptions = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "chat_active_subscriptions",
		Help: "Open subscriptions, by stream (messages, typing, presence).",
	}, []string{"stream"})

	PresenceWrites = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chat_presence_writes_total",
		Help: "Presence writes, by state and result.",
	}, []string{"state", "result"})

	LeasesReaped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chat_leases_reaped_total",
		Help: "Total expired connection leases whose armed writes were fired.",
	})
	ArmedWritesFired = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chat_armed_writes_fired_total",
		Help: "Total on-disconnect writes applied by the reaper.",
	})

	Uploads = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chat_blob_uploads_total",
		Help: "Blob uploads, by result.",
	}, []string{"result"})
)

func Register() {
	prometheus.MustRegister(
		OnlineConns, WSBackpressure,
		MessagesAppended, WriteFailures, SinkFailures,
		ActiveSubscriptions,
		PresenceWrites,
		LeasesReaped, ArmedWritesFired,
		Uploads,
	)
}
