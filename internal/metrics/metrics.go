package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	OutboxItemsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "intgw_outbox_items_total",
			Help: "Outbox item lifecycle counter by stage and integration",
		},
		[]string{"stage", "integration"}, // queued|sent|failed|dead_letter
	)

	WebhookEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "intgw_webhook_events_total",
			Help: "Inbound webhook counter by provider and result",
		},
		[]string{"provider", "result"}, // accepted|duplicate|rejected|malformed
	)
)

func MustRegister(r prometheus.Registerer) {
	r.MustRegister(
		OutboxItemsTotal,
		WebhookEventsTotal,
	)
}
