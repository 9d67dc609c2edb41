package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	AIRequests        prometheus.Counter
	AIFailures        prometheus.Counter
	AITokens          prometheus.Counter
	MessagesSent      prometheus.Counter
	MessageSendErrors prometheus.Counter
	EnqueuedJobs      prometheus.Counter
	ProcessedJobs     prometheus.Counter
	FailedJobs        prometheus.Counter
}

var (
	once   sync.Once
	global *Metrics
)

func Global() *Metrics {
	once.Do(func() {
		global = &Metrics{
			AIRequests: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "chatwire",
				Name:      "ai_requests_total",
				Help:      "Total AI provider invocations attempted",
			}),
			AIFailures: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "chatwire",
				Name:      "ai_failures_total",
				Help:      "Total AI provider invocations that failed",
			}),
			AITokens: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "chatwire",
				Name:      "ai_tokens_total",
				Help:      "Total tokens reported by AI providers",
			}),
			MessagesSent: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "chatwire",
				Name:      "gateway_messages_sent_total",
				Help:      "Total messages delivered through the chat gateway",
			}),
			MessageSendErrors: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "chatwire",
				Name:      "gateway_send_errors_total",
				Help:      "Total chat gateway deliveries that failed",
			}),
			EnqueuedJobs: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "chatwire",
				Name:      "queue_enqueued_total",
				Help:      "Total jobs enqueued to redis stream",
			}),
			ProcessedJobs: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "chatwire",
				Name:      "queue_processed_total",
				Help:      "Total jobs successfully processed",
			}),
			FailedJobs: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "chatwire",
				Name:      "queue_failed_total",
				Help:      "Total jobs failed during processing",
			}),
		}
		prometheus.MustRegister(
			global.AIRequests, global.AIFailures, global.AITokens,
			global.MessagesSent, global.MessageSendErrors,
			global.EnqueuedJobs, global.ProcessedJobs, global.FailedJobs,
		)
	})
	return global
}
