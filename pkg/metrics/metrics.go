// Package metrics defines the Prometheus metrics exported by the relay.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Config configures the relay metrics.
type Config struct {
	// Namespace is the metrics namespace (default: "relaychat").
	Namespace string

	// ConstLabels are constant labels added to all metrics.
	ConstLabels      prometheus.Labels

	// Registry is the Prometheus registry to use.
	// Default: a fresh registry, so several relays can live in one process.
	Registry         prometheus.Registerer
}

// Option configures the relay metrics.
type Option func(*Config)

// WithNamespace sets the metrics namespace.
func WithNamespace(namespace string) Option {
	return func(c *Config) {
		c.Namespace = namespace
	}
}

// WithConstLabels sets constant labels for all metrics.
func WithConstLabels(labels prometheus.Labels) Option {
	return func(c *Config) {
		c.ConstLabels = labels
	}
}

// WithRegistry sets the Prometheus registry.
func WithRegistry(registry prometheus.Registerer) Option {
	return func(c *Config) {
		c.Registry = registry
	}
}

// Metrics holds the relay's Prometheus collectors.
type Metrics struct {
	FramesReceived   *prometheus.CounterVec
	MessagesEnqueued prometheus.Counter
	FramesDelivered  prometheus.Counter
	FramesMailboxed  *prometheus.CounterVec
	DeliveryFailures prometheus.Counter
	MailboxErrors    prometheus.Counter
	Pulls            prometheus.Counter
	AuthRequired     prometheus.Counter
	ActiveSessions   prometheus.Gauge
	Registrations    prometheus.Gauge
	PendingFrames    prometheus.Gauge
	SessionErrors    *prometheus.CounterVec
	CheckoutWaits    prometheus.Counter
}

// New creates and registers the relay metrics.
//
// Metrics collected:
//   - relaychat_frames_received_total: client frames by type
//   - relaychat_messages_enqueued_total: Msg frames accepted for routing
//   - relaychat_frames_delivered_total: frames written to a live connection
//   - relaychat_frames_mailboxed_total: frames stored for an offline user, by reason
//   - relaychat_delivery_failures_total: writes that failed and deregistered a user
//   - relaychat_mailbox_errors_total: frames the mailbox store refused
//   - relaychat_pulls_total: Pull frames handled
//   - relaychat_auth_required_total: frames rejected before login
//   - relaychat_active_sessions: open client sessions
//   - relaychat_registrations: users with a live registration
//   - relaychat_pending_frames: frames waiting in the pending queue
//   - relaychat_session_errors_total: sessions ended by an error, by kind
//   - relaychat_checkout_waits_total: delivery retries on a busy connection
func New(opts ...Option) *Metrics {
	config := Config{
		Namespace: "relaychat",
	}
	for _, opt := range opts {
		opt(&config)
	}
	if config.Registry == nil {
		config.Registry = prometheus.NewRegistry()
	}

	factory := promauto.With(config.Registry)

	return &Metrics{
		FramesReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Name:        "frames_received_total",
			Help:        "Total client frames received, by type",
			ConstLabels: config.ConstLabels,
		}, []string{"type"}),

		MessagesEnqueued: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Name:        "messages_enqueued_total",
			Help:        "Total chat messages accepted for routing",
			ConstLabels: config.ConstLabels,
		}),

		FramesDelivered: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Name:        "frames_delivered_total",
			Help:        "Total frames written to a live connection",
			ConstLabels: config.ConstLabels,
		}),

		FramesMailboxed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Name:        "frames_mailboxed_total",
			Help:        "Total frames stored in an offline mailbox, by reason",
			ConstLabels: config.ConstLabels,
		}, []string{"reason"}),

		DeliveryFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Name:        "delivery_failures_total",
			Help:        "Total failed connection writes",
			ConstLabels: config.ConstLabels,
		}),

		MailboxErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Name:        "mailbox_errors_total",
			Help:        "Total frames the mailbox store failed to keep",
			ConstLabels: config.ConstLabels,
		}),

		Pulls: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Name:        "pulls_total",
			Help:        "Total mailbox pulls",
			ConstLabels: config.ConstLabels,
		}),

		AuthRequired: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Name:        "auth_required_total",
			Help:        "Total frames rejected because the session had not logged in",
			ConstLabels: config.ConstLabels,
		}),

		ActiveSessions: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   config.Namespace,
			Name:        "active_sessions",
			Help:        "Number of open client sessions",
			ConstLabels: config.ConstLabels,
		}),

		Registrations: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   config.Namespace,
			Name:        "registrations",
			Help:        "Number of users with a live registration",
			ConstLabels: config.ConstLabels,
		}),

		PendingFrames: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   config.Namespace,
			Name:        "pending_frames",
			Help:        "Number of frames waiting for a delivery worker",
			ConstLabels: config.ConstLabels,
		}),

		SessionErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Name:        "session_errors_total",
			Help:        "Total sessions ended by an error, by kind",
			ConstLabels: config.ConstLabels,
		}, []string{"kind"}),

		CheckoutWaits: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Name:        "checkout_waits_total",
			Help:        "Total delivery retries caused by a busy connection",
			ConstLabels: config.ConstLabels,
		}),
	}
}
