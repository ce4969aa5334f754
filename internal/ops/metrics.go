package ops

import "github.com/prometheus/client_golang/prometheus"

// Counters fed by the services. They live here so the ops server owns
// their registration; services increment through the helpers below.
var (
	notificationsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "corsard_notifications_total",
		Help: "Dispatched notifications by outcome.",
	}, []string{"outcome"})

	paymentFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "corsard_payment_failures_total",
		Help: "Payment issuance attempts that failed.",
	})

	keysIssued = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "corsard_keys_issued_total",
		Help: "Keys issued, including prolongations.",
	})

	keysSwept = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "corsard_keys_swept_total",
		Help: "Sweeper actions by kind.",
	}, []string{"action"})

	paymentChecks = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "corsard_payment_checks_total",
		Help: "Provider polls of pending payments.",
	})
)

// CountNotification records one dispatched notification outcome:
// "sent", "skipped" or "error".
func CountNotification(outcome string) { notificationsTotal.WithLabelValues(outcome).Inc() }

// CountPaymentFailure records one failed issuance attempt.
func CountPaymentFailure() { paymentFailures.Inc() }

// CountKeyIssued records one issued or prolonged key.
func CountKeyIssued() { keysIssued.Inc() }

// CountKeySwept records one sweeper action: "alerted", "disabled" or
// "purged".
func CountKeySwept(action string) { keysSwept.WithLabelValues(action).Inc() }

// CountPaymentCheck records one provider poll of a pending payment.
func CountPaymentCheck() { paymentChecks.Inc() }
