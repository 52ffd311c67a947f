package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
)

// Action names a lifecycle transition or decision.
type Action string

const (
	ActionCreate  Action = "create"
	ActionInspect Action = "inspect"
	ActionView    Action = "view"
	ActionConsume Action = "consume"
	ActionDelete  Action = "delete"
	ActionPurge   Action = "purge"
	ActionDeny    Action = "deny"
	ActionCleanup Action = "cleanup"
)

// Reasons attached to purge and deny events.
const (
	ReasonExpired    = "expired"
	ReasonConsumed   = "consumed"
	ReasonAbsent     = "absent"
	ReasonPINMissing = "pin_missing"
	ReasonPINInvalid = "pin_invalid"
)

// Event is one lifecycle entry. It carries the raw token only so the
// logger can fingerprint it; the token itself is never written out.
type Event struct {
	Action Action
	Token  string
	Reason string
	Count  int64
}

// Recorder receives lifecycle events.
type Recorder interface {
	Record(ctx context.Context, ev Event)
}

var eventsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
	Name: "ciphershare_lifecycle_events_total",
	Help: "Secret lifecycle events by action and reason.",
}, []string{"action", "reason"})

var purgedTotal = prometheus.NewCounter(prometheus.CounterOpts{
	Name: "ciphershare_cleanup_purged_total",
	Help: "Records removed by cleanup sweeps.",
})

func init() {
	prometheus.MustRegister(eventsTotal, purgedTotal)
}

// Logger writes lifecycle events to zerolog and counts them.
// Ciphertext, iv and PIN digests must NEVER be passed here.
type Logger struct {
	log zerolog.Logger
}

// NewLogger creates an audit Logger writing through base.
func NewLogger(base zerolog.Logger) *Logger {
	return &Logger{log: base.With().Str("component", "audit").Logger()}
}

// Record logs ev. A logger attached to ctx (carrying the request id) takes
// precedence over the base logger.
func (l *Logger) Record(ctx context.Context, ev Event) {
	eventsTotal.WithLabelValues(string(ev.Action), ev.Reason).Inc()
	if ev.Action == ActionCleanup {
		purgedTotal.Add(float64(ev.Count))
	}

	logger := l.log
	if c := zerolog.Ctx(ctx); c.GetLevel() != zerolog.Disabled {
		logger = c.With().Str("component", "audit").Logger()
	}

	e := logger.Info()
	if ev.Action == ActionDeny {
		e = logger.Warn()
	}
	e = e.Str("action", string(ev.Action))
	if ev.Token != "" {
		e = e.Str("secret", Fingerprint(ev.Token))
	}
	if ev.Reason != "" {
		e = e.Str("reason", ev.Reason)
	}
	if ev.Action == ActionCleanup {
		e = e.Int64("deleted", ev.Count)
	}
	e.Msg("secret lifecycle")
}

// Fingerprint returns a short, non-reversible label for a token that is
// safe to log and correlate.
func Fingerprint(token string) string {
	h := sha256.Sum256([]byte(token))
	return hex.EncodeToString(h[:6])
}

// Nop discards events.
type Nop struct{}

func (Nop) Record(context.Context, Event) {}
