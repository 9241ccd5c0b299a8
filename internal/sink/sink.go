// Package sink defines delivery targets for captured email metadata. Sinks
// are fanned out in order after each completed SMTP transaction; only the
// designated primary sink's outcome decides the wire reply, every other sink
// is best-effort.
package sink

import (
	"context"
	"log/slog"

	"github.com/mailpipe/mailpipe/internal/metrics"
	"github.com/mailpipe/mailpipe/internal/parser"
)

// Outcome classifies a delivery attempt.
type Outcome int

const (
	// Delivered means the sink accepted the message.
	Delivered Outcome = iota
	// Deferred means a transient failure; the client may retry the
	// transaction later.
	Deferred
	// Rejected means a permanent failure for this sink.
	Rejected
)

// String returns the outcome name for logs and metrics labels.
func (o Outcome) String() string {
	switch o {
	case Delivered:
		return "delivered"
	case Deferred:
		return "deferred"
	case Rejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// Sink is a delivery target for one EmailMessage. Implementations must not
// mutate the message and must not block beyond their own bounded timeouts.
type Sink interface {
	// Deliver attempts delivery of one message.
	Deliver(ctx context.Context, msg *parser.EmailMessage) Outcome

	// Name returns the sink name used in configuration, logs and metrics.
	Name() string
}

// Fanout invokes an ordered list of sinks and reports the primary sink's
// outcome. Secondary failures are logged and counted, never propagated.
type Fanout struct {
	sinks   []Sink
	primary string
	logger  *slog.Logger
}

// NewFanout creates a Fanout. primary names the authoritative sink; it must
// match one of the given sinks' names, or the first sink is used.
func NewFanout(sinks []Sink, primary string, logger *slog.Logger) *Fanout {
	if logger == nil {
		logger = slog.Default()
	}
	if primary == "" && len(sinks) > 0 {
		primary = sinks[0].Name()
	}
	return &Fanout{
		sinks:   sinks,
		primary: primary,
		logger:  logger,
	}
}

// Primary returns the name of the authoritative sink.
func (f *Fanout) Primary() string {
	return f.primary
}

// Empty reports whether no sinks are configured.
func (f *Fanout) Empty() bool {
	return len(f.sinks) == 0
}

// Deliver fans the message out to every sink in order. The returned outcome
// is the primary sink's; with no sinks configured the message is considered
// delivered (capture disabled).
func (f *Fanout) Deliver(ctx context.Context, msg *parser.EmailMessage) Outcome {
	result := Delivered

	for _, s := range f.sinks {
		outcome := s.Deliver(ctx, msg)
		metrics.SinkDeliveries.WithLabelValues(s.Name(), outcome.String()).Inc()

		if s.Name() == f.primary {
			result = outcome
		}

		if outcome != Delivered {
			f.logger.Warn("sink delivery failed",
				slog.String("sink", s.Name()),
				slog.String("outcome", outcome.String()),
				slog.String("message_id", msg.MessageID),
				slog.Bool("primary", s.Name() == f.primary),
			)
		}
	}

	return result
}
