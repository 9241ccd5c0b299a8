package sink

import (
	"context"
	"log/slog"
	"time"

	"github.com/mailpipe/mailpipe/internal/parser"
)

// MessageStore is the narrow persistence boundary the database sink needs:
// insert one message, report success or failure. The hosting application
// owns the schema.
type MessageStore interface {
	Save(ctx context.Context, msg *parser.EmailMessage) error
}

// DatabaseSink persists metadata through a MessageStore. Store errors are
// Deferred so clients retry; the database is typically the primary sink.
type DatabaseSink struct {
	store   MessageStore
	timeout time.Duration
	logger  *slog.Logger
}

// NewDatabaseSink creates a DatabaseSink with a per-insert timeout.
func NewDatabaseSink(store MessageStore, timeout time.Duration, logger *slog.Logger) *DatabaseSink {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &DatabaseSink{
		store:   store,
		timeout: timeout,
		logger:  logger,
	}
}

// Name implements Sink.
func (s *DatabaseSink) Name() string {
	return "database"
}

// Deliver inserts one row.
func (s *DatabaseSink) Deliver(ctx context.Context, msg *parser.EmailMessage) Outcome {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	if err := s.store.Save(ctx, msg); err != nil {
		s.logger.Error("database sink insert failed",
			slog.String("message_id", msg.MessageID),
			slog.String("error", err.Error()),
		)
		return Deferred
	}
	return Delivered
}
