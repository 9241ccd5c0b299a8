// Package repository persists captured email metadata in PostgreSQL.
package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/mailpipe/mailpipe/internal/parser"
)

// Repository errors.
var (
	ErrDuplicateMessage = errors.New("message already stored")
)

// MessageRepo stores captured messages using PostgreSQL.
type MessageRepo struct {
	db *sqlx.DB
}

// NewMessageRepo creates a MessageRepo instance.
func NewMessageRepo(db *sqlx.DB) *MessageRepo {
	return &MessageRepo{db: db}
}

// Save inserts one message. It satisfies the sink.MessageStore interface.
func (r *MessageRepo) Save(ctx context.Context, msg *parser.EmailMessage) error {
	recipients, err := json.Marshal(msg.To)
	if err != nil {
		return fmt.Errorf("failed to encode recipients: %w", err)
	}

	row := &Message{
		ID:         uuid.New(),
		MessageID:  msg.MessageID,
		Sender:     msg.From,
		Recipients: string(recipients),
		Subject:    msg.Subject,
		Date:       msg.Date,
		Body:       msg.Body,
		SizeBytes:  msg.Size,
		ReceivedAt: msg.ReceivedAt,
		CreatedAt:  time.Now().UTC(),
	}

	const query = `
		INSERT INTO messages (
			id, message_id, sender, recipients, subject,
			date_header, body, size_bytes, received_at, created_at
		) VALUES (
			:id, :message_id, :sender, :recipients, :subject,
			:date_header, :body, :size_bytes, :received_at, :created_at
		)`

	if _, err := r.db.NamedExecContext(ctx, query, row); err != nil {
		return fmt.Errorf("failed to insert message: %w", err)
	}
	return nil
}

// Count returns the number of stored messages. Used by the admin endpoint.
func (r *MessageRepo) Count(ctx context.Context) (int64, error) {
	var count int64
	if err := r.db.GetContext(ctx, &count, `SELECT COUNT(*) FROM messages`); err != nil {
		return 0, fmt.Errorf("failed to count messages: %w", err)
	}
	return count, nil
}
