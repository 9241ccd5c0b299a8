package repository

import (
	"time"

	"github.com/google/uuid"
)

// Message is the persisted form of one captured email.
type Message struct {
	ID         uuid.UUID `db:"id"`
	MessageID  string    `db:"message_id"`
	Sender     string    `db:"sender"`
	Recipients string    `db:"recipients"` // JSON array
	Subject    string    `db:"subject"`
	Date       string    `db:"date_header"`
	Body       string    `db:"body"`
	SizeBytes  int64     `db:"size_bytes"`
	ReceivedAt time.Time `db:"received_at"`
	CreatedAt  time.Time `db:"created_at"`
}
