package parser

import (
	"time"
)

// EmailMessage is the structured metadata extracted from one completed SMTP
// transaction. It is built once after the DATA terminator and handed by
// value to every delivery sink; sinks observe it, never mutate it.
type EmailMessage struct {
	From       string    `json:"from"`
	To         []string  `json:"to"`
	Subject    string    `json:"subject"`
	Date       string    `json:"date"`
	MessageID  string    `json:"message_id"`
	ReceivedAt time.Time `json:"received_at"`
	Size       int64     `json:"size"`
	Body       string    `json:"body"`
}

// ParseError describes a failure in one parsing stage. The raw payload is
// retained so callers can fall back to storing the message opaquely.
type ParseError struct {
	Stage   string `json:"stage"`
	Message string `json:"message"`
	Raw     []byte `json:"-"`
}

// Error implements the error interface.
func (e *ParseError) Error() string {
	return e.Message
}

// ContentType constants.
const (
	ContentTypePlain = "text/plain"
	ContentTypeHTML  = "text/html"
)

// Encoding constants.
const (
	EncodingQuotedPrintable = "quoted-printable"
	EncodingBase64          = "base64"
)

// Header constants.
const (
	HeaderFrom        = "From"
	HeaderTo          = "To"
	HeaderSubject     = "Subject"
	HeaderDate        = "Date"
	HeaderMessageID   = "Message-Id"
	HeaderContentType = "Content-Type"
	HeaderEncoding    = "Content-Transfer-Encoding"
)

// Limits.
const (
	// MaxHeaderLength caps a single stored header value.
	MaxHeaderLength = 1000

	// maxMultipartDepth bounds recursion into nested multipart bodies.
	maxMultipartDepth = 8
)
