package smtp

import (
	"context"
	"time"

	"github.com/mailpipe/mailpipe/internal/parser"
	"github.com/mailpipe/mailpipe/internal/sink"
)

// Config holds SMTP server configuration.
type Config struct {
	Host                string
	Port                int
	Hostname            string
	MaxConnections      int
	MaxConnectionsPerIP int
	MaxMessageSize      int64
	MaxLineLength       int
	MaxRecipients       int
	IdleTimeout         time.Duration
	DataTimeout         time.Duration
	ShutdownGrace       time.Duration
	MaxAuthFailures     int
	MaxBadCommands      int

	// AllowedDomains is the recipient domain allow-list; empty accepts all.
	AllowedDomains []string

	// RateLimit caps accepted transactions per source IP per window.
	// Zero disables rate limiting.
	RateLimit       int
	RateLimitWindow time.Duration
}

// Deliverer consumes one parsed message after a completed transaction. The
// outcome of the designated primary sink decides the SMTP reply.
type Deliverer interface {
	Deliver(ctx context.Context, msg *parser.EmailMessage) sink.Outcome
}

// Session protocol states. AUTH does not have its own state: authentication
// is tracked alongside because it may happen any time after the greeting and
// survives RSET.
const (
	stateConnected = iota
	stateGreeted
	stateMail
	stateRcpt
)

// SMTP reply codes.
const (
	CodeServiceReady       = 220
	CodeServiceClosing     = 221
	CodeAuthSuccessful     = 235
	CodeOK                 = 250
	CodeAuthContinue       = 334
	CodeStartMailInput     = 354
	CodeServiceUnavailable = 421
	CodeRateLimited        = 450
	CodeTempFailure        = 451
	CodeTooManyRecipients  = 452
	CodeSyntaxError        = 500
	CodeSyntaxErrorParams  = 501
	CodeBadSequence        = 503
	CodeAuthMechUnknown    = 504
	CodeAuthRequired       = 530
	CodeAuthFailed         = 535
	CodeDomainNotAllowed   = 550
	CodeMessageTooLarge    = 552
	CodeTransactionFailed  = 554
)

// Reply texts for codes whose message never varies.
var replyText = map[int]string{
	CodeServiceClosing:     "Bye",
	CodeOK:                 "OK",
	CodeAuthSuccessful:     "Authentication successful",
	CodeStartMailInput:     "Start mail input; end with <CRLF>.<CRLF>",
	CodeServiceUnavailable: "Service not available",
	CodeRateLimited:        "Too many transactions, try again later",
	CodeTempFailure:        "Temporary failure, try again later",
	CodeTooManyRecipients:  "Too many recipients",
	CodeSyntaxError:        "Syntax error",
	CodeSyntaxErrorParams:  "Syntax error in parameters",
	CodeBadSequence:        "Bad sequence of commands",
	CodeAuthMechUnknown:    "Unrecognized authentication type",
	CodeAuthRequired:       "Authentication required",
	CodeAuthFailed:         "Authentication failed",
	CodeDomainNotAllowed:   "Relay not permitted for recipient domain",
	CodeMessageTooLarge:    "Message too large",
	CodeTransactionFailed:  "Transaction failed",
}
