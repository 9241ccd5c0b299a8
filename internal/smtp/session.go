package smtp

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/mailpipe/mailpipe/internal/metrics"
	"github.com/mailpipe/mailpipe/internal/parser"
	"github.com/mailpipe/mailpipe/internal/sink"
)

// errLineTooLong is returned by readLine when a command line exceeds the
// configured limit. The oversized tail is drained, never buffered.
var errLineTooLong = fmt.Errorf("command line too long")

// deliverTimeout bounds the sink fan-out for one message.
const deliverTimeout = 30 * time.Second

// closeReplyTimeout bounds the farewell write on a session whose read
// deadline has already expired.
const closeReplyTimeout = 5 * time.Second

// Session drives the SMTP command/response protocol for exactly one client
// connection.
type Session struct {
	conn       net.Conn
	reader     *bufio.Reader
	writer     *bufio.Writer
	cfg        *Config
	auth       *Authenticator
	limiter    *RateLimiter
	domains    *DomainGuard
	deliverer  Deliverer
	parser     *parser.EmailParser
	stats      *ServerStats
	logger     *slog.Logger
	shutdownCh <-chan struct{}
	remoteIP   string

	state         int
	authenticated bool
	username      string
	mailFrom      string
	recipients    []string
	authFailures  int
	badCommands   int
}

// newSession wires a session to the server's shared collaborators. The read
// buffer size doubles as the command line length limit: an overlong line
// surfaces as bufio.ErrBufferFull instead of growing the buffer.
func newSession(conn net.Conn, srv *Server, remoteIP string) *Session {
	return &Session{
		conn:       conn,
		reader:     bufio.NewReaderSize(conn, srv.cfg.MaxLineLength),
		writer:     bufio.NewWriter(conn),
		cfg:        srv.cfg,
		auth:       srv.auth,
		limiter:    srv.limiter,
		domains:    srv.domains,
		deliverer:  srv.deliverer,
		parser:     srv.parser,
		stats:      srv.stats,
		logger:     srv.logger,
		shutdownCh: srv.shutdownCh,
		remoteIP:   remoteIP,
		state:      stateConnected,
	}
}

// Run processes commands until the client quits, errs, or times out.
func (s *Session) Run() {
	defer s.conn.Close()

	s.reply(CodeServiceReady, "%s ESMTP mailpipe", s.cfg.Hostname)

	for {
		select {
		case <-s.shutdownCh:
			s.reply(CodeServiceUnavailable, "Service shutting down")
			return
		default:
		}

		s.conn.SetReadDeadline(time.Now().Add(s.cfg.IdleTimeout))

		line, err := s.readLine()
		if err == errLineTooLong {
			s.reply(CodeSyntaxError, "Line too long")
			if s.misbehaved() {
				return
			}
			continue
		}
		if err != nil {
			s.closeOnReadError(err)
			return
		}

		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			continue
		}

		cmd, arg := parseCommand(line)
		if s.handleCommand(cmd, arg) {
			return
		}
	}
}

// readLine reads one CRLF-terminated line within the buffer limit. Oversized
// lines are drained to the next newline and reported as errLineTooLong.
func (s *Session) readLine() (string, error) {
	chunk, err := s.reader.ReadSlice('\n')
	if err == nil {
		return string(chunk), nil
	}
	if err != bufio.ErrBufferFull {
		return "", err
	}
	for err == bufio.ErrBufferFull {
		_, err = s.reader.ReadSlice('\n')
	}
	if err != nil && err != io.EOF {
		return "", err
	}
	return "", errLineTooLong
}

// handleCommand dispatches one command and returns true when the session
// should end.
func (s *Session) handleCommand(cmd, arg string) bool {
	switch cmd {
	case "EHLO":
		s.handleEHLO(arg, true)
	case "HELO":
		s.handleEHLO(arg, false)
	case "AUTH":
		s.badCommands = 0
		return s.handleAUTH(arg)
	case "MAIL":
		s.handleMAIL(arg)
	case "RCPT":
		s.handleRCPT(arg)
	case "DATA":
		s.badCommands = 0
		return s.handleDATA()
	case "RSET":
		s.resetTransaction()
		s.replyCode(CodeOK)
	case "NOOP":
		s.replyCode(CodeOK)
	case "QUIT":
		s.replyCode(CodeServiceClosing)
		return true
	default:
		s.reply(CodeSyntaxError, "Unrecognized command")
		return s.misbehaved()
	}

	s.badCommands = 0
	return false
}

// misbehaved counts one malformed/unrecognized command and reports whether
// the abuse threshold forces a disconnect.
func (s *Session) misbehaved() bool {
	s.badCommands++
	if s.cfg.MaxBadCommands > 0 && s.badCommands >= s.cfg.MaxBadCommands {
		s.reply(CodeServiceUnavailable, "Too many invalid commands")
		return true
	}
	return false
}

// handleEHLO greets the client and resets any in-progress envelope.
func (s *Session) handleEHLO(domain string, extended bool) {
	if domain == "" {
		s.reply(CodeSyntaxErrorParams, "Syntax: EHLO hostname")
		return
	}

	s.state = stateGreeted
	s.mailFrom = ""
	s.recipients = nil

	if !extended {
		s.reply(CodeOK, "%s Hello %s", s.cfg.Hostname, domain)
		return
	}

	capabilities := []string{
		fmt.Sprintf("%s Hello %s", s.cfg.Hostname, domain),
		fmt.Sprintf("SIZE %d", s.cfg.MaxMessageSize),
		"8BITMIME",
	}
	if s.auth.Enabled() && !s.authenticated {
		capabilities = append(capabilities, "AUTH PLAIN LOGIN")
	}

	for i, cap := range capabilities {
		if i == len(capabilities)-1 {
			s.reply(CodeOK, "%s", cap)
		} else {
			s.replyMultiline(CodeOK, "%s", cap)
		}
	}
}

// handleAUTH processes AUTH PLAIN and AUTH LOGIN. It returns true when the
// consecutive-failure threshold forces a disconnect.
func (s *Session) handleAUTH(arg string) bool {
	if s.state < stateGreeted {
		s.reply(CodeBadSequence, "Send EHLO/HELO first")
		return false
	}
	if s.state > stateGreeted {
		s.reply(CodeBadSequence, "AUTH not permitted during a mail transaction")
		return false
	}
	if !s.auth.Enabled() {
		s.reply(CodeBadSequence, "AUTH not available")
		return false
	}
	if s.authenticated {
		s.reply(CodeBadSequence, "Already authenticated")
		return false
	}

	mechanism, initial, _ := strings.Cut(arg, " ")
	var username, password string
	var err error

	switch strings.ToUpper(mechanism) {
	case MechanismPlain:
		encoded := strings.TrimSpace(initial)
		if encoded == "" {
			if encoded, err = s.challenge(""); err != nil {
				return true
			}
		}
		if encoded == "*" {
			s.reply(CodeSyntaxErrorParams, "Authentication cancelled")
			return false
		}
		username, password, err = DecodePlain(encoded)

	case MechanismLogin:
		var encodedUser, encodedPass string
		// Challenges are base64("Username:") and base64("Password:").
		if encodedUser, err = s.challenge("VXNlcm5hbWU6"); err != nil {
			return true
		}
		if encodedUser == "*" {
			s.reply(CodeSyntaxErrorParams, "Authentication cancelled")
			return false
		}
		if encodedPass, err = s.challenge("UGFzc3dvcmQ6"); err != nil {
			return true
		}
		if encodedPass == "*" {
			s.reply(CodeSyntaxErrorParams, "Authentication cancelled")
			return false
		}
		username, password, err = DecodeLogin(encodedUser, encodedPass)

	default:
		s.replyCode(CodeAuthMechUnknown)
		return false
	}

	if err != nil {
		// Broken base64 is a syntax error, not an authentication failure.
		s.reply(CodeSyntaxErrorParams, "Invalid authentication encoding")
		return false
	}

	identity, err := s.auth.Authenticate(username, password)
	if err != nil {
		s.authFailures++
		metrics.AuthFailures.WithLabelValues(err.Error()).Inc()
		s.logger.Warn("authentication failed",
			slog.String("remote_ip", s.remoteIP),
			slog.String("username", username),
			slog.String("reason", err.Error()),
		)
		// Same reply for every failure reason: no user enumeration.
		s.replyCode(CodeAuthFailed)
		if s.authFailures >= s.cfg.MaxAuthFailures {
			s.reply(CodeServiceUnavailable, "Too many failed authentication attempts")
			return true
		}
		return false
	}

	s.authenticated = true
	s.username = identity
	s.authFailures = 0
	s.replyCode(CodeAuthSuccessful)
	return false
}

// challenge sends a 334 continuation and reads the client's response line.
func (s *Session) challenge(prompt string) (string, error) {
	s.reply(CodeAuthContinue, "%s", prompt)
	line, err := s.readLine()
	if err != nil {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

// handleMAIL starts a new envelope.
func (s *Session) handleMAIL(arg string) {
	if s.state < stateGreeted {
		s.reply(CodeBadSequence, "Send EHLO/HELO first")
		return
	}
	if s.state > stateGreeted {
		s.reply(CodeBadSequence, "Transaction already in progress")
		return
	}
	if s.auth.Enabled() && !s.authenticated {
		s.replyCode(CodeAuthRequired)
		return
	}

	if !strings.HasPrefix(strings.ToUpper(arg), "FROM:") {
		s.reply(CodeSyntaxErrorParams, "Syntax: MAIL FROM:<address>")
		return
	}
	params := arg[len("FROM:"):]

	// Honor a declared SIZE so oversized messages fail before DATA.
	if size, ok := sizeParameter(params); ok && size > s.cfg.MaxMessageSize {
		s.replyCode(CodeMessageTooLarge)
		return
	}

	address := extractAddress(params)
	if address != "" && !ValidateEmailAddress(address) {
		s.reply(CodeSyntaxErrorParams, "Invalid sender address")
		return
	}

	if !s.limiter.Allow(s.remoteIP) {
		metrics.EmailsRejected.WithLabelValues("rate_limited").Inc()
		s.replyCode(CodeRateLimited)
		return
	}

	s.mailFrom = address
	s.recipients = nil
	s.state = stateMail
	s.replyCode(CodeOK)
}

// handleRCPT adds one recipient after policy checks. A rejected recipient
// does not abort the transaction; other recipients may still be added.
func (s *Session) handleRCPT(arg string) {
	if s.state != stateMail && s.state != stateRcpt {
		s.reply(CodeBadSequence, "Send MAIL FROM first")
		return
	}

	if !strings.HasPrefix(strings.ToUpper(arg), "TO:") {
		s.reply(CodeSyntaxErrorParams, "Syntax: RCPT TO:<address>")
		return
	}

	address := extractAddress(arg[len("TO:"):])
	if address == "" || !ValidateEmailAddress(address) {
		s.reply(CodeSyntaxErrorParams, "Invalid recipient address")
		return
	}

	if len(s.recipients) >= s.cfg.MaxRecipients {
		s.replyCode(CodeTooManyRecipients)
		return
	}

	if !s.domains.Allowed(address) {
		metrics.EmailsRejected.WithLabelValues("domain_not_allowed").Inc()
		s.replyCode(CodeDomainNotAllowed)
		return
	}

	lower := strings.ToLower(address)
	for _, rcpt := range s.recipients {
		if strings.ToLower(rcpt) == lower {
			// Duplicate recipient, idempotent accept.
			s.replyCode(CodeOK)
			return
		}
	}

	s.recipients = append(s.recipients, address)
	s.state = stateRcpt
	s.replyCode(CodeOK)
}

// handleDATA accumulates the message body and fans it out to the sinks. It
// returns true when the session should end (connection or timeout error).
func (s *Session) handleDATA() bool {
	if s.state != stateRcpt || len(s.recipients) == 0 {
		s.reply(CodeBadSequence, "No valid recipients")
		return false
	}

	s.replyCode(CodeStartMailInput)

	// One overall deadline for the whole DATA phase: a client trickling
	// bytes cannot hold the session open indefinitely.
	s.conn.SetReadDeadline(time.Now().Add(s.cfg.DataTimeout))

	data, oversized, err := s.readData()
	if err != nil {
		s.closeOnReadError(err)
		return true
	}

	if oversized {
		metrics.EmailsRejected.WithLabelValues("too_large").Inc()
		s.stats.IncFailed()
		s.replyCode(CodeMessageTooLarge)
		s.resetTransaction()
		return false
	}

	s.stats.IncReceived()
	metrics.EmailsReceived.Inc()

	msg := s.buildMessage(data)

	ctx, cancel := context.WithTimeout(context.Background(), deliverTimeout)
	defer cancel()

	switch s.deliverer.Deliver(ctx, msg) {
	case sink.Delivered:
		s.stats.IncProcessed()
		s.reply(CodeOK, "OK queued as %s", msg.MessageID)
	case sink.Deferred:
		s.stats.IncFailed()
		metrics.EmailsRejected.WithLabelValues("sink_deferred").Inc()
		s.replyCode(CodeTempFailure)
	default:
		s.stats.IncFailed()
		metrics.EmailsRejected.WithLabelValues("sink_rejected").Inc()
		s.replyCode(CodeTransactionFailed)
	}

	s.resetTransaction()
	return false
}

// readData reads lines until the lone-dot terminator, undoing dot-stuffing
// and enforcing the size limit mid-stream. When the limit is exceeded the
// remainder is drained (not buffered) so the stream stays in sync for the
// 552 reply.
func (s *Session) readData() (data []byte, oversized bool, err error) {
	atLineStart := true

	for {
		chunk, err := s.reader.ReadSlice('\n')
		if err != nil && err != bufio.ErrBufferFull {
			return nil, false, err
		}
		complete := err == nil

		line := chunk
		if atLineStart {
			if complete && isTerminator(line) {
				return data, oversized, nil
			}
			// Dot-stuffing: a leading dot with content after it is
			// transport escaping, not payload.
			if len(line) > 0 && line[0] == '.' {
				line = line[1:]
			}
		}
		atLineStart = complete

		if oversized {
			continue
		}
		data = append(data, line...)
		if int64(len(data)) > s.cfg.MaxMessageSize {
			oversized = true
			data = nil
		}
	}
}

// isTerminator reports whether the line is the end-of-data marker. Bare-LF
// terminators are accepted for sloppy clients.
func isTerminator(line []byte) bool {
	if len(line) == 3 && line[0] == '.' && line[1] == '\r' && line[2] == '\n' {
		return true
	}
	return len(line) == 2 && line[0] == '.' && line[1] == '\n'
}

// buildMessage parses the payload and stamps it with the envelope, which is
// authoritative over whatever the headers claim.
func (s *Session) buildMessage(data []byte) *parser.EmailMessage {
	msg, err := s.parser.Parse(data)
	if err != nil {
		msg = &parser.EmailMessage{
			MessageID: s.parser.GenerateMessageID(),
			Size:      int64(len(data)),
		}
	}

	msg.From = s.mailFrom
	msg.To = append([]string(nil), s.recipients...)
	msg.ReceivedAt = time.Now().UTC()
	return msg
}

// closeOnReadError logs and replies appropriately for a failed read. A
// timed-out session is told so and counted as a failure, never silently hung.
func (s *Session) closeOnReadError(err error) {
	if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
		s.stats.IncFailed()
		s.conn.SetWriteDeadline(time.Now().Add(closeReplyTimeout))
		s.reply(CodeServiceUnavailable, "Timeout, closing connection")
		return
	}
	if err != io.EOF {
		s.logger.Debug("connection read error",
			slog.String("remote_ip", s.remoteIP),
			slog.String("error", err.Error()),
		)
	}
}

// resetTransaction discards the envelope but keeps greeting and auth state.
func (s *Session) resetTransaction() {
	s.mailFrom = ""
	s.recipients = nil
	if s.state > stateGreeted {
		s.state = stateGreeted
	}
}

// reply writes one complete response line.
func (s *Session) reply(code int, format string, args ...interface{}) {
	s.writeResponse(fmt.Sprintf("%d %s", code, fmt.Sprintf(format, args...)))
}

// replyCode writes the canned response line for a code.
func (s *Session) replyCode(code int) {
	s.writeResponse(fmt.Sprintf("%d %s", code, replyText[code]))
}

// replyMultiline writes one continuation line of a multi-line response.
func (s *Session) replyMultiline(code int, format string, args ...interface{}) {
	s.writeResponse(fmt.Sprintf("%d-%s", code, fmt.Sprintf(format, args...)))
}

func (s *Session) writeResponse(line string) {
	if _, err := s.writer.WriteString(line + "\r\n"); err != nil {
		return
	}
	s.writer.Flush()
}

// parseCommand splits a command line into the upper-cased verb and argument.
func parseCommand(line string) (string, string) {
	cmd, arg, _ := strings.Cut(line, " ")
	return strings.ToUpper(cmd), strings.TrimSpace(arg)
}

// sizeParameter extracts a SIZE=n ESMTP parameter from MAIL FROM arguments.
func sizeParameter(params string) (int64, bool) {
	for _, field := range strings.Fields(params) {
		upper := strings.ToUpper(field)
		if strings.HasPrefix(upper, "SIZE=") {
			var size int64
			if _, err := fmt.Sscanf(upper[len("SIZE="):], "%d", &size); err == nil {
				return size, true
			}
		}
	}
	return 0, false
}
