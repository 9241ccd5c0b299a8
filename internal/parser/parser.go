// Package parser extracts structured metadata from raw RFC 5322 payloads
// received over SMTP. Parsing is best-effort: malformed MIME degrades to an
// opaque body with whatever headers could be read, it never fails the
// transaction on its own.
package parser

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"mime/quotedprintable"
	"net/mail"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/microcosm-cc/bluemonday"
)

// EmailParser turns raw message bytes into EmailMessage metadata.
type EmailParser struct {
	// hostname is appended to generated message ids.
	hostname string
	// maxBodyBytes truncates the extracted plain-text body. Zero disables
	// truncation.
	maxBodyBytes int

	htmlStripper *bluemonday.Policy
}

// NewEmailParser creates an EmailParser. Generated message ids use the given
// hostname as their domain part.
func NewEmailParser(hostname string, maxBodyBytes int) *EmailParser {
	return &EmailParser{
		hostname:     hostname,
		maxBodyBytes: maxBodyBytes,
		htmlStripper: bluemonday.StrictPolicy(),
	}
}

// Parse parses a raw email into EmailMessage metadata. The returned message
// has Size and header-derived fields populated; From, To and ReceivedAt are
// the caller's responsibility since the SMTP envelope is authoritative.
func (p *EmailParser) Parse(raw []byte) (*EmailMessage, error) {
	if len(raw) == 0 {
		return nil, &ParseError{
			Stage:   "parse",
			Message: "empty email data",
			Raw:     raw,
		}
	}

	msg, err := mail.ReadMessage(bytes.NewReader(raw))
	if err != nil {
		// Degrade: no readable header block at all. Treat the whole
		// payload as an opaque body.
		return p.opaque(raw), nil
	}

	out := &EmailMessage{
		From:      p.extractAddress(msg.Header.Get(HeaderFrom)),
		To:        p.extractAddressList(msg.Header.Get(HeaderTo)),
		Subject:   p.decodeHeader(truncateHeader(msg.Header.Get(HeaderSubject))),
		Date:      truncateHeader(msg.Header.Get(HeaderDate)),
		MessageID: normalizeMessageID(msg.Header.Get(HeaderMessageID)),
		Size:      int64(len(raw)),
	}

	if out.MessageID == "" {
		out.MessageID = p.GenerateMessageID()
	}

	body, err := p.extractBody(msg.Header, msg.Body, 0)
	if err != nil {
		// Body extraction failed mid-stream; keep the headers and fall
		// back to the raw bytes after the header block.
		if idx := bytes.Index(raw, []byte("\r\n\r\n")); idx >= 0 {
			body = string(raw[idx+4:])
		} else if idx := bytes.Index(raw, []byte("\n\n")); idx >= 0 {
			body = string(raw[idx+2:])
		}
	}
	out.Body = p.truncateBody(body)

	return out, nil
}

// GenerateMessageID builds a server-assigned message id so every stored
// message has a non-empty identifier.
func (p *EmailParser) GenerateMessageID() string {
	return fmt.Sprintf("%s@%s", uuid.New().String(), p.hostname)
}

// opaque builds metadata for a payload whose header block is unreadable.
func (p *EmailParser) opaque(raw []byte) *EmailMessage {
	return &EmailMessage{
		MessageID: p.GenerateMessageID(),
		Size:      int64(len(raw)),
		Body:      p.truncateBody(string(raw)),
	}
}

// extractBody walks the MIME structure and returns the best plain-text
// rendering: the first text/plain part, else a tag-stripped text/html part,
// else the raw body.
func (p *EmailParser) extractBody(header mail.Header, body io.Reader, depth int) (string, error) {
	contentType := header.Get(HeaderContentType)
	if contentType == "" {
		contentType = ContentTypePlain
	}

	mediaType, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		raw, readErr := io.ReadAll(body)
		if readErr != nil {
			return "", readErr
		}
		return string(raw), nil
	}

	switch {
	case mediaType == ContentTypePlain:
		return decodeBody(body, header.Get(HeaderEncoding))

	case mediaType == ContentTypeHTML:
		html, err := decodeBody(body, header.Get(HeaderEncoding))
		if err != nil {
			return "", err
		}
		return strings.TrimSpace(p.htmlStripper.Sanitize(html)), nil

	case strings.HasPrefix(mediaType, "multipart/"):
		if depth >= maxMultipartDepth {
			return "", fmt.Errorf("multipart nesting too deep")
		}
		boundary := params["boundary"]
		if boundary == "" {
			raw, readErr := io.ReadAll(body)
			if readErr != nil {
				return "", readErr
			}
			return string(raw), nil
		}
		return p.extractMultipart(body, boundary, depth)

	default:
		// Unknown top-level type: surface the decoded bytes as-is.
		return decodeBody(body, header.Get(HeaderEncoding))
	}
}

// extractMultipart scans parts in order, preferring text/plain over a
// text/html fallback.
func (p *EmailParser) extractMultipart(body io.Reader, boundary string, depth int) (string, error) {
	mr := multipart.NewReader(body, boundary)
	htmlFallback := ""

	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			// A truncated part list still counts if we found text.
			break
		}

		partType, _, err := mime.ParseMediaType(part.Header.Get(HeaderContentType))
		if err != nil {
			partType = ContentTypePlain
		}

		switch {
		case partType == ContentTypePlain:
			return decodeBody(part, part.Header.Get(HeaderEncoding))

		case partType == ContentTypeHTML && htmlFallback == "":
			html, err := decodeBody(part, part.Header.Get(HeaderEncoding))
			if err == nil {
				htmlFallback = strings.TrimSpace(p.htmlStripper.Sanitize(html))
			}

		case strings.HasPrefix(partType, "multipart/"):
			nested, err := p.extractBody(mail.Header(part.Header), part, depth+1)
			if err == nil && nested != "" {
				return nested, nil
			}
		}
	}

	return htmlFallback, nil
}

// decodeBody applies the content-transfer-encoding, falling back to the
// undecoded bytes when the encoding is broken.
func decodeBody(r io.Reader, encoding string) (string, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return "", err
	}

	switch strings.ToLower(strings.TrimSpace(encoding)) {
	case EncodingQuotedPrintable:
		decoded, err := io.ReadAll(quotedprintable.NewReader(bytes.NewReader(raw)))
		if err != nil {
			return string(raw), nil
		}
		return string(decoded), nil
	case EncodingBase64:
		decoded, err := io.ReadAll(base64.NewDecoder(base64.StdEncoding, bytes.NewReader(bytes.TrimSpace(raw))))
		if err != nil {
			return string(raw), nil
		}
		return string(decoded), nil
	default:
		return string(raw), nil
	}
}

// extractAddress extracts a bare email address from an address header.
func (p *EmailParser) extractAddress(value string) string {
	if value == "" {
		return ""
	}
	value = p.decodeHeader(value)
	addr, err := mail.ParseAddress(value)
	if err != nil {
		return strings.TrimSpace(value)
	}
	return addr.Address
}

// extractAddressList extracts bare addresses from a To-style header.
func (p *EmailParser) extractAddressList(value string) []string {
	if value == "" {
		return nil
	}
	value = p.decodeHeader(value)
	addrs, err := mail.ParseAddressList(value)
	if err != nil {
		return []string{strings.TrimSpace(value)}
	}
	out := make([]string, 0, len(addrs))
	for _, a := range addrs {
		out = append(out, a.Address)
	}
	return out
}

// decodeHeader decodes MIME encoded words in a header value.
func (p *EmailParser) decodeHeader(value string) string {
	if value == "" {
		return ""
	}
	decoder := new(mime.WordDecoder)
	decoded, err := decoder.DecodeHeader(value)
	if err != nil {
		return value
	}
	return decoded
}

func (p *EmailParser) truncateBody(body string) string {
	if p.maxBodyBytes > 0 && len(body) > p.maxBodyBytes {
		return body[:p.maxBodyBytes]
	}
	return body
}

// normalizeMessageID strips angle brackets from a Message-Id header value.
func normalizeMessageID(value string) string {
	value = strings.TrimSpace(truncateHeader(value))
	value = strings.TrimPrefix(value, "<")
	value = strings.TrimSuffix(value, ">")
	return value
}

func truncateHeader(value string) string {
	if len(value) > MaxHeaderLength {
		return value[:MaxHeaderLength]
	}
	return value
}

// ParseDate parses a Date header, falling back to the zero time when the
// header is absent or malformed.
func ParseDate(value string) time.Time {
	if value == "" {
		return time.Time{}
	}
	t, err := mail.ParseDate(value)
	if err != nil {
		return time.Time{}
	}
	return t
}
