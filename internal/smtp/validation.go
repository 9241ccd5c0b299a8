package smtp

import (
	"regexp"
	"strings"
)

// Email address validation based on RFC 5321 (basic check).
var emailRegex = regexp.MustCompile(`^[a-zA-Z0-9.!#$%&'*+/=?^_` + "`" + `{|}~-]+@[a-zA-Z0-9](?:[a-zA-Z0-9-]{0,61}[a-zA-Z0-9])?(?:\.[a-zA-Z0-9](?:[a-zA-Z0-9-]{0,61}[a-zA-Z0-9])?)*$`)

// ValidateEmailAddress validates an email address format according to the
// RFC 5321 length limits plus a syntax check.
func ValidateEmailAddress(email string) bool {
	if email == "" || len(email) > 320 {
		return false
	}

	parts := strings.Split(email, "@")
	if len(parts) != 2 {
		return false
	}

	localPart, domain := parts[0], parts[1]
	if localPart == "" || len(localPart) > 64 {
		return false
	}
	if domain == "" || len(domain) > 255 {
		return false
	}

	return emailRegex.MatchString(email)
}

// AddressDomain returns the lower-cased domain part of an address, or ""
// when the address has no domain.
func AddressDomain(email string) string {
	idx := strings.LastIndex(email, "@")
	if idx < 0 || idx == len(email)-1 {
		return ""
	}
	return strings.ToLower(email[idx+1:])
}

// extractAddress extracts an email address from an SMTP parameter, handling
// both angle-bracket and bare formats.
func extractAddress(s string) string {
	s = strings.TrimSpace(s)

	if strings.HasPrefix(s, "<") {
		end := strings.Index(s, ">")
		if end < 0 {
			return ""
		}
		return s[1:end]
	}

	// Bare address: stop at the first ESMTP parameter.
	if idx := strings.Index(s, " "); idx >= 0 {
		return s[:idx]
	}
	return s
}
