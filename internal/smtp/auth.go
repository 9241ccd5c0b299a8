package smtp

import (
	"encoding/base64"
	"errors"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

// Authentication failure reasons. They are kept distinct for logs and
// metrics, but the wire reply is always the generic 535 so a client cannot
// probe which usernames exist.
var (
	ErrInvalidCredentials = errors.New("invalid-credentials")
	ErrUserNotPermitted   = errors.New("user-not-permitted")
	ErrMalformed          = errors.New("malformed")
)

// AUTH mechanisms supported by the server.
const (
	MechanismPlain = "PLAIN"
	MechanismLogin = "LOGIN"
)

// CredentialFunc checks one username/password pair. The hosting application
// supplies it; the Authenticator itself holds no user store.
type CredentialFunc func(username, password string) bool

// Authenticator is a stateless validation boundary for AUTH attempts.
type Authenticator struct {
	check        CredentialFunc
	allowedUsers map[string]struct{}
}

// NewAuthenticator creates an Authenticator. A nil check function disables
// authentication entirely. allowedUsers, when non-empty, restricts which
// usernames may authenticate even with valid credentials.
func NewAuthenticator(check CredentialFunc, allowedUsers []string) *Authenticator {
	var allowed map[string]struct{}
	if len(allowedUsers) > 0 {
		allowed = make(map[string]struct{}, len(allowedUsers))
		for _, u := range allowedUsers {
			allowed[strings.ToLower(u)] = struct{}{}
		}
	}
	return &Authenticator{
		check:        check,
		allowedUsers: allowed,
	}
}

// Enabled reports whether authentication is configured.
func (a *Authenticator) Enabled() bool {
	return a != nil && a.check != nil
}

// Authenticate validates one attempt and returns the resolved identity.
// Allow-list rejection is checked after the credential check so both paths
// cost the same on the wire.
func (a *Authenticator) Authenticate(username, password string) (string, error) {
	if !a.Enabled() {
		return "", ErrInvalidCredentials
	}

	if !a.check(username, password) {
		return "", ErrInvalidCredentials
	}

	if a.allowedUsers != nil {
		if _, ok := a.allowedUsers[strings.ToLower(username)]; !ok {
			return "", ErrUserNotPermitted
		}
	}

	return username, nil
}

// DecodePlain decodes an AUTH PLAIN initial response:
// base64(authzid NUL authcid NUL password).
func DecodePlain(encoded string) (username, password string, err error) {
	decoded, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", "", ErrMalformed
	}

	parts := strings.SplitN(string(decoded), "\x00", 3)
	if len(parts) != 3 {
		return "", "", ErrMalformed
	}
	// parts[0] is the authorization identity, ignored.
	return parts[1], parts[2], nil
}

// DecodeLogin decodes the two base64 lines of an AUTH LOGIN exchange.
func DecodeLogin(encodedUser, encodedPass string) (username, password string, err error) {
	user, err := base64.StdEncoding.DecodeString(encodedUser)
	if err != nil {
		return "", "", ErrMalformed
	}
	pass, err := base64.StdEncoding.DecodeString(encodedPass)
	if err != nil {
		return "", "", ErrMalformed
	}
	return string(user), string(pass), nil
}

// StaticCredentials builds a CredentialFunc from a username → bcrypt-hash
// map, for deployments that configure users in the config file.
func StaticCredentials(users map[string]string) CredentialFunc {
	if len(users) == 0 {
		return nil
	}
	return func(username, password string) bool {
		hash, ok := users[username]
		if !ok {
			// Burn a comparison anyway so present and absent users
			// take the same time.
			bcrypt.CompareHashAndPassword([]byte("$2a$10$7EqJtq98hPqEX7fNZaFWoOhi5B0xVRNmNCzYkBpxF2Aw3cmbSS1pW"), []byte(password))
			return false
		}
		return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
	}
}
