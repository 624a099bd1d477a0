// Package auth maps stored credential records to concrete connection
// credentials for the game client.
package auth

import (
	"errors"
	"fmt"
	"strings"
)

// LoginType is the closed set of authentication strategies.
type LoginType string

const (
	LoginLegacyPassword LoginType = "legacy_password"
	LoginAuthCode       LoginType = "auth_code"
	LoginSessionToken   LoginType = "session_token"
	LoginAltService     LoginType = "alt_service"
)

// Valid reports whether t is one of the known strategies.
func (t LoginType) Valid() bool {
	switch t {
	case LoginLegacyPassword, LoginAuthCode, LoginSessionToken, LoginAltService:
		return true
	}
	return false
}

// Well-known keys inside Record.Fields.
const (
	FieldEmail        = "email"
	FieldPassword     = "password"
	FieldAuthCode     = "auth_code"
	FieldSessionToken = "session_token"
	FieldServiceToken = "service_token"
)

// Record is the stored credential configuration for one bot. It is owned by
// the operator backend; this process only caches a read-only copy.
type Record struct {
	LoginType      LoginType         `json:"login_type"`
	Fields         map[string]string `json:"fields,omitempty"`
	PlayerUsername string            `json:"player_username,omitempty"`
	Created        string            `json:"created,omitempty"`

	// Connected/Server are status flags written back on start/stop so the
	// operator backend sees where a bot last ran.
	Connected bool   `json:"connected"`
	Server    string `json:"server,omitempty"`
}

// Field returns a named field, or "" when absent.
func (r Record) Field(name string) string {
	if r.Fields == nil {
		return ""
	}
	return r.Fields[name]
}

// AccountKind tells the game client which login flow to drive.
type AccountKind string

const (
	AccountMojang    AccountKind = "mojang"    // direct username accounts
	AccountMicrosoft AccountKind = "microsoft" // email-identified accounts
	AccountSession   AccountKind = "session"   // previously redeemed session token
	AccountCode      AccountKind = "code"      // one-time auth code, redeemed out of band
	AccountAlt       AccountKind = "alt"       // alt-service token login
)

// Credentials is the resolved login material handed to the game client.
type Credentials struct {
	Kind     AccountKind
	Username string
	Password string
	Token    string
}

// String redacts secret material; safe for the shared activity log.
func (c Credentials) String() string {
	return fmt.Sprintf("credentials{kind=%s username=%s}", c.Kind, c.Username)
}

// ErrAuthPending signals that no session token or auth code is stored yet and
// manual operator action is required before another start attempt.
var ErrAuthPending = errors.New("authentication pending: authenticate via admin panel first")

// ErrAuthRejected is reported by the game client when the server refuses the
// resolved credentials.
var ErrAuthRejected = errors.New("authentication rejected")

// MissingFieldError reports a credential record lacking a required field.
type MissingFieldError struct {
	LoginType LoginType
	Field     string
}

func (e *MissingFieldError) Error() string {
	return fmt.Sprintf("login type %s requires field %q", e.LoginType, e.Field)
}

// Resolve is a pure function from a credential record to connection
// credentials. Any network exchange needed to redeem a code happens inside
// the game client under the caller's retry policy, not here.
func Resolve(rec Record) (Credentials, error) {
	switch rec.LoginType {
	case LoginLegacyPassword:
		return resolveLegacy(rec)
	case LoginAuthCode:
		return resolveCode(rec)
	case LoginSessionToken:
		return resolveSession(rec)
	case LoginAltService:
		return resolveAlt(rec)
	default:
		return Credentials{}, fmt.Errorf("unsupported login type %q", rec.LoginType)
	}
}

func resolveLegacy(rec Record) (Credentials, error) {
	identifier := rec.Field(FieldEmail)
	password := rec.Field(FieldPassword)
	if identifier == "" {
		return Credentials{}, &MissingFieldError{rec.LoginType, FieldEmail}
	}
	if password == "" {
		return Credentials{}, &MissingFieldError{rec.LoginType, FieldPassword}
	}

	// No domain separator means a direct-username account, not an
	// email-identified one.
	if !strings.Contains(identifier, "@") {
		return Credentials{
			Kind:     AccountMojang,
			Username: identifier,
			Password: password,
		}, nil
	}

	username := rec.PlayerUsername
	if username == "" {
		username = identifier
	}
	return Credentials{
		Kind:     AccountMicrosoft,
		Username: username,
		Password: password,
	}, nil
}

func resolveCode(rec Record) (Credentials, error) {
	// A stored session token is preferred over redeeming the code again.
	if token := rec.Field(FieldSessionToken); token != "" {
		return Credentials{
			Kind:     AccountSession,
			Username: rec.PlayerUsername,
			Token:    token,
		}, nil
	}
	if code := rec.Field(FieldAuthCode); code != "" {
		return Credentials{
			Kind:     AccountCode,
			Username: rec.PlayerUsername,
			Token:    code,
		}, nil
	}
	return Credentials{}, ErrAuthPending
}

func resolveSession(rec Record) (Credentials, error) {
	token := rec.Field(FieldSessionToken)
	if token == "" {
		return Credentials{}, &MissingFieldError{rec.LoginType, FieldSessionToken}
	}
	return Credentials{
		Kind:     AccountSession,
		Username: rec.PlayerUsername,
		Token:    token,
	}, nil
}

func resolveAlt(rec Record) (Credentials, error) {
	token := rec.Field(FieldServiceToken)
	if token == "" {
		return Credentials{}, &MissingFieldError{rec.LoginType, FieldServiceToken}
	}
	// The alt-service token doubles as the login identifier.
	return Credentials{
		Kind:     AccountAlt,
		Username: token,
		Token:    token,
	}, nil
}
