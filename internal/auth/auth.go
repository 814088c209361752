// Package auth turns bearer credentials into identities.
//
// Credentials are HS256 JWTs carrying sub, display_name and an optional
// recorder claim. The identity kind is decided here, once, and never
// re-derived from the subject string.
package auth

import (
	"errors"
	"net/http"
	"net/url"
	"strings"
)

var (
	ErrMissingCredentials = errors.New("missing credentials")
	ErrInvalidCredentials = errors.New("invalid credentials")
)

// Kind classifies who is on the other end of a signaling connection.
type Kind uint8

const (
	KindParticipant Kind = iota
	KindRecordingAgent
)

func (k Kind) String() string {
	switch k {
	case KindParticipant:
		return "participant"
	case KindRecordingAgent:
		return "recording_agent"
	default:
		return "unknown"
	}
}

type Identity struct {
	Subject     string
	DisplayName string
	Kind        Kind
}

func (id Identity) IsRecordingAgent() bool { return id.Kind == KindRecordingAgent }

type Verifier interface {
	Verify(token string) (Identity, error)
}

// TokenFromQuery returns the token query parameter used by the signaling
// WebSocket, where browsers cannot set headers.
func TokenFromQuery(q url.Values) (string, error) {
	if token := strings.TrimSpace(q.Get("token")); token != "" {
		return token, nil
	}
	return "", ErrMissingCredentials
}

// BearerToken extracts "Authorization: Bearer <token>".
func BearerToken(r *http.Request) (string, error) {
	raw := strings.TrimSpace(r.Header.Get("Authorization"))
	if raw == "" {
		return "", ErrMissingCredentials
	}
	scheme, token, ok := strings.Cut(raw, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", ErrInvalidCredentials
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return "", ErrMissingCredentials
	}
	return token, nil
}

// Authenticate is the HTTP helper used by the recording control surface.
func Authenticate(v Verifier, r *http.Request) (Identity, error) {
	token, err := BearerToken(r)
	if err != nil {
		return Identity{}, err
	}
	return v.Verify(token)
}
