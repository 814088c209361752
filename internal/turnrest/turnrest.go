// Package turnrest mints short-lived TURN credentials in the coturn
// "TURN REST API" format (draft-uberti-behave-turn-rest):
//
//	username   = <unix_expiry>:<prefix>:<session_id>
//	credential = base64(hmac_sha1(shared_secret, username))
package turnrest

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/hackrtc/roomrelay/internal/config"
)

var ErrDisabled = errors.New("turnrest: no shared secret configured")

type Credentials struct {
	Username   string `json:"username"`
	Credential string `json:"credential"`
	ExpiresAt  int64  `json:"expiresAt"`
}

// Generator signs usernames with the shared secret. It is safe for
// concurrent use.
type Generator struct {
	secret []byte
	ttl    time.Duration
	prefix string
	now    func() time.Time
	newID  func() string
}

type Options struct {
	SharedSecret   string
	TTL            time.Duration
	UsernamePrefix string
	// Now and NewSessionID default to the wall clock and random UUIDs.
	Now          func() time.Time
	NewSessionID func() string
}

func New(o Options) (*Generator, error) {
	switch {
	case o.SharedSecret == "":
		return nil, ErrDisabled
	case o.TTL < time.Second:
		return nil, fmt.Errorf("turnrest: ttl must be at least 1s, got %s", o.TTL)
	case o.UsernamePrefix == "":
		return nil, errors.New("turnrest: username prefix is required")
	case strings.Contains(o.UsernamePrefix, ":"):
		return nil, errors.New("turnrest: username prefix must not contain ':'")
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	if o.NewSessionID == nil {
		o.NewSessionID = func() string { return strings.ReplaceAll(uuid.NewString(), "-", "") }
	}
	return &Generator{
		secret: []byte(o.SharedSecret),
		ttl:    o.TTL,
		prefix: o.UsernamePrefix,
		now:    o.Now,
		newID:  o.NewSessionID,
	}, nil
}

// FromConfig returns ErrDisabled when cfg has no shared secret.
func FromConfig(cfg config.TurnRESTConfig) (*Generator, error) {
	return New(Options{
		SharedSecret:   cfg.SharedSecret,
		TTL:            time.Duration(cfg.TTLSeconds) * time.Second,
		UsernamePrefix: cfg.UsernamePrefix,
	})
}

// For mints credentials bound to sessionID, which must not contain ':'.
func (g *Generator) For(sessionID string) (Credentials, error) {
	if sessionID == "" {
		return Credentials{}, errors.New("turnrest: session id is required")
	}
	if strings.Contains(sessionID, ":") {
		return Credentials{}, errors.New("turnrest: session id must not contain ':'")
	}
	expires := g.now().UTC().Add(g.ttl).Unix()
	username := fmt.Sprintf("%d:%s:%s", expires, g.prefix, sessionID)
	return Credentials{
		Username:   username,
		Credential: sign(g.secret, username),
		ExpiresAt:  expires,
	}, nil
}

// Random mints credentials for a fresh session id.
func (g *Generator) Random() (Credentials, error) {
	return g.For(g.newID())
}

func sign(secret []byte, username string) string {
	mac := hmac.New(sha1.New, secret)
	_, _ = mac.Write([]byte(username))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}
