package auth

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"
)

var ErrUnsupportedJWT = errors.New("unsupported jwt")

const (
	hmacSHA256SigLen = 32
	// base64url-no-pad length of a 32-byte HMAC.
	hmacSHA256SigB64Len = 43
	maxJWTHeaderB64Len  = 4 * 1024
	maxJWTPayloadB64Len = 16 * 1024
	maxJWTLen           = maxJWTHeaderB64Len + 1 + maxJWTPayloadB64Len + 1 + hmacSHA256SigB64Len
)

// Claims is what Issue signs into a token.
type Claims struct {
	Subject     string
	DisplayName string
	Recorder    bool
}

// HS256 issues and verifies tokens with a shared secret.
type HS256 struct {
	secret []byte
	now    func() time.Time
}

func NewHS256(secret string) *HS256 {
	return &HS256{secret: []byte(secret), now: time.Now}
}

// Issue signs claims valid for ttl from now.
func (h *HS256) Issue(c Claims, ttl time.Duration) (string, error) {
	if strings.TrimSpace(c.Subject) == "" {
		return "", errors.New("issue token: empty subject")
	}
	if ttl <= 0 {
		return "", fmt.Errorf("issue token: ttl must be > 0, got %s", ttl)
	}

	now := h.now()
	payload := map[string]any{
		"sub": c.Subject,
		"iat": now.Unix(),
		"exp": now.Add(ttl).Unix(),
	}
	if c.DisplayName != "" {
		payload["display_name"] = c.DisplayName
	}
	if c.Recorder {
		payload["recorder"] = true
	}

	headerJSON, err := json.Marshal(map[string]string{"alg": "HS256", "typ": "JWT"})
	if err != nil {
		return "", err
	}
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}

	enc := base64.RawURLEncoding
	signingInput := enc.EncodeToString(headerJSON) + "." + enc.EncodeToString(payloadJSON)
	return signingInput + "." + enc.EncodeToString(h.sign(signingInput)), nil
}

func (h *HS256) sign(signingInput string) []byte {
	mac := hmac.New(sha256.New, h.secret)
	_, _ = mac.Write([]byte(signingInput))
	return mac.Sum(nil)
}

func (h *HS256) Verify(token string) (Identity, error) {
	headerB64, payloadB64, sigB64, ok := splitJWTParts(token)
	if !ok {
		return Identity{}, ErrInvalidCredentials
	}

	headerJSON, err := base64.RawURLEncoding.DecodeString(headerB64)
	if err != nil {
		return Identity{}, ErrInvalidCredentials
	}
	var header map[string]any
	if err := json.Unmarshal(headerJSON, &header); err != nil {
		return Identity{}, ErrInvalidCredentials
	}
	alg, ok := header["alg"].(string)
	if !ok {
		return Identity{}, ErrInvalidCredentials
	}
	if alg != "HS256" {
		return Identity{}, ErrUnsupportedJWT
	}
	if typRaw, present := header["typ"]; present {
		if _, ok := typRaw.(string); !ok {
			return Identity{}, ErrInvalidCredentials
		}
	}

	gotSig, err := base64.RawURLEncoding.DecodeString(sigB64)
	if err != nil || len(gotSig) != hmacSHA256SigLen {
		return Identity{}, ErrInvalidCredentials
	}
	if !hmac.Equal(gotSig, h.sign(headerB64+"."+payloadB64)) {
		return Identity{}, ErrInvalidCredentials
	}

	payloadJSON, err := base64.RawURLEncoding.DecodeString(payloadB64)
	if err != nil {
		return Identity{}, ErrInvalidCredentials
	}
	dec := json.NewDecoder(bytes.NewReader(payloadJSON))
	dec.UseNumber()
	var claims map[string]any
	if err := dec.Decode(&claims); err != nil {
		return Identity{}, ErrInvalidCredentials
	}
	// The payload must be exactly one JSON object.
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return Identity{}, ErrInvalidCredentials
	}

	now := h.now().Unix()

	expUnix, err := parseUnixTimestamp(claims["exp"])
	if err != nil || now >= expUnix {
		return Identity{}, ErrInvalidCredentials
	}
	if iat, present := claims["iat"]; present {
		if _, err := parseUnixTimestamp(iat); err != nil {
			return Identity{}, ErrInvalidCredentials
		}
	}
	if nbf, present := claims["nbf"]; present {
		nbfUnix, err := parseUnixTimestamp(nbf)
		if err != nil || now < nbfUnix {
			return Identity{}, ErrInvalidCredentials
		}
	}

	sub, ok := claims["sub"].(string)
	if !ok || strings.TrimSpace(sub) == "" {
		return Identity{}, ErrInvalidCredentials
	}

	id := Identity{Subject: sub, Kind: KindParticipant}
	if raw, present := claims["display_name"]; present && raw != nil {
		name, ok := raw.(string)
		if !ok {
			return Identity{}, ErrInvalidCredentials
		}
		id.DisplayName = name
	}
	if raw, present := claims["recorder"]; present && raw != nil {
		recorder, ok := raw.(bool)
		if !ok {
			return Identity{}, ErrInvalidCredentials
		}
		if recorder {
			id.Kind = KindRecordingAgent
		}
	}
	return id, nil
}

func splitJWTParts(token string) (headerB64, payloadB64, sigB64 string, ok bool) {
	if token == "" || len(token) > maxJWTLen {
		return "", "", "", false
	}
	headerB64, rest, found := strings.Cut(token, ".")
	if !found {
		return "", "", "", false
	}
	payloadB64, sigB64, found = strings.Cut(rest, ".")
	if !found || strings.Contains(sigB64, ".") {
		return "", "", "", false
	}
	if len(sigB64) != hmacSHA256SigB64Len {
		return "", "", "", false
	}
	if !isBase64urlNoPad(headerB64, maxJWTHeaderB64Len) ||
		!isBase64urlNoPad(payloadB64, maxJWTPayloadB64Len) ||
		!isBase64urlNoPad(sigB64, hmacSHA256SigB64Len) {
		return "", "", "", false
	}
	return headerB64, payloadB64, sigB64, true
}

// isBase64urlNoPad accepts only canonical base64url without padding: the
// unused bits of the final quantum must be zero.
func isBase64urlNoPad(raw string, maxLen int) bool {
	if raw == "" || len(raw) > maxLen || len(raw)%4 == 1 {
		return false
	}
	for i := 0; i < len(raw); i++ {
		if _, ok := b64urlValue(raw[i]); !ok {
			return false
		}
	}
	last, _ := b64urlValue(raw[len(raw)-1])
	switch len(raw) % 4 {
	case 2:
		return last&0x0f == 0
	case 3:
		return last&0x03 == 0
	default:
		return true
	}
}

func b64urlValue(b byte) (byte, bool) {
	switch {
	case b >= 'A' && b <= 'Z':
		return b - 'A', true
	case b >= 'a' && b <= 'z':
		return b - 'a' + 26, true
	case b >= '0' && b <= '9':
		return b - '0' + 52, true
	case b == '-':
		return 62, true
	case b == '_':
		return 63, true
	default:
		return 0, false
	}
}

func parseUnixTimestamp(v any) (int64, error) {
	switch x := v.(type) {
	case json.Number:
		return x.Int64()
	default:
		return 0, fmt.Errorf("invalid timestamp %T", v)
	}
}
