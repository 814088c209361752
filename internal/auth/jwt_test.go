package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"testing"
	"time"
)

func mustJWT(t *testing.T, secret string, header, claims map[string]any) string {
	t.Helper()

	headerJSON, err := json.Marshal(header)
	if err != nil {
		t.Fatalf("marshal header: %v", err)
	}
	payloadJSON, err := json.Marshal(claims)
	if err != nil {
		t.Fatalf("marshal claims: %v", err)
	}

	enc := base64.RawURLEncoding
	signingInput := enc.EncodeToString(headerJSON) + "." + enc.EncodeToString(payloadJSON)

	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write([]byte(signingInput))
	return signingInput + "." + enc.EncodeToString(mac.Sum(nil))
}

func fixedHS256(secret string, now time.Time) *HS256 {
	return &HS256{secret: []byte(secret), now: func() time.Time { return now }}
}

func TestHS256_IssueVerifyRoundTrip(t *testing.T) {
	now := time.Unix(1_000_000, 0)
	h := fixedHS256("secret", now)

	token, err := h.Issue(Claims{Subject: "u-1", DisplayName: "Ada"}, time.Hour)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	id, err := h.Verify(token)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if id.Subject != "u-1" || id.DisplayName != "Ada" || id.Kind != KindParticipant {
		t.Fatalf("identity=%+v", id)
	}

	h.now = func() time.Time { return now.Add(time.Hour) }
	if _, err := h.Verify(token); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("err=%v, want ErrInvalidCredentials after expiry", err)
	}
}

func TestHS256_RecorderClaimSetsKind(t *testing.T) {
	now := time.Unix(1_000_000, 0)
	h := fixedHS256("secret", now)

	token, err := h.Issue(Claims{Subject: "recording:abc", DisplayName: "Recorder", Recorder: true}, time.Minute)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	id, err := h.Verify(token)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if !id.IsRecordingAgent() {
		t.Fatalf("kind=%v, want recording agent", id.Kind)
	}
}

func TestHS256_SubjectPrefixDoesNotMakeRecorder(t *testing.T) {
	now := time.Unix(1_000_000, 0)
	h := fixedHS256("secret", now)

	token := mustJWT(t, "secret", map[string]any{"alg": "HS256"}, map[string]any{
		"sub": "recorder:room-1",
		"exp": now.Add(time.Minute).Unix(),
	})
	id, err := h.Verify(token)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if id.Kind != KindParticipant {
		t.Fatalf("kind=%v, want participant", id.Kind)
	}
}

func TestHS256_Rejects(t *testing.T) {
	now := time.Unix(1_000_000, 0)
	h := fixedHS256("secret", now)
	valid := map[string]any{"sub": "u-1", "iat": now.Unix(), "exp": now.Add(5 * time.Minute).Unix()}

	with := func(k string, v any) map[string]any {
		out := map[string]any{}
		for key, val := range valid {
			out[key] = val
		}
		if v == nil {
			delete(out, k)
		} else {
			out[k] = v
		}
		return out
	}

	cases := []struct {
		name  string
		token string
		want  error
	}{
		{"expired", mustJWT(t, "secret", map[string]any{"alg": "HS256"}, with("exp", now.Add(-time.Second).Unix())), ErrInvalidCredentials},
		{"missing exp", mustJWT(t, "secret", map[string]any{"alg": "HS256"}, with("exp", nil)), ErrInvalidCredentials},
		{"not yet valid", mustJWT(t, "secret", map[string]any{"alg": "HS256"}, with("nbf", now.Add(10*time.Second).Unix())), ErrInvalidCredentials},
		{"missing sub", mustJWT(t, "secret", map[string]any{"alg": "HS256"}, with("sub", nil)), ErrInvalidCredentials},
		{"non-bool recorder", mustJWT(t, "secret", map[string]any{"alg": "HS256"}, with("recorder", "yes")), ErrInvalidCredentials},
		{"bad signature", mustJWT(t, "wrong", map[string]any{"alg": "HS256"}, valid), ErrInvalidCredentials},
		{"unsupported alg", mustJWT(t, "secret", map[string]any{"alg": "none"}, valid), ErrUnsupportedJWT},
		{"malformed", "not-a-jwt", ErrInvalidCredentials},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := h.Verify(tc.token)
			if !errors.Is(err, tc.want) {
				t.Fatalf("err=%v, want %v", err, tc.want)
			}
		})
	}
}

func TestHS256_IssueRejectsEmptySubject(t *testing.T) {
	if _, err := NewHS256("secret").Issue(Claims{}, time.Minute); err == nil {
		t.Fatalf("expected error")
	}
}
