package config

import (
	"strings"
	"testing"

	"github.com/pion/webrtc/v4"
)

func TestParseICEServersJSON(t *testing.T) {
	t.Parallel()

	raw := `[
	  {
	    "urls": ["stun:stun.example.com:3478"]
	  },
	  {
	    "urls": ["turn:turn.example.com:3478?transport=udp"],
	    "username": "user",
	    "credential": "pass"
	  }
	]`

	servers, err := ParseICEServersJSON(raw, false)
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if len(servers) != 2 {
		t.Fatalf("expected 2 servers, got %d", len(servers))
	}

	if got := servers[0].URLs; len(got) != 1 || got[0] != "stun:stun.example.com:3478" {
		t.Fatalf("unexpected stun urls: %#v", got)
	}
	if got := servers[1].Username; got != "user" {
		t.Fatalf("unexpected username: %q", got)
	}
	cred, ok := servers[1].Credential.(string)
	if !ok || cred != "pass" {
		t.Fatalf("unexpected credential: %#v", servers[1].Credential)
	}
}

func TestParseICEServersJSON_SupportsSingleStringURLs(t *testing.T) {
	t.Parallel()

	raw := `[
	  {
	    "urls": "stun:stun.example.com:3478"
	  }
	]`

	servers, err := ParseICEServersJSON(raw, false)
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if len(servers) != 1 {
		t.Fatalf("expected 1 server, got %d", len(servers))
	}
	if got := servers[0].URLs; len(got) != 1 || got[0] != "stun:stun.example.com:3478" {
		t.Fatalf("unexpected urls: %#v", got)
	}
}

func TestParseICEServersJSON_RejectsTURNWithoutCreds(t *testing.T) {
	t.Parallel()

	raw := `[
	  {
	    "urls": ["turn:turn.example.com:3478?transport=udp"]
	  }
	]`

	_, err := ParseICEServersJSON(raw, false)
	if err == nil {
		t.Fatal("expected error")
	}
}

func TestParseICEServersJSON_AllowsTURNWithoutCredsWhenEnabled(t *testing.T) {
	t.Parallel()

	raw := `[
	  {
	    "urls": ["turn:turn.example.com:3478?transport=udp"]
	  }
	]`

	servers, err := ParseICEServersJSON(raw, true)
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if len(servers) != 1 {
		t.Fatalf("expected 1 server, got %d", len(servers))
	}
	if servers[0].Username != "" || servers[0].Credential != nil {
		t.Fatalf("expected TURN server creds to be empty: %#v", servers[0])
	}
}

func TestParseICEServerURLs(t *testing.T) {
	t.Parallel()

	servers, err := ParseICEServerURLs(
		"stun:stun.example.com:3478",
		"turn:turn.example.com:3478?transport=udp",
		"user",
		"pass",
		false,
	)
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if len(servers) != 2 {
		t.Fatalf("expected 2 servers, got %d", len(servers))
	}
	if servers[0].Username != "" || servers[0].Credential != nil {
		t.Fatalf("stun server should not have creds: %#v", servers[0])
	}
	if servers[1].Username != "user" {
		t.Fatalf("unexpected turn username: %q", servers[1].Username)
	}
	if servers[1].Credential.(string) != "pass" {
		t.Fatalf("unexpected turn credential: %#v", servers[1].Credential)
	}
}

func TestParseICEServerURLs_AllowsTURNWithoutCredsWhenEnabled(t *testing.T) {
	t.Parallel()

	servers, err := ParseICEServerURLs(
		"",
		"turn:turn.example.com:3478?transport=udp",
		"",
		"",
		true,
	)
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if len(servers) != 1 {
		t.Fatalf("expected 1 server, got %d", len(servers))
	}
	if servers[0].Username != "" || servers[0].Credential != nil {
		t.Fatalf("expected TURN server creds to be empty: %#v", servers[0])
	}
}

func TestIsTURNServer(t *testing.T) {
	t.Parallel()

	cases := []struct {
		urls []string
		want bool
	}{
		{[]string{"stun:stun.example.com:3478"}, false},
		{[]string{"stun:stun.example.com", " turn:turn.example.com:3478"}, true},
		{[]string{"TURNS:turn.example.com:5349"}, true},
		{[]string{"turnx:turn.example.com"}, false},
		{nil, false},
	}
	for _, tc := range cases {
		if got := IsTURNServer(webrtc.ICEServer{URLs: tc.urls}); got != tc.want {
			t.Fatalf("IsTURNServer(%v)=%v, want %v", tc.urls, got, tc.want)
		}
	}

	if HasTURNServer([]webrtc.ICEServer{{URLs: []string{"stun:a"}}}) {
		t.Fatalf("HasTURNServer: stun-only list reported TURN")
	}
	if !HasTURNServer([]webrtc.ICEServer{{URLs: []string{"stun:a"}}, {URLs: []string{"turn:b"}}}) {
		t.Fatalf("HasTURNServer: missed turn server")
	}
}

func TestParseICEServersJSON_SchemesAreCaseInsensitive(t *testing.T) {
	t.Parallel()

	servers, err := ParseICEServersJSON(`[{"urls":"STUN:stun.example.com"},{"urls":["TURNS:turn.example.com:5349"]}]`, false)
	if err == nil {
		t.Fatalf("expected uppercase TURN without creds to be rejected, got %#v", servers)
	}

	servers, err = ParseICEServersJSON(`[{"urls":"STUN:stun.example.com"},{"urls":["TURNS:turn.example.com:5349"],"username":"u","credential":"p"}]`, false)
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if len(servers) != 2 || !HasTURNServer(servers) {
		t.Fatalf("unexpected servers: %#v", servers)
	}
}

func TestResolveICEServers_JSONWinsOverURLLists(t *testing.T) {
	t.Parallel()

	servers, err := resolveICEServers(iceSources{
		JSON:     `[{"urls":"stun:json.example.com"}]`,
		STUNURLs: "stun:list.example.com",
	}, false)
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if len(servers) != 1 || servers[0].URLs[0] != "stun:json.example.com" {
		t.Fatalf("unexpected servers: %#v", servers)
	}

	_, err = resolveICEServers(iceSources{JSON: `[{"urls":"http://nope"}]`}, false)
	if err == nil || !strings.Contains(err.Error(), envICEServersJSON) {
		t.Fatalf("expected error naming %s, got %v", envICEServersJSON, err)
	}
}
