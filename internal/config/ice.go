package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/pion/webrtc/v4"
)

const (
	envICEServersJSON = "ROOMRELAY_ICE_SERVERS_JSON"

	envStunURLs       = "ROOMRELAY_STUN_URLS"
	envTurnURLs       = "ROOMRELAY_TURN_URLS"
	envTurnUsername   = "ROOMRELAY_TURN_USERNAME"
	envTurnCredential = "ROOMRELAY_TURN_CREDENTIAL"
)

// iceSources holds the raw ICE settings. The JSON list, when present, wins
// over the separate STUN and TURN lists.
type iceSources struct {
	JSON           string
	STUNURLs       string
	TURNURLs       string
	TURNUsername   string
	TURNCredential string
}

// resolveICEServers builds the one ICE server list the process uses: the
// recording agent's peer connections are configured with it and
// GET /webrtc/ice hands it to browsers. mintedTURN is set when TURN REST
// credentials are issued per request, in which case static TURN entries
// may leave username and credential empty.
func resolveICEServers(src iceSources, mintedTURN bool) ([]webrtc.ICEServer, error) {
	if raw := strings.TrimSpace(src.JSON); raw != "" {
		servers, err := ParseICEServersJSON(raw, mintedTURN)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", envICEServersJSON, err)
		}
		return servers, nil
	}
	return ParseICEServerURLs(src.STUNURLs, src.TURNURLs, src.TURNUsername, src.TURNCredential, mintedTURN)
}

// urlList accepts either a single URL string or an array, as
// RTCIceServer.urls does in the browser.
type urlList []string

func (u *urlList) UnmarshalJSON(b []byte) error {
	var one string
	if err := json.Unmarshal(b, &one); err == nil {
		*u = urlList{one}
		return nil
	}
	var many []string
	if err := json.Unmarshal(b, &many); err != nil {
		return err
	}
	*u = many
	return nil
}

// ParseICEServersJSON parses a browser-style RTCIceServer array.
func ParseICEServersJSON(raw string, mintedTURN bool) ([]webrtc.ICEServer, error) {
	var entries []struct {
		URLs       urlList `json:"urls"`
		Username   string  `json:"username,omitempty"`
		Credential string  `json:"credential,omitempty"`
	}
	if err := json.Unmarshal([]byte(raw), &entries); err != nil {
		return nil, err
	}

	out := make([]webrtc.ICEServer, 0, len(entries))
	for i, e := range entries {
		server, err := newICEServer(nonEmpty(e.URLs), e.Username, e.Credential, mintedTURN)
		if err != nil {
			return nil, fmt.Errorf("iceServers[%d]: %w", i, err)
		}
		out = append(out, server)
	}
	return out, nil
}

// ParseICEServerURLs builds at most two servers from comma-separated STUN
// and TURN URL lists. The TURN entry carries the shared username and
// credential.
func ParseICEServerURLs(stunURLs, turnURLs, turnUsername, turnCredential string, mintedTURN bool) ([]webrtc.ICEServer, error) {
	var servers []webrtc.ICEServer

	if urls := splitCommaSeparated(stunURLs); len(urls) > 0 {
		server, err := newICEServer(urls, "", "", false)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", envStunURLs, err)
		}
		servers = append(servers, server)
	}

	if urls := splitCommaSeparated(turnURLs); len(urls) > 0 {
		if !mintedTURN && (strings.TrimSpace(turnUsername) == "" || strings.TrimSpace(turnCredential) == "") {
			return nil, fmt.Errorf("%s/%s: both must be set when %s is set", envTurnUsername, envTurnCredential, envTurnURLs)
		}
		server, err := newICEServer(urls, turnUsername, turnCredential, mintedTURN)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", envTurnURLs, err)
		}
		servers = append(servers, server)
	}

	return servers, nil
}

func newICEServer(urls []string, username, credential string, mintedTURN bool) (webrtc.ICEServer, error) {
	server := webrtc.ICEServer{URLs: urls, Username: strings.TrimSpace(username)}
	if c := strings.TrimSpace(credential); c != "" {
		server.Credential = c
	}

	if len(urls) == 0 {
		return server, errors.New("missing urls")
	}
	for _, u := range urls {
		if !isICEURL(u) {
			return server, fmt.Errorf("unsupported url scheme: %q", u)
		}
	}
	if IsTURNServer(server) && !mintedTURN {
		if server.Username == "" {
			return server, errors.New("turn urls require username")
		}
		if server.Credential == nil {
			return server, errors.New("turn urls require credential")
		}
	}
	return server, nil
}

func nonEmpty(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func splitCommaSeparated(value string) []string {
	if strings.TrimSpace(value) == "" {
		return nil
	}
	return nonEmpty(strings.Split(value, ","))
}

func iceScheme(raw string) string {
	scheme, _, ok := strings.Cut(strings.TrimSpace(raw), ":")
	if !ok {
		return ""
	}
	return strings.ToLower(scheme)
}

func isICEURL(raw string) bool {
	switch iceScheme(raw) {
	case "stun", "stuns", "turn", "turns":
		return true
	}
	return false
}

func isTURNURL(raw string) bool {
	s := iceScheme(raw)
	return s == "turn" || s == "turns"
}

// IsTURNServer reports whether any of the server's URLs is a turn: or turns:
// URL. Scheme matching is case-insensitive.
func IsTURNServer(server webrtc.ICEServer) bool {
	return slices.ContainsFunc(server.URLs, isTURNURL)
}

// HasTURNServer reports whether servers contains at least one TURN server.
func HasTURNServer(servers []webrtc.ICEServer) bool {
	return slices.ContainsFunc(servers, IsTURNServer)
}
