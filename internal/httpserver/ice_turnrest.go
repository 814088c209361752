package httpserver

import (
	"github.com/pion/webrtc/v4"

	"github.com/hackrtc/roomrelay/internal/config"
	"github.com/hackrtc/roomrelay/internal/turnrest"
)

// withTURNRESTCredentials returns a copy of servers with creds set on every
// TURN entry. STUN entries pass through untouched. The input slice is never
// modified since it is shared config.
func withTURNRESTCredentials(servers []webrtc.ICEServer, creds turnrest.Credentials) []webrtc.ICEServer {
	out := make([]webrtc.ICEServer, len(servers))
	for i, server := range servers {
		out[i] = server
		if config.IsTURNServer(server) {
			out[i].Username = creds.Username
			out[i].Credential = creds.Credential
		}
	}
	return out
}
