// Package signaling implements the per-room WebSocket signaling hub.
//
// Clients connect to GET /ws/{room}?token=<jwt>. The hub tracks every open
// connection per room, sends presence (welcome, peers, join, leave,
// participant_state) and routes SDP/ICE signal messages between
// connections. Recording agents connect like any other client but are never
// listed in peers and never cause presence broadcasts.
package signaling
