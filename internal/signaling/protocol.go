package signaling

import (
	"encoding/json"
	"errors"
	"fmt"
)

type MessageType string

const (
	TypeWelcome          MessageType = "welcome"
	TypePeers            MessageType = "peers"
	TypeJoin             MessageType = "join"
	TypeLeave            MessageType = "leave"
	TypeSignal           MessageType = "signal"
	TypeState            MessageType = "state"
	TypeParticipantState MessageType = "participant_state"
)

// ErrMalformedMessage is returned by Decode for frames that are not a JSON
// object with a string "type" field, or whose fields have the wrong shape.
var ErrMalformedMessage = errors.New("signaling: malformed message")

// Message is one of the protocol variants below. The set is closed; frames
// with an unrecognised type decode to Unknown.
type Message interface {
	Type() MessageType
	isMessage()
}

type PeerInfo struct {
	UserID      string `json:"user_id"`
	ConnID      string `json:"conn_id"`
	DisplayName string `json:"display_name"`
}

// SessionDescription mirrors the browser RTCSessionDescriptionInit shape.
type SessionDescription struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

// ICECandidate mirrors the browser RTCIceCandidateInit shape.
type ICECandidate struct {
	Candidate        string  `json:"candidate"`
	SDPMid           *string `json:"sdpMid,omitempty"`
	SDPMLineIndex    *uint16 `json:"sdpMLineIndex,omitempty"`
	UsernameFragment *string `json:"usernameFragment,omitempty"`
}

type Welcome struct {
	ConnID string `json:"conn_id"`
}

// Peers lists the other participants already in the room. Items is always
// encoded as an array, never null.
type Peers struct {
	Items []PeerInfo `json:"items"`
}

type Join struct {
	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name"`
	ConnID      string `json:"conn_id"`
}

type Leave struct {
	UserID string `json:"user_id"`
	ConnID string `json:"conn_id"`
}

// Signal carries SDP or ICE between two connections. From and FromConn are
// always set by the server; an empty ToConn means every other connection.
type Signal struct {
	From     string              `json:"from,omitempty"`
	FromConn string              `json:"from_conn,omitempty"`
	ToConn   string              `json:"to_conn,omitempty"`
	SDP      *SessionDescription `json:"sdp,omitempty"`
	ICE      *ICECandidate       `json:"ice,omitempty"`
}

// Flags is a partial set of participant media flags. Nil means unchanged.
type Flags struct {
	MicOn         *bool `json:"mic_on,omitempty"`
	CamOn         *bool `json:"cam_on,omitempty"`
	ScreenSharing *bool `json:"screen_sharing,omitempty"`
	IsSpeaking    *bool `json:"is_speaking,omitempty"`
	RaisedHand    *bool `json:"raised_hand,omitempty"`
}

// State is sent by a client to update its own flags.
type State struct {
	Flags
}

type ParticipantState struct {
	UserID    string `json:"user_id"`
	Connected *bool  `json:"connected,omitempty"`
	Flags
}

type Unknown struct {
	Kind MessageType
}

func (Welcome) Type() MessageType          { return TypeWelcome }
func (Peers) Type() MessageType            { return TypePeers }
func (Join) Type() MessageType             { return TypeJoin }
func (Leave) Type() MessageType            { return TypeLeave }
func (Signal) Type() MessageType           { return TypeSignal }
func (State) Type() MessageType            { return TypeState }
func (ParticipantState) Type() MessageType { return TypeParticipantState }
func (u Unknown) Type() MessageType        { return u.Kind }

func (Welcome) isMessage()          {}
func (Peers) isMessage()            {}
func (Join) isMessage()             {}
func (Leave) isMessage()            {}
func (Signal) isMessage()           {}
func (State) isMessage()            {}
func (ParticipantState) isMessage() {}
func (Unknown) isMessage()          {}

// Encode renders m as a JSON object with its "type" field first.
func Encode(m Message) ([]byte, error) {
	if _, ok := m.(Unknown); ok {
		return nil, fmt.Errorf("signaling: cannot encode unknown message %q", m.Type())
	}
	if p, ok := m.(Peers); ok && p.Items == nil {
		p.Items = []PeerInfo{}
		m = p
	}
	body, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("signaling: encode %s: %w", m.Type(), err)
	}
	typ, err := json.Marshal(string(m.Type()))
	if err != nil {
		return nil, err
	}

	// body is always an object: splice "type" in ahead of its fields.
	out := make([]byte, 0, len(body)+len(typ)+8)
	out = append(out, `{"type":`...)
	out = append(out, typ...)
	if len(body) > 2 {
		out = append(out, ',')
	}
	out = append(out, body[1:]...)
	return out, nil
}

// Decode parses a single frame. Frames with an unrecognised type decode to
// Unknown with a nil error.
func Decode(data []byte) (Message, error) {
	var envelope struct {
		Type *string `json:"type"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	if envelope.Type == nil {
		return nil, fmt.Errorf("%w: missing type", ErrMalformedMessage)
	}

	var (
		msg Message
		err error
	)
	switch t := MessageType(*envelope.Type); t {
	case TypeWelcome:
		msg, err = decodeAs[Welcome](data)
	case TypePeers:
		msg, err = decodeAs[Peers](data)
	case TypeJoin:
		msg, err = decodeAs[Join](data)
	case TypeLeave:
		msg, err = decodeAs[Leave](data)
	case TypeSignal:
		msg, err = decodeAs[Signal](data)
	case TypeState:
		msg, err = decodeAs[State](data)
	case TypeParticipantState:
		msg, err = decodeAs[ParticipantState](data)
	default:
		return Unknown{Kind: t}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	return msg, nil
}

func decodeAs[T Message](data []byte) (Message, error) {
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, err
	}
	return v, nil
}
