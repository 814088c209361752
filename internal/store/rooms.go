package store

import (
	"context"
	"fmt"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"
)

type Role string

const (
	RoleHost      Role = "host"
	RoleModerator Role = "moderator"
	RoleGuest     Role = "guest"
)

// CanManageRecordings reports whether the role may start or stop recordings.
func (r Role) CanManageRecordings() bool {
	return r == RoleHost || r == RoleModerator
}

type Room struct {
	ID         string
	Name       string
	InviteCode string
	OwnerID    string
	CreatedAt  time.Time
}

// ParticipantState holds the media and presence flags a client toggles.
type ParticipantState struct {
	MicOn         bool
	CamOn         bool
	ScreenSharing bool
	IsSpeaking    bool
	RaisedHand    bool
}

// StatePatch is a partial ParticipantState. Nil fields are left untouched.
type StatePatch struct {
	MicOn         *bool
	CamOn         *bool
	ScreenSharing *bool
	IsSpeaking    *bool
	RaisedHand    *bool
}

func (p StatePatch) apply(s *ParticipantState) {
	set := func(dst *bool, v *bool) {
		if v != nil {
			*dst = *v
		}
	}
	set(&s.MicOn, p.MicOn)
	set(&s.CamOn, p.CamOn)
	set(&s.ScreenSharing, p.ScreenSharing)
	set(&s.IsSpeaking, p.IsSpeaking)
	set(&s.RaisedHand, p.RaisedHand)
}

type Participant struct {
	RoomID    string
	UserID    string
	Role      Role
	Connected bool
	State     ParticipantState
	JoinedAt  time.Time
}

// CreateRoom inserts a room. A zero CreatedAt is replaced with the current
// time.
func (s *Store) CreateRoom(ctx context.Context, room Room) error {
	if room.ID == "" {
		return fmt.Errorf("store: create room: empty id")
	}
	if room.CreatedAt.IsZero() {
		room.CreatedAt = s.now()
	}
	conn, err := s.take(ctx)
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn,
		`INSERT INTO rooms (id, name, invite_code, owner_id, created_at) VALUES (?, ?, ?, ?, ?)`,
		&sqlitex.ExecOptions{Args: []any{room.ID, room.Name, room.InviteCode, room.OwnerID, room.CreatedAt.UnixNano()}})
	if err != nil {
		return fmt.Errorf("store: create room %s: %w", room.ID, err)
	}
	return nil
}

func (s *Store) GetRoom(ctx context.Context, id string) (Room, error) {
	conn, err := s.take(ctx)
	if err != nil {
		return Room{}, err
	}
	defer s.pool.Put(conn)

	var (
		room  Room
		found bool
	)
	err = sqlitex.Execute(conn,
		`SELECT id, name, invite_code, owner_id, created_at FROM rooms WHERE id = ?`,
		&sqlitex.ExecOptions{
			Args: []any{id},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				found = true
				room = Room{
					ID:         stmt.ColumnText(0),
					Name:       stmt.ColumnText(1),
					InviteCode: stmt.ColumnText(2),
					OwnerID:    stmt.ColumnText(3),
					CreatedAt:  columnTime(stmt, 4),
				}
				return nil
			},
		})
	if err != nil {
		return Room{}, fmt.Errorf("store: get room %s: %w", id, err)
	}
	if !found {
		return Room{}, fmt.Errorf("store: room %s: %w", id, ErrNotFound)
	}
	return room, nil
}

// UpsertParticipant writes the full participant row.
func (s *Store) UpsertParticipant(ctx context.Context, p Participant) error {
	if p.Role == "" {
		p.Role = RoleGuest
	}
	if p.JoinedAt.IsZero() {
		p.JoinedAt = s.now()
	}
	conn, err := s.take(ctx)
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn, `
		INSERT INTO participants
			(room_id, user_id, role, connected, mic_on, cam_on, screen_sharing, is_speaking, raised_hand, joined_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (room_id, user_id) DO UPDATE SET
			role = excluded.role,
			connected = excluded.connected,
			mic_on = excluded.mic_on,
			cam_on = excluded.cam_on,
			screen_sharing = excluded.screen_sharing,
			is_speaking = excluded.is_speaking,
			raised_hand = excluded.raised_hand`,
		&sqlitex.ExecOptions{Args: []any{
			p.RoomID, p.UserID, string(p.Role), boolInt(p.Connected),
			boolInt(p.State.MicOn), boolInt(p.State.CamOn), boolInt(p.State.ScreenSharing),
			boolInt(p.State.IsSpeaking), boolInt(p.State.RaisedHand),
			p.JoinedAt.UnixNano(),
		}})
	if err != nil {
		return fmt.Errorf("store: upsert participant %s/%s: %w", p.RoomID, p.UserID, err)
	}
	return nil
}

func (s *Store) GetParticipant(ctx context.Context, roomID, userID string) (Participant, error) {
	conn, err := s.take(ctx)
	if err != nil {
		return Participant{}, err
	}
	defer s.pool.Put(conn)

	p, found, err := getParticipant(conn, roomID, userID)
	if err != nil {
		return Participant{}, err
	}
	if !found {
		return Participant{}, fmt.Errorf("store: participant %s/%s: %w", roomID, userID, ErrNotFound)
	}
	return p, nil
}

func getParticipant(conn *sqlite.Conn, roomID, userID string) (Participant, bool, error) {
	var (
		p     Participant
		found bool
	)
	err := sqlitex.Execute(conn, `
		SELECT role, connected, mic_on, cam_on, screen_sharing, is_speaking, raised_hand, joined_at
		FROM participants WHERE room_id = ? AND user_id = ?`,
		&sqlitex.ExecOptions{
			Args: []any{roomID, userID},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				found = true
				p = Participant{
					RoomID:    roomID,
					UserID:    userID,
					Role:      Role(stmt.ColumnText(0)),
					Connected: stmt.ColumnInt64(1) != 0,
					State: ParticipantState{
						MicOn:         stmt.ColumnInt64(2) != 0,
						CamOn:         stmt.ColumnInt64(3) != 0,
						ScreenSharing: stmt.ColumnInt64(4) != 0,
						IsSpeaking:    stmt.ColumnInt64(5) != 0,
						RaisedHand:    stmt.ColumnInt64(6) != 0,
					},
					JoinedAt: columnTime(stmt, 7),
				}
				return nil
			},
		})
	if err != nil {
		return Participant{}, false, fmt.Errorf("store: get participant %s/%s: %w", roomID, userID, err)
	}
	return p, found, nil
}

// SetParticipantConnected flips the connected flag, inserting a guest row
// first if the user has never joined the room.
func (s *Store) SetParticipantConnected(ctx context.Context, roomID, userID string, connected bool) (err error) {
	conn, err := s.take(ctx)
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)

	endTransaction, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return fmt.Errorf("store: begin transaction: %w", err)
	}
	defer endTransaction(&err)

	err = sqlitex.Execute(conn, `
		INSERT INTO participants (room_id, user_id, role, connected, joined_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (room_id, user_id) DO UPDATE SET connected = excluded.connected`,
		&sqlitex.ExecOptions{Args: []any{roomID, userID, string(RoleGuest), boolInt(connected), s.now().UnixNano()}})
	if err != nil {
		return fmt.Errorf("store: set connected %s/%s: %w", roomID, userID, err)
	}
	return nil
}

// UpdateParticipantState applies patch to an existing participant and
// returns the resulting state.
func (s *Store) UpdateParticipantState(ctx context.Context, roomID, userID string, patch StatePatch) (state ParticipantState, err error) {
	conn, err := s.take(ctx)
	if err != nil {
		return ParticipantState{}, err
	}
	defer s.pool.Put(conn)

	endTransaction, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return ParticipantState{}, fmt.Errorf("store: begin transaction: %w", err)
	}
	defer endTransaction(&err)

	p, found, err := getParticipant(conn, roomID, userID)
	if err != nil {
		return ParticipantState{}, err
	}
	if !found {
		return ParticipantState{}, fmt.Errorf("store: participant %s/%s: %w", roomID, userID, ErrNotFound)
	}
	patch.apply(&p.State)

	err = sqlitex.Execute(conn, `
		UPDATE participants
		SET mic_on = ?, cam_on = ?, screen_sharing = ?, is_speaking = ?, raised_hand = ?
		WHERE room_id = ? AND user_id = ?`,
		&sqlitex.ExecOptions{Args: []any{
			boolInt(p.State.MicOn), boolInt(p.State.CamOn), boolInt(p.State.ScreenSharing),
			boolInt(p.State.IsSpeaking), boolInt(p.State.RaisedHand),
			roomID, userID,
		}})
	if err != nil {
		return ParticipantState{}, fmt.Errorf("store: update state %s/%s: %w", roomID, userID, err)
	}
	return p.State, nil
}
