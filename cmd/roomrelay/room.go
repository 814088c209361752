package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/hackrtc/roomrelay/internal/config"
	"github.com/hackrtc/roomrelay/internal/store"
)

func newRoomCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "room",
		Short: "Seed rooms and memberships in the database",
	}
	cmd.AddCommand(newRoomCreateCmd(), newRoomMemberCmd())
	return cmd
}

func newRoomCreateCmd() *cobra.Command {
	var name, owner, invite string
	cmd := &cobra.Command{
		Use:   "create <room-id>",
		Short: "Create a room, optionally with its owner as host",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd, func(ctx context.Context, db *store.Store) error {
				room := store.Room{ID: args[0], Name: name, InviteCode: invite, OwnerID: owner}
				if err := db.CreateRoom(ctx, room); err != nil {
					return err
				}
				if owner != "" {
					if err := addMember(ctx, db, room.ID, owner, store.RoleHost); err != nil {
						return err
					}
				}
				fmt.Fprintf(cmd.OutOrStdout(), "created room %s\n", room.ID)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "Room display name")
	cmd.Flags().StringVar(&owner, "owner", "", "Owner user id, added as host")
	cmd.Flags().StringVar(&invite, "invite-code", "", "Invite code")
	return cmd
}

func newRoomMemberCmd() *cobra.Command {
	var role string
	cmd := &cobra.Command{
		Use:   "member <room-id> <user-id>",
		Short: "Add or update a room member",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := parseRole(role)
			if err != nil {
				return err
			}
			return withStore(cmd, func(ctx context.Context, db *store.Store) error {
				if _, err := db.GetRoom(ctx, args[0]); err != nil {
					return fmt.Errorf("room %s: %w", args[0], err)
				}
				if err := addMember(ctx, db, args[0], args[1], r); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s is %s in %s\n", args[1], r, args[0])
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&role, "role", string(store.RoleGuest), "host, moderator or guest")
	return cmd
}

func parseRole(s string) (store.Role, error) {
	switch r := store.Role(s); r {
	case store.RoleHost, store.RoleModerator, store.RoleGuest:
		return r, nil
	default:
		return "", fmt.Errorf("invalid role %q", s)
	}
}

func addMember(ctx context.Context, db *store.Store, roomID, userID string, role store.Role) error {
	return db.UpsertParticipant(ctx, store.Participant{
		RoomID: roomID,
		UserID: userID,
		Role:   role,
		State:  store.ParticipantState{MicOn: true, CamOn: true},
	})
}

func withStore(cmd *cobra.Command, fn func(context.Context, *store.Store) error) error {
	cfg, err := config.Load(configArgs(cmd))
	if err != nil {
		return err
	}
	db, err := store.Open(store.Config{Path: cfg.DatabasePath, PoolSize: 1})
	if err != nil {
		return err
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
	defer cancel()
	return fn(ctx, db)
}
