package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/hackrtc/roomrelay/internal/auth"
	"github.com/hackrtc/roomrelay/internal/config"
)

func newTokenCmd() *cobra.Command {
	var (
		name     string
		ttl      time.Duration
		recorder bool
	)
	cmd := &cobra.Command{
		Use:   "token <user-id>",
		Short: "Mint a signed credential for manual testing",
		Long: `Mint an HS256 credential signed with the configured JWT secret. The
token is accepted by /ws/{room} (as ?token=) and by the recording API
(as a bearer token).`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configArgs(cmd))
			if err != nil {
				return err
			}
			if ttl <= 0 {
				ttl = cfg.TokenTTL
			}
			token, err := mintToken(cfg.JWTSecret, auth.Claims{
				Subject:     args[0],
				DisplayName: name,
				Recorder:    recorder,
			}, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "Display name carried in the token")
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "Token lifetime (defaults to ROOMRELAY_TOKEN_TTL)")
	cmd.Flags().BoolVar(&recorder, "recorder", false, "Mark the token as a recording agent")
	return cmd
}

func mintToken(secret string, c auth.Claims, ttl time.Duration) (string, error) {
	if secret == "" {
		return "", errors.New("token: JWT secret is empty")
	}
	return auth.NewHS256(secret).Issue(c, ttl)
}
