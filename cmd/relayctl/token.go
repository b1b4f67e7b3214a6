package main

import (
	"fmt"
	"time"

	"roomrelay/internal/core/domain"
	"roomrelay/internal/core/services"

	"github.com/spf13/cobra"
)

var (
	flagTokenUser string
	flagTokenRole string
	flagTokenTTL  time.Duration
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Mint an admin API token signed with auth.jwt_secret",
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := loadSettings()
		if err != nil {
			return err
		}
		token, err := mintToken(s, domain.UserRole(flagTokenRole), flagTokenTTL)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), token)
		return nil
	},
}

func init() {
	tokenCmd.Flags().StringVar(&flagTokenUser, "user", "relayctl", "subject of the token")
	tokenCmd.Flags().StringVar(&flagTokenRole, "role", string(domain.RoleOperator), "viewer or operator")
	tokenCmd.Flags().DurationVar(&flagTokenTTL, "ttl", 0, "token lifetime (defaults to auth.access_token_ttl)")
}

func mintToken(s *settings, role domain.UserRole, ttl time.Duration) (string, error) {
	if role != domain.RoleViewer && role != domain.RoleOperator {
		return "", fmt.Errorf("unknown role %q", role)
	}
	if ttl <= 0 {
		ttl = s.cfg.Auth.AccessTokenTTL
	}
	user := flagTokenUser
	if user == "" {
		user = "relayctl"
	}
	auth := services.NewAuthService(s.cfg.Auth.JWTSecret, ttl)
	return auth.GenerateToken(domain.UserID(user), role)
}
