package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"roomrelay/internal/core/domain"
	"roomrelay/pkg/validation"

	"github.com/spf13/cobra"
)

var (
	flagForwardAll bool
	flagAdminURL   string
	flagToken      string
)

var forwardCmd = &cobra.Command{
	Use:   "forward [room-id]",
	Short: "Ask the mediator to forward a room, or every room, to its subscribers",
	Args: func(cmd *cobra.Command, args []string) error {
		if flagForwardAll && len(args) > 0 {
			return errors.New("pass either a room id or --all, not both")
		}
		if !flagForwardAll && len(args) != 1 {
			return errors.New("a room id is required unless --all is set")
		}
		return nil
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := loadSettings()
		if err != nil {
			return err
		}

		token := flagToken
		if token == "" {
			token, err = mintToken(s, domain.RoleOperator, time.Minute)
			if err != nil {
				return err
			}
		}

		client := &adminClient{
			baseURL: adminBaseURL(flagAdminURL, s.cfg.Mediator.AdminAddress),
			token:   token,
			http:    &http.Client{Timeout: 10 * time.Second},
		}

		path := "/api/v1/rooms/forward"
		if !flagForwardAll {
			if err := validation.ValidateRoomID(args[0]); err != nil {
				return err
			}
			path = "/api/v1/rooms/" + url.PathEscape(args[0]) + "/forward"
		}

		var resp map[string]interface{}
		if err := client.post(cmd.Context(), path, &resp); err != nil {
			return err
		}
		out, _ := json.MarshalIndent(resp, "", "  ")
		fmt.Fprintln(cmd.OutOrStdout(), string(out))
		return nil
	},
}

func init() {
	forwardCmd.Flags().BoolVar(&flagForwardAll, "all", false, "forward every room the mediator holds")
	forwardCmd.Flags().StringVar(&flagAdminURL, "admin-url", "", "mediator admin API base URL (defaults to mediator.admin_address)")
	forwardCmd.Flags().StringVar(&flagToken, "token", "", "bearer token (minted from auth.jwt_secret when empty)")
}

// adminBaseURL turns a listen address such as ":8082" into a URL.
func adminBaseURL(override, listen string) string {
	if override != "" {
		return strings.TrimRight(override, "/")
	}
	if strings.HasPrefix(listen, ":") {
		listen = "localhost" + listen
	}
	return "http://" + listen
}

type adminClient struct {
	baseURL string
	token   string
	http    *http.Client
}

type apiError struct {
	Status  int
	Code    string `json:"error"`
	Message string `json:"message"`
}

func (e *apiError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("admin API returned %d", e.Status)
	}
	return fmt.Sprintf("admin API returned %d %s: %s", e.Status, e.Code, e.Message)
}

func (c *adminClient) post(ctx context.Context, path string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("call admin API: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read admin API response: %w", err)
	}

	if resp.StatusCode >= http.StatusBadRequest {
		apiErr := &apiError{Status: resp.StatusCode}
		_ = json.Unmarshal(body, apiErr)
		return apiErr
	}
	return json.Unmarshal(body, out)
}
