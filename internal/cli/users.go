package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

var authURLCmd = &cobra.Command{
	Use:   "auth-url <user_id>",
	Short: "Print an authorization link for a user",
	Long: `Store a fresh PKCE verifier for the user and print the Fitbit consent URL.
The serve command must be running to receive the callback.

Example:
  fitbitsync auth-url alice`,
	Args: cobra.ExactArgs(1),
	RunE: runAuthURL,
}

var usersCmd = &cobra.Command{
	Use:     "users",
	Aliases: []string{"u"},
	Short:   "List authorized users and token age",
	Args:    cobra.NoArgs,
	RunE:    runUsers,
}

var revokeCmd = &cobra.Command{
	Use:   "revoke <user_id>",
	Short: "Revoke and remove a user's stored tokens",
	Args:  cobra.ExactArgs(1),
	RunE:  runRevoke,
}

func init() {
	usersCmd.AddCommand(revokeCmd)
	RootCmd.AddCommand(authURLCmd, usersCmd)
}

// withApp loads configuration, builds the shared components and closes them afterwards.
func withApp(fn func(a *app) error) error {
	_, cfg, err := loadConfig()
	if err != nil {
		return err
	}
	a, err := newApp(cfg, newLogger(cfg))
	if err != nil {
		return err
	}
	defer func() { _ = a.Close() }()
	return fn(a)
}

func runAuthURL(cmd *cobra.Command, args []string) error {
	return withApp(func(a *app) error {
		u, err := a.flow.AuthorizationURL(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), u)
		return nil
	})
}

// UserInfo is one row of the users listing.
type UserInfo struct {
	UserID      string    `json:"user_id"`
	Scope       string    `json:"scope,omitempty"`
	LastUpdated time.Time `json:"last_updated"`
	ExpiresAt   time.Time `json:"expires_at"`
	Expired     bool      `json:"expired"`
}

func runUsers(cmd *cobra.Command, args []string) error {
	return withApp(func(a *app) error {
		ctx := cmd.Context()
		ids, err := a.store.ListUsers(ctx)
		if err != nil {
			return err
		}

		now := time.Now()
		users := make([]UserInfo, 0, len(ids))
		for _, id := range ids {
			token, ok, err := a.store.GetToken(ctx, id)
			if err != nil {
				return err
			}
			if !ok {
				continue
			}
			users = append(users, UserInfo{
				UserID:      id,
				Scope:       token.Scope,
				LastUpdated: token.LastUpdated,
				ExpiresAt:   token.ExpiresAt(),
				Expired:     !token.ExpiresAt().After(now),
			})
		}
		return outputUsers(cmd.OutOrStdout(), users, a.loc)
	})
}

func outputUsers(out io.Writer, users []UserInfo, loc *time.Location) error {
	if globalFlags.JSON {
		return writeJSON(out, users)
	}
	if len(users) == 0 {
		fmt.Fprintln(out, "No authorized users.")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "USER\tLAST UPDATED\tEXPIRES\tSTATUS")
	for _, u := range users {
		status := "valid"
		if u.Expired {
			status = "expired (refresh on next use)"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n",
			u.UserID,
			u.LastUpdated.In(loc).Format("2006-01-02 15:04"),
			u.ExpiresAt.In(loc).Format("2006-01-02 15:04"),
			status,
		)
	}
	return w.Flush()
}

func runRevoke(cmd *cobra.Command, args []string) error {
	return withApp(func(a *app) error {
		if err := a.flow.Invalidate(cmd.Context(), args[0]); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Revoked tokens for %s\n", args[0])
		return nil
	})
}

func writeJSON(out io.Writer, v interface{}) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("failed to encode JSON: %w", err)
	}
	return nil
}
