package cmds

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/go-go-golems/chatshell/pkg/auth"
)

func secretOrEnv(s string) string {
	if s != "" {
		return s
	}
	return os.Getenv("CHATSHELL_JWT_SECRET")
}

func NewAuthCommand() *cobra.Command {
	var secret string
	cmd := &cobra.Command{
		Use:   "auth",
		Short: "Issue and decode development tokens",
	}
	cmd.PersistentFlags().StringVar(&secret, "secret", "", "HMAC secret (defaults to CHATSHELL_JWT_SECRET)")

	var (
		u   auth.User
		ttl time.Duration
	)
	issue := &cobra.Command{
		Use:   "issue",
		Short: "Print a signed token",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if u.ID == "" {
				return errors.New("--id is required")
			}
			tok, err := auth.Sign(secretOrEnv(secret), u, ttl, time.Now())
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), tok)
			return err
		},
	}
	issue.Flags().StringVar(&u.ID, "id", "", "Subject")
	issue.Flags().StringVar(&u.Name, "name", "", "Display name")
	issue.Flags().StringVar(&u.Email, "email", "", "Email")
	issue.Flags().StringSliceVar(&u.Roles, "role", nil, "Roles (repeatable)")
	issue.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "Lifetime (0 never expires)")

	var unverified bool
	decode := &cobra.Command{
		Use:   "decode <token>",
		Short: "Decode a token the way the server does",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := []auth.Option{auth.WithSecret(secretOrEnv(secret))}
			if unverified {
				opts = append(opts, auth.AllowUnverified())
			}
			d := auth.NewDecoder(opts...)
			user, err := d.Inspect(args[0])
			if err != nil {
				return errors.Wrap(err, "token rejected, requests carrying it are anonymous")
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(map[string]any{"user": user, "verified": d.Verifies()})
		},
	}

	decode.Flags().BoolVar(&unverified, "unverified", false, "Skip the signature check when no secret is set")

	cmd.AddCommand(issue, decode)
	return cmd
}
