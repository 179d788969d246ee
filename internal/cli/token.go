package cli

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/nicolasdb/time-tracker-webapp/internal/auth"
)

// TokenOutput is a signed dashboard token.
type TokenOutput struct {
	Token     string    `json:"token"`
	Subject   string    `json:"subject"`
	Scopes    []string  `json:"scopes"`
	ExpiresAt time.Time `json:"expires_at"`
}

// NewTokenCommand creates the token command, which signs read-API tokens.
func NewTokenCommand(rootOpts *RootOptions) *cobra.Command {
	var (
		subject string
		scopes  []string
		ttl     time.Duration
		secret  string
		issuer  string
	)
	cmd := &cobra.Command{
		Use:   "token --subject <name>",
		Short: "Sign a bearer token for the /v1 read API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if subject == "" {
				return NewExitError(ExitCommandError, "--subject is required")
			}
			if secret == "" {
				return NewExitError(ExitCommandError, "--jwt-secret or JWT_SECRET is required")
			}
			if ttl <= 0 {
				return NewExitError(ExitCommandError, "--ttl must be positive")
			}
			token, err := auth.Sign(auth.Config{Secret: secret, Issuer: issuer}, subject, scopes, ttl)
			if err != nil {
				return WrapExitError(ExitFailure, "sign token", err)
			}
			out := TokenOutput{Token: token, Subject: subject, Scopes: scopes, ExpiresAt: rootOpts.Now().Add(ttl)}
			f := formatter{format: rootOpts.Format, w: cmd.OutOrStdout()}
			return f.emit(out, func(w io.Writer) { fmt.Fprintln(w, token) })
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "", "token subject")
	cmd.Flags().StringSliceVar(&scopes, "scope", []string{auth.ScopeTimeBlocksRead, auth.ScopeEventsRead}, "granted scopes")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	cmd.Flags().StringVar(&secret, "jwt-secret", os.Getenv("JWT_SECRET"), "HMAC signing secret")
	cmd.Flags().StringVar(&issuer, "issuer", envOr("JWT_ISSUER", "timetracker"), "token issuer")
	return cmd
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
