package cli

import (
	"fmt"
	"io"
	"log/slog"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/nicolasdb/time-tracker-webapp/internal/ingest"
)

// KeyOutput reports a key operation. Key is only set when a key was issued.
type KeyOutput struct {
	DeviceID string `json:"device_id,omitempty"`
	Key      string `json:"key,omitempty"`
	Active   bool   `json:"active"`
	Reason   string `json:"reason,omitempty"`
}

// NewKeysCommand creates the keys command group.
func NewKeysCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keys",
		Short: "Issue and revoke device keys",
	}
	cmd.AddCommand(newKeysIssueCommand(rootOpts))
	cmd.AddCommand(newKeysRevokeCommand(rootOpts))
	return cmd
}

func newKeysIssueCommand(rootOpts *RootOptions) *cobra.Command {
	var deviceID, key string
	cmd := &cobra.Command{
		Use:   "issue --device <device-id>",
		Short: "Bind a new key to a device and print it once",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if deviceID == "" {
				return NewExitError(ExitCommandError, "--device is required")
			}
			if key == "" {
				key = "tt_" + uuid.NewString()
			}
			return withStore(cmd.Context(), rootOpts, func(store Store) error {
				if err := store.IssueKey(cmd.Context(), key, deviceID); err != nil {
					return WrapExitError(ExitFailure, "issue key", err)
				}
				out := KeyOutput{DeviceID: deviceID, Key: key, Active: true}
				f := formatter{format: rootOpts.Format, w: cmd.OutOrStdout()}
				return f.emit(out, func(w io.Writer) {
					fmt.Fprintf(w, "issued key for %s\n%s\n", deviceID, key)
				})
			})
		},
	}
	cmd.Flags().StringVar(&deviceID, "device", "", "device id the key is bound to")
	cmd.Flags().StringVar(&key, "key", "", "use this key instead of generating one")
	return cmd
}

func newKeysRevokeCommand(rootOpts *RootOptions) *cobra.Command {
	var key string
	cmd := &cobra.Command{
		Use:   "revoke --key <key>",
		Short: "Revoke a key permanently",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if key == "" {
				return NewExitError(ExitCommandError, "--key is required")
			}
			return withStore(cmd.Context(), rootOpts, func(store Store) error {
				f := formatter{format: rootOpts.Format, w: cmd.OutOrStdout()}
				if err := store.RevokeKey(cmd.Context(), key); err != nil {
					if isNotFound(err) {
						return f.fail(ExitFailure, "key not found", nil)
					}
					return WrapExitError(ExitFailure, "revoke key", err)
				}
				return f.emit(KeyOutput{Active: false}, func(w io.Writer) {
					fmt.Fprintln(w, "key revoked")
				})
			})
		},
	}
	cmd.Flags().StringVar(&key, "key", "", "key to revoke")
	return cmd
}

// NewCheckKeyCommand creates the check-key command. It uses the same
// authentication path as the webhook.
func NewCheckKeyCommand(rootOpts *RootOptions) *cobra.Command {
	var key string
	cmd := &cobra.Command{
		Use:   "check-key --key <key>",
		Short: "Report the device bound to a key",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if key == "" {
				return NewExitError(ExitCommandError, "--key is required")
			}
			return withStore(cmd.Context(), rootOpts, func(store Store) error {
				logger := slog.New(slog.NewTextHandler(io.Discard, nil))
				gate := ingest.NewGate(store, store, ingest.WithLogger(logger))
				defer gate.Wait()

				f := formatter{format: rootOpts.Format, w: cmd.OutOrStdout()}
				status, err := gate.ValidateKey(cmd.Context(), ingest.Credentials{Key: key, Source: ingest.SourceAPIKey})
				if err != nil {
					ingestErr, ok := ingest.AsError(err)
					if !ok || ingestErr.Retryable() {
						return WrapExitError(ExitCommandError, "check key", err)
					}
					return f.fail(ExitFailure, "key rejected", KeyOutput{Reason: ingestErr.Reason})
				}
				return f.emit(KeyOutput{DeviceID: status.DeviceID, Active: status.Active}, func(w io.Writer) {
					fmt.Fprintf(w, "key is valid for device %s\n", status.DeviceID)
				})
			})
		},
	}
	cmd.Flags().StringVar(&key, "key", "", "key to check")
	return cmd
}
