package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/tazhate/calsync/internal/domain"
)

// ConnectOptions holds flags for the connect command.
type ConnectOptions struct {
	*RootOptions
	UserID       int64
	RefreshToken string
	CalendarID   string
	TimeZone     string
}

// NewConnectCommand creates the connect command. It stores a refresh token
// obtained out of band; the first sync exchanges it for an access token.
func NewConnectCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ConnectOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "connect",
		Short: "Store the provider refresh token of a user",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := userFlagRequired(cmd, opts.UserID); err != nil {
				return err
			}
			return runConnect(cmd, opts)
		},
	}

	cmd.Flags().Int64Var(&opts.UserID, "user", 0, "user id (required)")
	cmd.Flags().StringVar(&opts.RefreshToken, "refresh-token", "", "OAuth refresh token (required)")
	cmd.Flags().StringVar(&opts.CalendarID, "calendar", "", "remote calendar id, default primary")
	cmd.Flags().StringVar(&opts.TimeZone, "timezone", "", "calendar timezone (IANA), default from config")
	_ = cmd.MarkFlagRequired("user")
	_ = cmd.MarkFlagRequired("refresh-token")

	return cmd
}

func runConnect(cmd *cobra.Command, opts *ConnectOptions) error {
	if opts.TimeZone != "" {
		if _, err := time.LoadLocation(opts.TimeZone); err != nil {
			return WrapExitError(ExitCommandError, "invalid --timezone", err)
		}
	}

	rt, err := openRuntime(opts.RootOptions)
	if err != nil {
		return err
	}
	defer rt.Close()

	ctx := cmd.Context()
	user, err := rt.store.GetUser(ctx, opts.UserID)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to load user", err)
	}
	if user == nil {
		return NewExitError(ExitCommandError, fmt.Sprintf("user %d not found", opts.UserID))
	}

	svc, err := rt.services()
	if err != nil {
		return err
	}
	refreshEnc, err := svc.cipher.Encrypt(opts.RefreshToken)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to encrypt token", err)
	}

	cred := &domain.Credential{
		UserID:          opts.UserID,
		RefreshTokenEnc: refreshEnc,
		// already expired, so the first sync refreshes
		Expiry:     time.Unix(0, 0).UTC(),
		TimeZone:   opts.TimeZone,
		CalendarID: opts.CalendarID,
	}
	if err := rt.store.SaveCredential(ctx, cred); err != nil {
		return WrapExitError(ExitCommandError, "failed to save credential", err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "User %d (%s) connected\n", user.ID, user.Name)
	return nil
}
