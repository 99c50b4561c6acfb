package cli

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/tazhate/calsync/internal/domain"
)

// NewUserCommand creates the user command group.
func NewUserCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "user",
		Short: "Manage users",
	}
	cmd.AddCommand(newUserAddCommand(rootOpts))
	return cmd
}

func newUserAddCommand(rootOpts *RootOptions) *cobra.Command {
	var (
		name   string
		email  string
		chatID int64
	)

	cmd := &cobra.Command{
		Use:   "add",
		Short: "Create a user and print its id",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if strings.TrimSpace(name) == "" {
				return NewExitError(ExitCommandError, "--name must not be empty")
			}
			rt, err := openRuntime(rootOpts)
			if err != nil {
				return err
			}
			defer rt.Close()

			u := &domain.User{Name: strings.TrimSpace(name), Email: email, TelegramChatID: chatID}
			if err := rt.store.CreateUser(cmd.Context(), u); err != nil {
				return WrapExitError(ExitCommandError, "failed to create user", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), u.ID)
			return nil
		},
	}

	cmd.Flags().StringVar(&name, "name", "", "display name (required)")
	cmd.Flags().StringVar(&email, "email", "", "email address")
	cmd.Flags().Int64Var(&chatID, "chat-id", 0, "Telegram chat id")
	_ = cmd.MarkFlagRequired("name")

	return cmd
}

// NewCompanyCommand creates the company command group.
func NewCompanyCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "company",
		Short: "Manage companies whose founding anniversaries are synced",
	}
	cmd.AddCommand(newCompanyAddCommand(rootOpts))
	return cmd
}

func newCompanyAddCommand(rootOpts *RootOptions) *cobra.Command {
	var (
		userID  int64
		name    string
		founded string
	)

	cmd := &cobra.Command{
		Use:   "add",
		Short: "Create a company and print its id",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := userFlagRequired(cmd, userID); err != nil {
				return err
			}
			c := &domain.Company{UserID: userID, Name: strings.TrimSpace(name)}
			if c.Name == "" {
				return NewExitError(ExitCommandError, "--name must not be empty")
			}
			if founded != "" {
				t, err := time.Parse(domain.DateLayout, founded)
				if err != nil {
					return WrapExitError(ExitCommandError, "invalid --founded (use YYYY-MM-DD)", err)
				}
				c.FoundedOn = &t
			}

			rt, err := openRuntime(rootOpts)
			if err != nil {
				return err
			}
			defer rt.Close()

			if err := rt.store.CreateCompany(cmd.Context(), c); err != nil {
				return WrapExitError(ExitCommandError, "failed to create company", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), c.ID)
			return nil
		},
	}

	cmd.Flags().Int64Var(&userID, "user", 0, "owner user id (required)")
	cmd.Flags().StringVar(&name, "name", "", "company name (required)")
	cmd.Flags().StringVar(&founded, "founded", "", "founding date, YYYY-MM-DD")
	_ = cmd.MarkFlagRequired("user")
	_ = cmd.MarkFlagRequired("name")

	return cmd
}
