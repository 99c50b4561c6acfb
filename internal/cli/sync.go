package cli

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"
	"github.com/tazhate/calsync/internal/domain"
)

// SyncOptions holds flags for the sync command.
type SyncOptions struct {
	*RootOptions
	UserID      int64
	SyncType    string
	From        string
	To          string
	CalendarID  string
	IncludeAuto bool
}

// NewSyncCommand creates the sync command.
func NewSyncCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &SyncOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Run one sync for a user and print the summary",
		Long: `Run push, pull and cleanup once for a single user.

Example:
  calsync sync --user 1
  calsync sync --user 1 --type regular --from 2026-10-01 --to 2026-12-31`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := userFlagRequired(cmd, opts.UserID); err != nil {
				return err
			}
			return runSyncOnce(cmd, opts)
		},
	}

	cmd.Flags().Int64Var(&opts.UserID, "user", 0, "user id (required)")
	cmd.Flags().StringVar(&opts.SyncType, "type", "all", "sync type (all|regular|auto-generated)")
	cmd.Flags().StringVar(&opts.From, "from", "", "window start, YYYY-MM-DD")
	cmd.Flags().StringVar(&opts.To, "to", "", "window end, YYYY-MM-DD")
	cmd.Flags().StringVar(&opts.CalendarID, "calendar", "", "remote calendar id")
	cmd.Flags().BoolVar(&opts.IncludeAuto, "include-auto", false, "also push generated events on an all sync")
	_ = cmd.MarkFlagRequired("user")

	return cmd
}

func (o *SyncOptions) toDomain(loc *time.Location) (domain.SyncOptions, error) {
	syncType, err := domain.ParseSyncType(o.SyncType)
	if err != nil {
		return domain.SyncOptions{}, err
	}
	opts := domain.SyncOptions{
		CalendarID:           o.CalendarID,
		SyncType:             syncType,
		IncludeAutoGenerated: o.IncludeAuto,
	}
	if o.From != "" {
		if opts.TimeMin, err = time.ParseInLocation(domain.DateLayout, o.From, loc); err != nil {
			return domain.SyncOptions{}, fmt.Errorf("invalid --from: %w", err)
		}
	}
	if o.To != "" {
		to, err := time.ParseInLocation(domain.DateLayout, o.To, loc)
		if err != nil {
			return domain.SyncOptions{}, fmt.Errorf("invalid --to: %w", err)
		}
		// inclusive end date
		opts.TimeMax = to.AddDate(0, 0, 1)
	}
	return opts, nil
}

func runSyncOnce(cmd *cobra.Command, opts *SyncOptions) error {
	rt, err := openRuntime(opts.RootOptions)
	if err != nil {
		return err
	}
	defer rt.Close()

	syncOpts, err := opts.toDomain(rt.cfg.Timezone)
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid sync options", err)
	}

	svc, err := rt.services()
	if err != nil {
		return err
	}

	result, err := svc.sync.RunSync(cmd.Context(), opts.UserID, syncOpts)
	if result != nil {
		printSyncResult(cmd.OutOrStdout(), opts.UserID, result)
	}
	if err != nil {
		return WrapExitError(ExitCommandError, "sync aborted", err)
	}
	if result.HasErrors() {
		return NewExitError(ExitFailure, fmt.Sprintf("sync finished with %d error(s)", len(result.Errors)))
	}
	return nil
}

func printSyncResult(w io.Writer, userID int64, r *domain.SyncRunResult) {
	fmt.Fprintf(w, "User %d, %s sync\n", userID, r.SyncType)
	fmt.Fprintf(w, "  pushed:  %d\n", r.Pushed)
	fmt.Fprintf(w, "  pulled:  %d\n", r.Pulled)
	fmt.Fprintf(w, "  deleted: %d\n", r.Deleted)
	if !r.FinishedAt.IsZero() {
		fmt.Fprintf(w, "  took:    %s\n", r.FinishedAt.Sub(r.StartedAt).Round(time.Millisecond))
	}
	for _, e := range r.Errors {
		fmt.Fprintf(w, "  error: %s\n", e)
	}
}
