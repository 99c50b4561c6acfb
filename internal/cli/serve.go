package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/tazhate/calsync/internal/api"
	"github.com/tazhate/calsync/internal/bot"
	"github.com/tazhate/calsync/internal/notify"
	"github.com/tazhate/calsync/internal/scheduler"
	"github.com/tazhate/calsync/internal/websocket"
)

const shutdownTimeout = 10 * time.Second

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the scheduler and the HTTP API",
		Long: `Run scheduled syncs for every connected user and serve the HTTP API.

The API is only mounted when API_USERNAME and API_PASSWORD are set.
With TELEGRAM_BOT_TOKEN and TELEGRAM_CHAT_ID, failed runs are reported to
that chat and the chat may run /sync and /activity.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, rootOpts)
		},
	}
}

func runServe(cmd *cobra.Command, rootOpts *RootOptions) error {
	rt, err := openRuntime(rootOpts)
	if err != nil {
		return err
	}
	defer rt.Close()

	svc, err := rt.services()
	if err != nil {
		return err
	}

	parent := cmd.Context()
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	hub := websocket.NewHub(rt.logger)
	go hub.Run(ctx)

	sched := scheduler.New(rt.cfg, svc.sync, rt.store, rt.logger)
	sched.SetPublisher(websocket.NewPublisher(hub))
	if rt.cfg.NotifierEnabled() {
		notifier, err := notify.NewTelegramNotifier(rt.cfg.TelegramToken, rt.cfg.TelegramChatID)
		if err != nil {
			// telegram is optional, keep serving without it
			rt.logger.Error("telegram disabled", "err", err)
		} else {
			sched.SetNotifier(notifier)
			tgBot := bot.New(notifier.API(), rt.cfg.TelegramChatID, sched, rt.store, rt.logger)
			go func() {
				if err := tgBot.Start(ctx); err != nil {
					rt.logger.Error("telegram bot stopped", "err", err)
				}
			}()
		}
	}

	schedErr := make(chan error, 1)
	go func() {
		schedErr <- sched.Start(ctx)
	}()

	srv := api.NewServer(
		api.Credentials{Username: rt.cfg.APIUsername, Password: rt.cfg.APIPassword},
		sched, svc.calendar, svc.sync, rt.store, hub, rt.logger,
	)
	httpServer := &http.Server{
		Addr:              ":" + rt.cfg.ServerPort,
		Handler:           srv.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	httpErr := make(chan error, 1)
	go func() {
		rt.logger.Info("HTTP server listening", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			httpErr <- err
		}
		close(httpErr)
	}()

	fmt.Fprintln(cmd.OutOrStdout(), "calsync started. Press Ctrl-C to stop.")

	var runErr error
	select {
	case <-ctx.Done():
		rt.logger.Info("shutting down")
	case err := <-schedErr:
		if err != nil {
			runErr = WrapExitError(ExitCommandError, "scheduler failed", err)
		}
	case err, ok := <-httpErr:
		if ok && err != nil {
			runErr = WrapExitError(ExitCommandError, "HTTP server failed", err)
		}
	}
	stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		rt.logger.Error("error stopping HTTP server", "err", err)
	}
	sched.Stop()

	rt.logger.Info("calsync stopped")
	return runErr
}
