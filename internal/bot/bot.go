// Package bot lets the admin chat trigger syncs and inspect the activity log.
package bot

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/tazhate/calsync/internal/domain"
)

// commandRunTimeout bounds a sync started from the chat
const commandRunTimeout = 5 * time.Minute

type SyncTrigger interface {
	RunNow(ctx context.Context, userID int64, opts domain.SyncOptions) (*domain.SyncRunResult, error)
}

type ActivityLister interface {
	ListSyncActivity(ctx context.Context, userID int64, limit int) ([]*domain.SyncActivity, error)
}

// Bot answers commands from a single configured chat and ignores everyone else.
type Bot struct {
	api      *tgbotapi.BotAPI
	chatID   int64
	sync     SyncTrigger
	activity ActivityLister
	logger   *slog.Logger
}

func New(api *tgbotapi.BotAPI, chatID int64, sync SyncTrigger, activity ActivityLister, logger *slog.Logger) *Bot {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bot{
		api:      api,
		chatID:   chatID,
		sync:     sync,
		activity: activity,
		logger:   logger,
	}
}

func (b *Bot) setCommands() {
	commands := []tgbotapi.BotCommand{
		{Command: "sync", Description: "🔄 Sync a user: /sync <user> [type]"},
		{Command: "activity", Description: "📜 Recent sync activity: /activity <user>"},
		{Command: "help", Description: "❓ Command help"},
	}

	if _, err := b.api.Request(tgbotapi.NewSetMyCommands(commands...)); err != nil {
		b.logger.Warn("failed to set bot commands", "err", err)
	}
}

// Start long-polls for updates until ctx is done
func (b *Bot) Start(ctx context.Context) error {
	b.setCommands()

	u := tgbotapi.NewUpdate(0)
	u.Timeout = 30
	updates := b.api.GetUpdatesChan(u)
	b.logger.Info("telegram bot polling", "bot", b.api.Self.UserName)

	for {
		select {
		case <-ctx.Done():
			b.api.StopReceivingUpdates()
			return nil
		case update, ok := <-updates:
			if !ok {
				return nil
			}
			go b.handleUpdate(ctx, update)
		}
	}
}

func (b *Bot) handleUpdate(ctx context.Context, update tgbotapi.Update) {
	switch {
	case update.CallbackQuery != nil:
		b.handleCallback(ctx, update.CallbackQuery)
	case update.Message != nil && update.Message.IsCommand():
		msg := update.Message
		if !b.allowed(msg.Chat.ID) {
			b.logger.Warn("command from unknown chat", "chat_id", msg.Chat.ID)
			return
		}
		b.send(b.handleCommand(ctx, msg.Command(), msg.CommandArguments()))
	}
}

func (b *Bot) handleCallback(ctx context.Context, callback *tgbotapi.CallbackQuery) {
	if callback.Message == nil || !b.allowed(callback.Message.Chat.ID) {
		_, _ = b.api.Request(tgbotapi.NewCallback(callback.ID, "⛔ Access denied"))
		return
	}

	userID, syncType, ok := parseSyncCallback(callback.Data)
	if !ok {
		_, _ = b.api.Request(tgbotapi.NewCallback(callback.ID, "Unknown action"))
		return
	}
	_, _ = b.api.Request(tgbotapi.NewCallback(callback.ID, "🔄 Syncing…"))
	b.send(b.runSync(ctx, userID, syncType))
}

func (b *Bot) allowed(chatID int64) bool {
	return chatID == b.chatID
}

func (b *Bot) send(r reply) {
	msg := tgbotapi.NewMessage(b.chatID, r.text)
	msg.ParseMode = tgbotapi.ModeHTML
	msg.DisableWebPagePreview = true
	if r.keyboard != nil {
		msg.ReplyMarkup = *r.keyboard
	}
	if _, err := b.api.Send(msg); err != nil {
		b.logger.Error("send telegram reply", "err", err)
	}
}

// Keyboards

func syncAgainKeyboard(userID int64, syncType domain.SyncType) *tgbotapi.InlineKeyboardMarkup {
	kb := tgbotapi.NewInlineKeyboardMarkup(
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("🔄 Sync again", fmt.Sprintf("sync:%d:%s", userID, syncType)),
		),
	)
	return &kb
}
