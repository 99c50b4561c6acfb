// Package notify reports sync runs to a Telegram chat.
package notify

import (
	"fmt"
	"html"
	"net/http"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/tazhate/calsync/internal/domain"
)

// maxListedErrors caps the error lines of one message
const maxListedErrors = 10

type TelegramNotifier struct {
	api    *tgbotapi.BotAPI
	chatID int64
}

// NewTelegramNotifier authorizes the bot against the Bot API
func NewTelegramNotifier(token string, chatID int64) (*TelegramNotifier, error) {
	return NewTelegramNotifierWithClient(token, chatID, tgbotapi.APIEndpoint, &http.Client{})
}

// NewTelegramNotifierWithClient allows a custom endpoint, e.g. a local Bot API server
func NewTelegramNotifierWithClient(token string, chatID int64, endpoint string, client *http.Client) (*TelegramNotifier, error) {
	api, err := tgbotapi.NewBotAPIWithClient(token, endpoint, client)
	if err != nil {
		return nil, fmt.Errorf("create bot api: %w", err)
	}
	return NewTelegramNotifierFromAPI(api, chatID), nil
}

// NewTelegramNotifierFromAPI shares an authorized bot, e.g. with the command bot
func NewTelegramNotifierFromAPI(api *tgbotapi.BotAPI, chatID int64) *TelegramNotifier {
	return &TelegramNotifier{api: api, chatID: chatID}
}

func (n *TelegramNotifier) API() *tgbotapi.BotAPI {
	return n.api
}

func (n *TelegramNotifier) SendMessage(chatID int64, text string) error {
	msg := tgbotapi.NewMessage(chatID, text)
	msg.ParseMode = tgbotapi.ModeHTML
	msg.DisableWebPagePreview = true
	_, err := n.api.Send(msg)
	return err
}

// NotifyRun sends the run summary to the configured chat
func (n *TelegramNotifier) NotifyRun(userID int64, result *domain.SyncRunResult, runErr error) error {
	return n.SendMessage(n.chatID, FormatSyncSummary(userID, result, runErr))
}

// FormatSyncSummary renders a run as Telegram HTML
func FormatSyncSummary(userID int64, result *domain.SyncRunResult, runErr error) string {
	var sb strings.Builder

	if runErr != nil {
		fmt.Fprintf(&sb, "❌ <b>Sync failed</b> for user %d\n\n", userID)
		sb.WriteString(html.EscapeString(runErr.Error()))
		return sb.String()
	}
	if result == nil {
		return fmt.Sprintf("ℹ️ No sync result for user %d", userID)
	}

	icon := "✅"
	if result.HasErrors() {
		icon = "⚠️"
	}
	fmt.Fprintf(&sb, "%s <b>Sync finished</b> for user %d (%s)\n\n", icon, userID, result.SyncType)
	fmt.Fprintf(&sb, "⬆️ Pushed: %d\n⬇️ Pulled: %d\n🗑 Deleted: %d\n", result.Pushed, result.Pulled, result.Deleted)
	if !result.FinishedAt.IsZero() && !result.StartedAt.IsZero() {
		fmt.Fprintf(&sb, "⏱ %s\n", result.FinishedAt.Sub(result.StartedAt).Round(100*time.Millisecond))
	}

	if !result.HasErrors() {
		return sb.String()
	}

	fmt.Fprintf(&sb, "\n<b>Errors (%d):</b>\n", len(result.Errors))
	for i, e := range result.Errors {
		if i == maxListedErrors {
			fmt.Fprintf(&sb, "… and %d more\n", len(result.Errors)-maxListedErrors)
			break
		}
		fmt.Fprintf(&sb, "• %s\n", html.EscapeString(e))
	}
	return sb.String()
}
