package bot

import (
	"context"
	"fmt"
	"html"
	"strconv"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/tazhate/calsync/internal/domain"
	"github.com/tazhate/calsync/internal/notify"
)

const (
	defaultActivityLines = 10
	maxActivityLines     = 50
)

type reply struct {
	text     string
	keyboard *tgbotapi.InlineKeyboardMarkup
}

func (b *Bot) handleCommand(ctx context.Context, cmd, args string) reply {
	fields := strings.Fields(args)

	switch cmd {
	case "start", "help":
		return reply{text: helpText}
	case "sync":
		return b.cmdSync(ctx, fields)
	case "activity":
		return b.cmdActivity(ctx, fields)
	default:
		return reply{text: "Unknown command. /help for the list of commands"}
	}
}

const helpText = `<b>Commands:</b>

/sync USER [all|regular|auto-generated] — run a sync now
/activity USER [N] — last N activity entries`

func (b *Bot) cmdSync(ctx context.Context, args []string) reply {
	if len(args) == 0 {
		return reply{text: "Usage: /sync USER [all|regular|auto-generated]"}
	}
	userID, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil || userID <= 0 {
		return reply{text: "❌ Invalid user id: " + html.EscapeString(args[0])}
	}

	var typeArg string
	if len(args) > 1 {
		typeArg = args[1]
	}
	syncType, err := domain.ParseSyncType(typeArg)
	if err != nil {
		return reply{text: "❌ " + html.EscapeString(err.Error())}
	}
	return b.runSync(ctx, userID, syncType)
}

func (b *Bot) runSync(ctx context.Context, userID int64, syncType domain.SyncType) reply {
	runCtx, cancel := context.WithTimeout(ctx, commandRunTimeout)
	defer cancel()

	result, err := b.sync.RunNow(runCtx, userID, domain.SyncOptions{SyncType: syncType})
	return reply{
		text:     notify.FormatSyncSummary(userID, result, err),
		keyboard: syncAgainKeyboard(userID, syncType),
	}
}

func (b *Bot) cmdActivity(ctx context.Context, args []string) reply {
	if len(args) == 0 {
		return reply{text: "Usage: /activity USER [N]"}
	}
	userID, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil || userID <= 0 {
		return reply{text: "❌ Invalid user id: " + html.EscapeString(args[0])}
	}

	limit := defaultActivityLines
	if len(args) > 1 {
		n, err := strconv.Atoi(args[1])
		if err != nil || n <= 0 {
			return reply{text: "❌ Invalid count: " + html.EscapeString(args[1])}
		}
		limit = min(n, maxActivityLines)
	}

	entries, err := b.activity.ListSyncActivity(ctx, userID, limit)
	if err != nil {
		b.logger.Error("list activity", "user_id", userID, "err", err)
		return reply{text: "❌ Failed to load activity"}
	}
	if len(entries) == 0 {
		return reply{text: fmt.Sprintf("No sync activity for user %d", userID)}
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "📜 <b>Activity</b> for user %d\n\n", userID)
	for _, a := range entries {
		fmt.Fprintf(&sb, "• %s <b>%s</b> %s: %s\n",
			a.CreatedAt.Format("02.01 15:04"),
			html.EscapeString(a.Phase),
			html.EscapeString(a.Status),
			html.EscapeString(a.Message),
		)
	}
	return reply{text: sb.String()}
}

// parseSyncCallback reads "sync:<user>:<type>" button data
func parseSyncCallback(data string) (int64, domain.SyncType, bool) {
	parts := strings.SplitN(data, ":", 3)
	if len(parts) != 3 || parts[0] != "sync" {
		return 0, "", false
	}
	userID, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil || userID <= 0 {
		return 0, "", false
	}
	syncType, err := domain.ParseSyncType(parts[2])
	if err != nil {
		return 0, "", false
	}
	return userID, syncType, true
}
