package notification

import (
	"context"
	"fmt"
	"log"
	"strings"
)

// TelegramNotifier posts alerts to a chat through the Telegram Bot API.
type TelegramNotifier struct {
	token   string
	chatID  string
	baseURL string
	poster
}

var levelBadge = map[AlertLevel]string{
	AlertInfo:     "ℹ️",
	AlertWarning:  "⚠️",
	AlertCritical: "🚨",
}

// markdownV2 escapes every character MarkdownV2 reserves.
var markdownV2 = strings.NewReplacer(
	`_`, `\_`, `*`, `\*`, `[`, `\[`, `]`, `\]`, `(`, `\(`, `)`, `\)`,
	`~`, `\~`, "`", "\\`", `>`, `\>`, `#`, `\#`, `+`, `\+`, `-`, `\-`,
	`=`, `\=`, `|`, `\|`, `{`, `\{`, `}`, `\}`, `.`, `\.`, `!`, `\!`,
)

func NewTelegramNotifier(token, chatID string) *TelegramNotifier {
	return &TelegramNotifier{
		token:   token,
		chatID:  chatID,
		baseURL: "https://api.telegram.org",
		poster:  newPoster("telegram"),
	}
}

func (t *TelegramNotifier) Send(ctx context.Context, alert Alert) error {
	err := t.post(ctx, fmt.Sprintf("%s/bot%s/sendMessage", t.baseURL, t.token), map[string]string{
		"chat_id":    t.chatID,
		"text":       t.format(alert),
		"parse_mode": "MarkdownV2",
	})
	if err != nil {
		return err
	}
	log.Printf("[telegram] delivered %s alert %q", alert.Level, alert.Title)
	return nil
}

// format renders "<badge> *SYMBOL title*", the body, then the trace id in
// monospace.
func (t *TelegramNotifier) format(alert Alert) string {
	title := strings.TrimSpace(alert.Symbol + " " + alert.Title)
	badge, ok := levelBadge[alert.Level]
	if !ok {
		badge = levelBadge[AlertInfo]
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%s *%s*\n\n%s", badge, escapeMarkdown(title), escapeMarkdown(alert.Body()))
	if alert.TraceID != "" {
		fmt.Fprintf(&b, "\n\n`%s`", alert.TraceID)
	}
	return b.String()
}

func escapeMarkdown(s string) string { return markdownV2.Replace(s) }
