package notify

import (
	"context"
	"html"
	"net/http"
	"strings"
)

const telegramAPI = "https://api.telegram.org"

// TelegramSender sends alerts through the Bot API as HTML messages.
type TelegramSender struct {
	baseURL string
	token   string
	chatID  string
	client  *http.Client
}

func NewTelegramSender(token, chatID string) *TelegramSender {
	return &TelegramSender{
		baseURL: telegramAPI,
		token:   token,
		chatID:  chatID,
		client:  &http.Client{Timeout: senderTimeout},
	}
}

func (t *TelegramSender) Name() string { return "telegram" }

func (t *TelegramSender) Send(ctx context.Context, a Alert) error {
	return post(ctx, t.client, t.baseURL+"/bot"+t.token+"/sendMessage", map[string]any{
		"chat_id":                  t.chatID,
		"text":                     telegramHTML(a),
		"parse_mode":               "HTML",
		"disable_web_page_preview": true,
	})
}

// telegramHTML renders a with a bold title and escaped values.
func telegramHTML(a Alert) string {
	var b strings.Builder
	mark := "✅ "
	if a.Failed {
		mark = "❌ "
	}
	b.WriteString(mark + "<b>" + html.EscapeString(a.Title) + "</b>")
	for _, f := range a.Fields {
		b.WriteString("\n" + html.EscapeString(f.Name) + ": <code>" + html.EscapeString(f.Value) + "</code>")
	}
	return b.String()
}
