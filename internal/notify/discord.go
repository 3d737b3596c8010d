package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

const senderTimeout = 10 * time.Second

// Embed colours.
const (
	discordGreen = 0x2ecc71
	discordRed   = 0xe74c3c
)

type discordEmbedField struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Inline bool   `json:"inline"`
}

type discordEmbed struct {
	Title  string              `json:"title"`
	Color  int                 `json:"color"`
	Fields []discordEmbedField `json:"fields,omitempty"`
}

type discordMessage struct {
	Embeds []discordEmbed `json:"embeds"`
}

// DiscordSender posts alerts to a webhook as a single embed.
type DiscordSender struct {
	webhookURL string
	client     *http.Client
}

func NewDiscordSender(webhookURL string) *DiscordSender {
	return &DiscordSender{webhookURL: webhookURL, client: &http.Client{Timeout: senderTimeout}}
}

func (d *DiscordSender) Name() string { return "discord" }

func (d *DiscordSender) Send(ctx context.Context, a Alert) error {
	embed := discordEmbed{Title: a.Title, Color: discordGreen}
	if a.Failed {
		embed.Color = discordRed
	}
	for _, f := range a.Fields {
		// Discord rejects embeds with an empty field value.
		v := f.Value
		if v == "" {
			v = "-"
		}
		embed.Fields = append(embed.Fields, discordEmbedField{Name: f.Name, Value: v, Inline: len(v) <= 24})
	}
	return post(ctx, d.client, d.webhookURL, discordMessage{Embeds: []discordEmbed{embed}})
}

// post sends payload as JSON. Anything but a 2xx answer is an error carrying
// the start of the response body.
func post(ctx context.Context, client *http.Client, url string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("status %d: %s", resp.StatusCode, bytes.TrimSpace(snippet))
	}
	return nil
}
