package notify

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// DiscordSender posts messages to a Discord webhook.
type DiscordSender struct {
	webhookURL string
	httpClient *http.Client
}

func NewDiscordSender(webhookURL string) *DiscordSender {
	return &DiscordSender{
		webhookURL: webhookURL,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
}

func (d *DiscordSender) Enabled() bool { return d.webhookURL != "" }

type discordEmbed struct {
	Title       string `json:"title,omitempty"`
	Description string `json:"description,omitempty"`
	Color       int    `json:"color,omitempty"`
	Timestamp   string `json:"timestamp,omitempty"`
}

type discordMessage struct {
	Content string         `json:"content,omitempty"`
	Embeds  []discordEmbed `json:"embeds,omitempty"`
}

var discordColors = map[Channel]int{
	ChannelTrades:   0x36a64f, // green
	ChannelAlerts:   0xf39c12, // orange
	ChannelSummary:  0x3498db, // blue
	ChannelCritical: 0xe74c3c, // red
}

func (d *DiscordSender) Send(channel Channel, message string) error {
	if !d.Enabled() {
		return nil
	}
	msg := discordMessage{
		Embeds: []discordEmbed{{
			Title:       string(channel),
			Description: message,
			Color:       discordColors[channel],
			Timestamp:   time.Now().Format(time.RFC3339),
		}},
	}
	body, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	resp, err := d.httpClient.Post(d.webhookURL, "application/json", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("discord webhook: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("discord webhook: status %d", resp.StatusCode)
	}
	return nil
}
