package notify

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// SlackSender posts messages to a Slack incoming webhook.
type SlackSender struct {
	webhookURL string
	httpClient *http.Client
}

func NewSlackSender(webhookURL string) *SlackSender {
	return &SlackSender{
		webhookURL: webhookURL,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
}

func (s *SlackSender) Enabled() bool { return s.webhookURL != "" }

var slackPrefixes = map[Channel]string{
	ChannelTrades:   ":chart_with_upwards_trend:",
	ChannelAlerts:   ":warning:",
	ChannelSummary:  ":bar_chart:",
	ChannelCritical: ":rotating_light:",
}

func (s *SlackSender) Send(channel Channel, message string) error {
	if !s.Enabled() {
		return nil
	}
	payload := map[string]string{
		"text": fmt.Sprintf("%s [%s] %s", slackPrefixes[channel], channel, message),
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	resp, err := s.httpClient.Post(s.webhookURL, "application/json", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("slack webhook: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != 200 {
		return fmt.Errorf("slack webhook: status %d", resp.StatusCode)
	}
	return nil
}
