// Package notify is the alert sink: a queued dual-channel (Slack + Discord)
// webhook notifier. Routine cycle summaries are queued and flushed after a
// tick; critical alerts (guaranteed-win path errors, first detections) are
// sent immediately.
package notify

import (
	"log/slog"
	"sync"
)

// Channel routes a message to a severity/topic class.
type Channel string

const (
	ChannelTrades   Channel = "trades"
	ChannelAlerts   Channel = "alerts"
	ChannelSummary  Channel = "summary"
	ChannelCritical Channel = "critical"
)

type queued struct {
	channel Channel
	message string
}

// Notifier fans messages out to every enabled webhook. The queue is an
// in-memory slice guarded by a mutex so that messages queued during one
// tick survive until the scheduler flushes them.
type Notifier struct {
	slack   *SlackSender
	discord *DiscordSender
	logger  *slog.Logger

	mu      sync.Mutex
	pending []queued
}

func New(slackWebhookURL, discordWebhookURL string, logger *slog.Logger) *Notifier {
	n := &Notifier{
		slack:   NewSlackSender(slackWebhookURL),
		discord: NewDiscordSender(discordWebhookURL),
		logger:  logger,
	}
	if n.slack.Enabled() {
		logger.Info("slack notifications enabled")
	}
	if n.discord.Enabled() {
		logger.Info("discord notifications enabled")
	}
	return n
}

func (n *Notifier) Enabled() bool {
	return n.slack.Enabled() || n.discord.Enabled()
}

// Queue enqueues a routine message for the next Flush.
func (n *Notifier) Queue(channel Channel, message string) {
	n.mu.Lock()
	n.pending = append(n.pending, queued{channel, message})
	n.mu.Unlock()
}

// Critical sends immediately, bypassing the queue.
func (n *Notifier) Critical(message string) {
	n.deliver(ChannelCritical, message)
}

// Flush drains the queue, delivering every pending message in order.
func (n *Notifier) Flush() {
	n.mu.Lock()
	batch := n.pending
	n.pending = nil
	n.mu.Unlock()

	for _, q := range batch {
		n.deliver(q.channel, q.message)
	}
}

func (n *Notifier) deliver(channel Channel, message string) {
	if n.slack.Enabled() {
		if err := n.slack.Send(channel, message); err != nil {
			n.logger.Warn("slack send failed", "err", err)
		}
	}
	if n.discord.Enabled() {
		if err := n.discord.Send(channel, message); err != nil {
			n.logger.Warn("discord send failed", "err", err)
		}
	}
}
