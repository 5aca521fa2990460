package notify

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/bwmarrin/discordgo"

	"github.com/bardlex/gominer/internal/messaging"
	"github.com/bardlex/gominer/pkg/errors"
	"github.com/bardlex/gominer/pkg/log"
)

// ChannelSender is the part of a discordgo session used for alerts
type ChannelSender interface {
	ChannelMessageSend(channelID, content string, options ...discordgo.RequestOption) (*discordgo.Message, error)
}

// Discord posts pool events to a channel. Messages are queued and sent by
// Run so callers never block on the Discord API.
type Discord struct {
	sender    ChannelSender
	channelID string
	prefix    string
	queue     chan string
	dropped   atomic.Int64
	logger    *log.Logger
}

// NewDiscord creates a bot session for token posting to channelID
func NewDiscord(token, channelID, prefix string, logger *log.Logger) (*Discord, error) {
	token = strings.TrimSpace(token)
	channelID = strings.TrimSpace(channelID)
	if token == "" || channelID == "" {
		return nil, errors.New(errors.ErrorTypeValidation, "discord.new", "bot token and channel id are required")
	}
	dg, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeNetwork, "discord.new", "failed to create Discord session")
	}
	return NewDiscordWithSender(dg, channelID, prefix, logger), nil
}

// NewDiscordWithSender wraps an existing sender
func NewDiscordWithSender(sender ChannelSender, channelID, prefix string, logger *log.Logger) *Discord {
	if logger == nil {
		logger = log.Nop()
	}
	return &Discord{
		sender:    sender,
		channelID: channelID,
		prefix:    prefix,
		queue:     make(chan string, 64),
		logger:    logger.WithComponent("discord"),
	}
}

// FormatEvent renders ev as one chat line. Events not worth an alert
// yield "".
func FormatEvent(ev messaging.PoolEvent) string {
	switch ev.Event {
	case messaging.EventBlockFound:
		if ev.Height > 0 {
			return fmt.Sprintf(":tada: Block %d found via pool %d (%s): %s", ev.Height, ev.Pool, ev.URL, ev.BlockHash)
		}
		return fmt.Sprintf(":tada: Block found via pool %d (%s): %s", ev.Pool, ev.URL, ev.BlockHash)
	case messaging.EventPoolDisabled:
		return fmt.Sprintf(":no_entry: Pool %d (%s) disabled: %s", ev.Pool, ev.URL, ev.Reason)
	case messaging.EventPoolDied:
		return fmt.Sprintf(":warning: Pool %d (%s) not responding", ev.Pool, ev.URL)
	case messaging.EventPoolAlive:
		return fmt.Sprintf(":white_check_mark: Pool %d (%s) alive", ev.Pool, ev.URL)
	case messaging.EventPoolSwitch:
		return fmt.Sprintf(":arrows_counterclockwise: Switched to pool %d (%s)", ev.Pool, ev.URL)
	}
	return ""
}

// Notify queues an alert for ev. A full queue drops the alert.
func (d *Discord) Notify(ev messaging.PoolEvent) {
	msg := FormatEvent(ev)
	if msg == "" {
		return
	}
	if d.prefix != "" {
		msg = d.prefix + " " + msg
	}
	select {
	case d.queue <- msg:
	default:
		d.dropped.Add(1)
	}
}

// Dropped returns the number of alerts lost to a full queue
func (d *Discord) Dropped() int64 {
	return d.dropped.Load()
}

// Run sends queued alerts until ctx is done
func (d *Discord) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-d.queue:
			if _, err := d.sender.ChannelMessageSend(d.channelID, msg); err != nil {
				d.logger.WithError(err).Warn("Failed to send Discord alert")
			}
		}
	}
}
