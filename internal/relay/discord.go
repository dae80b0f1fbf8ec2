package relay

import (
	"context"
	"fmt"

	"github.com/bwmarrin/discordgo"
	"github.com/luckbys/bkcrm-sub006/internal/models"
)

// discordSession abstracts the discordgo.Session methods we use, enabling
// test mocks.
type discordSession interface {
	ChannelMessageSend(channelID, content string, options ...discordgo.RequestOption) (*discordgo.Message, error)
}

// Discord relays messages into a Discord channel over the REST API. No
// gateway connection is needed for outbound-only relay.
type Discord struct {
	sess      discordSession
	channelID string
}

// DiscordOpts holds parameters for creating a Discord relay.
type DiscordOpts struct {
	BotToken  string
	ChannelID string // default channel when the ticket names none
	// Session injects a mock instead of a real discordgo session, for tests.
	Session discordSession
}

// NewDiscord creates a Discord relay.
func NewDiscord(opts DiscordOpts) (*Discord, error) {
	if opts.Session == nil && opts.BotToken == "" {
		return nil, fmt.Errorf("discord: bot token is required")
	}
	sess := opts.Session
	if sess == nil {
		s, err := discordgo.New("Bot " + opts.BotToken)
		if err != nil {
			return nil, fmt.Errorf("discord: create session: %w", err)
		}
		sess = s
	}
	return &Discord{sess: sess, channelID: opts.ChannelID}, nil
}

// Name implements realtime.Relay.
func (d *Discord) Name() string { return "discord" }

// RelayMessage implements realtime.Relay.
func (d *Discord) RelayMessage(ctx context.Context, ticket *models.Ticket, content string) error {
	channel := ticket.ContactID
	if channel == "" {
		channel = d.channelID
	}
	if channel == "" {
		return fmt.Errorf("discord: no channel for ticket %s", ticket.ID)
	}

	_, err := d.sess.ChannelMessageSend(channel, content, discordgo.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("discord: send to %s: %w", channel, err)
	}
	return nil
}
