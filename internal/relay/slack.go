package relay

import (
	"context"
	"fmt"

	slackapi "github.com/slack-go/slack"
	"github.com/luckbys/bkcrm-sub006/internal/models"
)

// slackClient abstracts the Slack API methods we use, enabling test mocks.
type slackClient interface {
	PostMessageContext(ctx context.Context, channelID string, options ...slackapi.MsgOption) (string, string, error)
}

// Slack relays messages into a Slack channel. Tickets may carry their own
// channel in ContactID; otherwise the configured default channel is used.
type Slack struct {
	client    slackClient
	channelID string
}

// SlackOpts holds parameters for creating a Slack relay.
type SlackOpts struct {
	BotToken  string // xoxb-... bot token
	ChannelID string // default channel when the ticket names none
	// Client injects a mock instead of the real Slack API, for tests.
	Client slackClient
}

// NewSlack creates a Slack relay.
func NewSlack(opts SlackOpts) (*Slack, error) {
	if opts.Client == nil && opts.BotToken == "" {
		return nil, fmt.Errorf("slack: bot token is required")
	}
	client := opts.Client
	if client == nil {
		client = slackapi.New(opts.BotToken)
	}
	return &Slack{client: client, channelID: opts.ChannelID}, nil
}

// Name implements realtime.Relay.
func (s *Slack) Name() string { return "slack" }

// RelayMessage implements realtime.Relay.
func (s *Slack) RelayMessage(ctx context.Context, ticket *models.Ticket, content string) error {
	channel := ticket.ContactID
	if channel == "" {
		channel = s.channelID
	}
	if channel == "" {
		return fmt.Errorf("slack: no channel for ticket %s", ticket.ID)
	}

	_, _, err := s.client.PostMessageContext(ctx, channel, slackapi.MsgOptionText(content, false))
	if err != nil {
		return fmt.Errorf("slack: post to %s: %w", channel, err)
	}
	return nil
}
