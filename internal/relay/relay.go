// Package relay forwards agent messages to the customer's external
// messaging channel: the WhatsApp HTTP gateway, Slack, or Discord. Relays
// implement the realtime.Relay collaborator and are picked per ticket by its
// channel kind.
package relay

import (
	"fmt"

	"github.com/luckbys/bkcrm-sub006/internal/config"
	"github.com/luckbys/bkcrm-sub006/internal/realtime"
)

// FromConfig builds the channel-kind -> relay map from configuration.
// Channels without credentials configured are simply absent from the map;
// sends on their tickets stay CRM-internal.
func FromConfig(cfg config.RelayConfig) (map[string]realtime.Relay, error) {
	relays := make(map[string]realtime.Relay)

	if cfg.WhatsApp.BaseURL != "" {
		w, err := NewWhatsApp(WhatsAppOpts{
			BaseURL:  cfg.WhatsApp.BaseURL,
			Instance: cfg.WhatsApp.Instance,
			APIKey:   cfg.WhatsApp.APIKey,
		})
		if err != nil {
			return nil, fmt.Errorf("relay: whatsapp: %w", err)
		}
		relays["whatsapp"] = w
	}

	if cfg.Slack.BotToken != "" {
		s, err := NewSlack(SlackOpts{
			BotToken:  cfg.Slack.BotToken,
			ChannelID: cfg.Slack.ChannelID,
		})
		if err != nil {
			return nil, fmt.Errorf("relay: slack: %w", err)
		}
		relays["slack"] = s
	}

	if cfg.Discord.BotToken != "" {
		d, err := NewDiscord(DiscordOpts{
			BotToken:  cfg.Discord.BotToken,
			ChannelID: cfg.Discord.ChannelID,
		})
		if err != nil {
			return nil, fmt.Errorf("relay: discord: %w", err)
		}
		relays["discord"] = d
	}

	return relays, nil
}
