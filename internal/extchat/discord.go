package extchat

import (
	"context"
	"fmt"

	"github.com/bwmarrin/discordgo"
	"github.com/rs/zerolog"
)

// DiscordBridge runs a gateway session and fans inbound messages into the
// shared routing service. Discord pushes over the gateway, so unlike
// Telegram there is no HTTP webhook leg.
type DiscordBridge struct {
	session *discordgo.Session
	service *Service
	log     zerolog.Logger
}

func NewDiscordBridge(token string, service *Service, log zerolog.Logger) (*DiscordBridge, error) {
	session, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, fmt.Errorf("discord: %w", err)
	}
	session.Identify.Intents = discordgo.IntentGuildMessages |
		discordgo.IntentDirectMessages |
		discordgo.IntentMessageContent

	b := &DiscordBridge{
		session: session,
		service: service,
		log:     log.With().Str("component", "discord").Logger(),
	}
	session.AddHandler(b.onMessage)
	return b, nil
}

// Open connects the gateway.
func (b *DiscordBridge) Open() error {
	if err := b.session.Open(); err != nil {
		return fmt.Errorf("discord: open gateway: %w", err)
	}
	b.log.Info().Msg("discord gateway connected")
	return nil
}

func (b *DiscordBridge) Close() error {
	return b.session.Close()
}

func (b *DiscordBridge) onMessage(s *discordgo.Session, m *discordgo.MessageCreate) {
	if m.Author == nil || m.Author.Bot || m.Content == "" {
		return
	}
	if s.State != nil && s.State.User != nil && m.Author.ID == s.State.User.ID {
		return
	}
	go b.process(m)
}

func (b *DiscordBridge) process(m *discordgo.MessageCreate) {
	ctx, cancel := context.WithTimeout(context.Background(), inboundTimeout)
	defer cancel()

	channelID := m.ChannelID
	if err := b.session.ChannelTyping(channelID); err != nil {
		b.log.Debug().Err(err).Msg("typing indicator failed")
	}

	b.service.HandleInbound(ctx, InboundMessage{
		Platform:   PlatformDiscord,
		ExternalID: m.Author.ID,
		Username:   m.Author.Username,
		Text:       m.Content,
	}, func(text string) error {
		_, err := b.session.ChannelMessageSend(channelID, text)
		return err
	})
}
