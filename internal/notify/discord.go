package notify

import (
	"context"
	"fmt"

	"github.com/bwmarrin/discordgo"

	"github.com/jensholdgaard/bidsync/internal/ledger"
)

// DiscordSender sends outbid notifications as Discord direct messages.
type DiscordSender struct {
	session *discordgo.Session
}

// NewDiscordSender creates a sender authenticated with a bot token. Only the
// REST API is used, so no gateway connection is opened.
func NewDiscordSender(token string) (*DiscordSender, error) {
	session, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, fmt.Errorf("creating discord session: %w", err)
	}
	return &DiscordSender{session: session}, nil
}

func (s *DiscordSender) Send(ctx context.Context, u User, n ledger.Notification) error {
	ch, err := s.session.UserChannelCreate(u.DiscordID, discordgo.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("opening DM channel for %s: %w", u.ID, err)
	}
	if _, err := s.session.ChannelMessageSend(ch.ID, outbidMessage(n), discordgo.WithContext(ctx)); err != nil {
		return fmt.Errorf("sending DM to %s: %w", u.ID, err)
	}
	return nil
}

func outbidMessage(n ledger.Notification) string {
	return fmt.Sprintf("You have been outbid on listing `%s`: your bid of **%s** was beaten by **%s**.",
		n.ListingID, n.OldAmount.StringFixed(2), n.NewAmount.StringFixed(2))
}
