// Package discord implements the transport over the Discord gateway: one
// Client per monitored account and one Bot for tenant private channels.
package discord

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/iago/tiprelay/internal/transport"
)

const intents = discordgo.IntentsGuildMessages | discordgo.IntentsDirectMessages | discordgo.IntentsMessageContent

func normalizeBotToken(token string) string {
	token = strings.TrimSpace(token)
	if strings.HasPrefix(strings.ToLower(token), "bot ") {
		return token
	}
	return "Bot " + token
}

// toMessage maps a gateway message. The first image attachment, or the first
// attachment of any type, becomes the media reference.
func toMessage(m *discordgo.MessageCreate, chatTitle string) (transport.Message, bool) {
	if m == nil || m.Message == nil || m.Author == nil {
		return transport.Message{}, false
	}
	sentAt := m.Timestamp.UTC()
	if sentAt.IsZero() {
		sentAt = time.Now().UTC()
	}
	msg := transport.Message{
		ID:        m.ID,
		ChatID:    m.ChannelID,
		ChatTitle: chatTitle,
		SenderID:  m.Author.ID,
		Text:      m.Content,
		MediaRef:  mediaRef(m.Attachments),
		Private:   m.GuildID == "",
		SentAt:    sentAt,
	}
	if m.MessageReference != nil {
		msg.ReplyToID = strings.TrimSpace(m.MessageReference.MessageID)
	}
	return msg, true
}

func mediaRef(attachments []*discordgo.MessageAttachment) string {
	fallback := ""
	for _, attachment := range attachments {
		if attachment == nil || attachment.URL == "" {
			continue
		}
		if strings.HasPrefix(strings.ToLower(attachment.ContentType), "image/") {
			return attachment.URL
		}
		if fallback == "" {
			fallback = attachment.URL
		}
	}
	return fallback
}

// isUnauthorized reports a REST failure caused by a revoked or invalid token.
func isUnauthorized(err error) bool {
	var restErr *discordgo.RESTError
	if !errors.As(err, &restErr) || restErr.Response == nil {
		return false
	}
	return restErr.Response.StatusCode == http.StatusUnauthorized
}
