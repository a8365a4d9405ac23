// Package notify holds the outbound notification contract and the texts the
// tenant sees.
package notify

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/iago/tiprelay/internal/domain"
)

// Notifier delivers text to a tenant's private channel and returns the
// provider-assigned message id.
type Notifier interface {
	Notify(ctx context.Context, tenantID, text string) (string, error)
}

func EventText(event domain.DetectedEvent) string {
	builder := strings.Builder{}
	builder.WriteString("New tip detected\n")
	if event.SourceChatTitle != "" {
		builder.WriteString("Source: " + event.SourceChatTitle + "\n")
	}
	if event.Match != "" {
		builder.WriteString("Match: " + event.Match + "\n")
	}
	if event.Selection != "" {
		builder.WriteString("Selection: " + event.Selection + "\n")
	}
	if event.Odds > 0 {
		builder.WriteString("Odds: " + formatNumber(event.Odds) + "\n")
	}
	if event.Stake > 0 {
		builder.WriteString("Stake: " + formatNumber(event.Stake) + "u\n")
	}
	builder.WriteString("\nReply to this message with the odds you took, or 0 if you did not take it.")
	return builder.String()
}

func ConfirmedText(event domain.DetectedEvent) string {
	odds := 0.0
	if event.ConfirmedOdds != nil {
		odds = *event.ConfirmedOdds
	}
	return fmt.Sprintf("Confirmed %s @ %s (stake %su).", describe(event), formatNumber(odds), formatNumber(event.Stake))
}

func RejectedText(event domain.DetectedEvent) string {
	return fmt.Sprintf("Marked %s as not taken.", describe(event))
}

// MalformedText asks for another reply. A stake understood from the malformed
// reply is echoed back but not applied.
func MalformedText(stake *float64) string {
	message := "Could not read the odds from your reply. Reply again with a number like 1.90, or 0 if you did not take it."
	if stake != nil {
		message += fmt.Sprintf(" (Stake %su was understood; include it again with the odds.)", formatNumber(*stake))
	}
	return message
}

func FailureText() string {
	return "Something went wrong while saving your reply. Please reply again in a moment."
}

func describe(event domain.DetectedEvent) string {
	parts := make([]string, 0, 2)
	if event.Match != "" {
		parts = append(parts, event.Match)
	}
	if event.Selection != "" {
		parts = append(parts, event.Selection)
	}
	if len(parts) == 0 {
		return "tip " + event.ID
	}
	return strings.Join(parts, " / ")
}

func formatNumber(value float64) string {
	return strconv.FormatFloat(value, 'f', -1, 64)
}
