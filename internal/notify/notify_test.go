package notify

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/iago/tiprelay/internal/domain"
)

func TestEventTextIncludesFields(t *testing.T) {
	text := EventText(domain.DetectedEvent{
		Match:           "Team A vs Team B",
		Selection:       "line +1.5",
		Odds:            1.85,
		Stake:           1,
		SourceChatTitle: "Tips VIP",
	})
	assert.Contains(t, text, "Team A vs Team B")
	assert.Contains(t, text, "Odds: 1.85")
	assert.Contains(t, text, "Source: Tips VIP")
	assert.Contains(t, text, "Reply to this message")
}

func TestConfirmedAndRejectedTexts(t *testing.T) {
	odds := 1.9
	event := domain.DetectedEvent{ID: "ev-1", Match: "A vs B", Stake: 2, ConfirmedOdds: &odds}
	assert.Equal(t, "Confirmed A vs B @ 1.9 (stake 2u).", ConfirmedText(event))
	assert.Equal(t, "Marked tip ev-2 as not taken.", RejectedText(domain.DetectedEvent{ID: "ev-2"}))
}

func TestMalformedTextEchoesStake(t *testing.T) {
	assert.NotContains(t, MalformedText(nil), "Stake")
	stake := 0.5
	assert.Contains(t, MalformedText(&stake), "Stake 0.5u")
}
