package reply

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseReply(t *testing.T) {
	tests := []struct {
		text  string
		value *float64
		stake *float64
	}{
		{text: "1.90", value: ptr(1.90)},
		{text: "1,95", value: ptr(1.95)},
		{text: "0", value: ptr(0)},
		{text: "abc"},
		{text: "took it @ 2.05", value: ptr(2.05)},
		{text: "stake 2 1.80", value: ptr(1.80), stake: ptr(2)},
		{text: "1.80 stake: 3u", value: ptr(1.80), stake: ptr(3)},
		{text: "2u 1.75", value: ptr(1.75), stake: ptr(2)},
		{text: "1.75 1.5 units", value: ptr(1.75), stake: ptr(1.5)},
		{text: "meia 1.70", value: ptr(1.70), stake: ptr(0.5)},
		{text: "half unit 0", value: ptr(0), stake: ptr(0.5)},
		{text: "stake 3", stake: ptr(3)},
	}

	for _, tt := range tests {
		t.Run(tt.text, func(t *testing.T) {
			got := ParseReply(tt.text)
			assertFloatPtr(t, tt.value, got.Value)
			assertFloatPtr(t, tt.stake, got.Stake)
		})
	}
}

func TestParsedRejected(t *testing.T) {
	assert.True(t, ParseReply("0").Rejected())
	assert.False(t, ParseReply("1.5").Rejected())
	assert.False(t, ParseReply("nope").Rejected())
}

func ptr(v float64) *float64 { return &v }

func assertFloatPtr(t *testing.T, want, got *float64) {
	t.Helper()
	if want == nil {
		assert.Nil(t, got)
		return
	}
	require.NotNil(t, got)
	assert.InDelta(t, *want, *got, 1e-9)
}
