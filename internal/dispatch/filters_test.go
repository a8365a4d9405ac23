package dispatch

import (
	"testing"
	"time"
	_ "time/tzdata"

	"github.com/stretchr/testify/assert"

	"github.com/iago/tiprelay/internal/domain"
)

func TestApplyFiltersOrder(t *testing.T) {
	noon := time.Date(2026, 3, 4, 12, 0, 0, 0, time.UTC) // Wednesday

	tests := []struct {
		name   string
		cfg    domain.FilterConfig
		sender string
		text   string
		want   FilterResult
	}{
		{name: "no filters", want: FilterPassed, sender: "a", text: "anything"},
		{
			name:   "blocked wins over allowed",
			cfg:    domain.FilterConfig{BlockedSenders: []string{"a"}, AllowedSenders: []string{"a"}},
			sender: "a",
			want:   FilterBlockedSender,
		},
		{
			name:   "allow list excludes others",
			cfg:    domain.FilterConfig{AllowedSenders: []string{"b"}},
			sender: "a",
			want:   FilterNotAllowed,
		},
		{
			name:   "exclude keyword case insensitive",
			cfg:    domain.FilterConfig{ExcludeKeywords: []string{"Live"}},
			sender: "a",
			text:   "LIVE bet now",
			want:   FilterExcludeKeyword,
		},
		{
			name:   "include keyword required",
			cfg:    domain.FilterConfig{IncludeKeywords: []string{"odd"}},
			sender: "a",
			text:   "good morning",
			want:   FilterMissingInclude,
		},
		{
			name:   "blank include list is ignored",
			cfg:    domain.FilterConfig{IncludeKeywords: []string{" "}},
			sender: "a",
			text:   "good morning",
			want:   FilterPassed,
		},
		{
			name: "outside window",
			cfg: domain.FilterConfig{Window: &domain.ActiveWindow{
				StartMinute: 14 * 60, EndMinute: 18 * 60,
			}},
			sender: "a",
			want:   FilterOutsideWindow,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ApplyFilters(tt.cfg, tt.sender, tt.text, noon))
		})
	}
}

func TestInWindowOvernightAndDays(t *testing.T) {
	window := domain.ActiveWindow{
		Days:        []time.Weekday{time.Friday},
		StartMinute: 22 * 60,
		EndMinute:   2 * 60,
	}

	friday2300 := time.Date(2026, 3, 6, 23, 0, 0, 0, time.UTC)
	saturday0100 := time.Date(2026, 3, 7, 1, 0, 0, 0, time.UTC)
	saturday2300 := time.Date(2026, 3, 7, 23, 0, 0, 0, time.UTC)
	friday1200 := time.Date(2026, 3, 6, 12, 0, 0, 0, time.UTC)

	assert.True(t, InWindow(window, friday2300))
	assert.True(t, InWindow(window, saturday0100))
	assert.False(t, InWindow(window, saturday2300))
	assert.False(t, InWindow(window, friday1200))
}

func TestInWindowUsesLocation(t *testing.T) {
	window := domain.ActiveWindow{StartMinute: 9 * 60, EndMinute: 17 * 60, Location: "America/Sao_Paulo"}

	// 11:00 UTC is 08:00 in Sao Paulo.
	assert.False(t, InWindow(window, time.Date(2026, 3, 4, 11, 0, 0, 0, time.UTC)))
	assert.True(t, InWindow(window, time.Date(2026, 3, 4, 13, 0, 0, 0, time.UTC)))
}

func TestPriority(t *testing.T) {
	cfg := domain.FilterConfig{HighSignalKeywords: []string{"lock"}}

	assert.Equal(t, domain.PriorityMedia, Priority(cfg, "lock of the day", true))
	assert.Equal(t, domain.PriorityHighSignal, Priority(cfg, "LOCK of the day", false))
	assert.Equal(t, domain.PriorityBase, Priority(cfg, "Team A vs Team B", false))
}
