package dispatch

import (
	"slices"
	"strings"
	"time"

	"github.com/iago/tiprelay/internal/domain"
)

// FilterResult names the first filter that dropped a message, or is empty
// when every filter passed.
type FilterResult string

const (
	FilterPassed         FilterResult = ""
	FilterBlockedSender  FilterResult = "blocked_sender"
	FilterNotAllowed     FilterResult = "sender_not_allowed"
	FilterExcludeKeyword FilterResult = "exclude_keyword"
	FilterMissingInclude FilterResult = "missing_include_keyword"
	FilterOutsideWindow  FilterResult = "outside_window"
)

// ApplyFilters runs the tenant filter chain in order and stops at the first
// rejection.
func ApplyFilters(cfg domain.FilterConfig, senderID, text string, now time.Time) FilterResult {
	if containsFold(cfg.BlockedSenders, senderID) {
		return FilterBlockedSender
	}
	if len(cfg.AllowedSenders) > 0 && !containsFold(cfg.AllowedSenders, senderID) {
		return FilterNotAllowed
	}
	lowered := strings.ToLower(text)
	if containsAnyKeyword(lowered, cfg.ExcludeKeywords) {
		return FilterExcludeKeyword
	}
	if hasKeywords(cfg.IncludeKeywords) && !containsAnyKeyword(lowered, cfg.IncludeKeywords) {
		return FilterMissingInclude
	}
	if cfg.Window != nil && !InWindow(*cfg.Window, now) {
		return FilterOutsideWindow
	}
	return FilterPassed
}

// InWindow reports whether now falls inside the window, evaluated in the
// window's location. An unknown location falls back to UTC.
func InWindow(window domain.ActiveWindow, now time.Time) bool {
	location := time.UTC
	if window.Location != "" {
		if loaded, err := time.LoadLocation(window.Location); err == nil {
			location = loaded
		}
	}
	local := now.In(location)
	minute := local.Hour()*60 + local.Minute()

	start, end := window.StartMinute, window.EndMinute
	if start == end {
		return dayAllowed(window.Days, local.Weekday())
	}
	if start < end {
		return minute >= start && minute < end && dayAllowed(window.Days, local.Weekday())
	}
	// Overnight: the late part belongs to today, the early part to the
	// previous day's window.
	if minute >= start {
		return dayAllowed(window.Days, local.Weekday())
	}
	if minute < end {
		return dayAllowed(window.Days, local.AddDate(0, 0, -1).Weekday())
	}
	return false
}

func dayAllowed(days []time.Weekday, day time.Weekday) bool {
	return len(days) == 0 || slices.Contains(days, day)
}

func containsFold(values []string, target string) bool {
	target = strings.TrimSpace(target)
	if target == "" {
		return false
	}
	for _, value := range values {
		if strings.EqualFold(strings.TrimSpace(value), target) {
			return true
		}
	}
	return false
}

func hasKeywords(keywords []string) bool {
	for _, keyword := range keywords {
		if strings.TrimSpace(keyword) != "" {
			return true
		}
	}
	return false
}

func containsAnyKeyword(loweredText string, keywords []string) bool {
	for _, keyword := range keywords {
		keyword = strings.ToLower(strings.TrimSpace(keyword))
		if keyword != "" && strings.Contains(loweredText, keyword) {
			return true
		}
	}
	return false
}

// Priority maps message content to a queue priority.
func Priority(cfg domain.FilterConfig, text string, hasMedia bool) int {
	if hasMedia {
		return domain.PriorityMedia
	}
	if containsAnyKeyword(strings.ToLower(text), cfg.HighSignalKeywords) {
		return domain.PriorityHighSignal
	}
	return domain.PriorityBase
}
