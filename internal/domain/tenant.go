package domain

import "time"

// Tenant owns credentials, monitored chats and a private notification channel.
type Tenant struct {
	ID            string
	Name          string
	PrivateChatID string
	Filters       FilterConfig
	UsageCount    int64
}

// Credential resolves to connection parameters for one messaging account.
type Credential struct {
	ID       string
	TenantID string
	Token    string
	Targets  []string
	Active   bool
}

// FilterConfig is the tenant-configured allow/deny chain applied before
// classification.
type FilterConfig struct {
	BlockedSenders     []string      `json:"blocked_senders,omitempty"`
	AllowedSenders     []string      `json:"allowed_senders,omitempty"`
	ExcludeKeywords    []string      `json:"exclude_keywords,omitempty"`
	IncludeKeywords    []string      `json:"include_keywords,omitempty"`
	HighSignalKeywords []string      `json:"high_signal_keywords,omitempty"`
	Window             *ActiveWindow `json:"window,omitempty"`
}

// ActiveWindow restricts monitoring to some days and a minute-of-day range.
// StartMinute > EndMinute denotes a window crossing midnight.
type ActiveWindow struct {
	Days        []time.Weekday `json:"days,omitempty"`
	StartMinute int            `json:"start_minute"`
	EndMinute   int            `json:"end_minute"`
	Location    string         `json:"location,omitempty"`
}
