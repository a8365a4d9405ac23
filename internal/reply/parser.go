package reply

import (
	"regexp"
	"strconv"
	"strings"
)

var (
	explicitStakePattern = regexp.MustCompile(`(?i)\bstake\s*[:=]?\s*(\d+(?:[.,]\d+)?)\s*(?:u|un|units?|unidades?)?\b`)
	unitStakePattern     = regexp.MustCompile(`(?i)\b(\d+(?:[.,]\d+)?)\s*(?:u|un|units?|unidades?)\b`)
	halfStakePattern     = regexp.MustCompile(`(?i)\b(?:half|meia)(?:\s*(?:u|un|units?|unidades?))?\b`)
	valuePattern         = regexp.MustCompile(`\d+(?:[.,]\d+)?`)
)

// Parsed is what a reply says. Value is nil when no number was found.
type Parsed struct {
	Stake *float64
	Value *float64
}

// Rejected reports a zero confirmation value.
func (p Parsed) Rejected() bool {
	return p.Value != nil && *p.Value == 0
}

// ParseReply extracts the stake token first and strips it, then reads the
// confirmation value from what is left.
func ParseReply(text string) Parsed {
	parsed := Parsed{}
	rest := text

	if match := explicitStakePattern.FindStringSubmatchIndex(rest); match != nil {
		if value, ok := parseNumber(rest[match[2]:match[3]]); ok {
			parsed.Stake = &value
		}
		rest = rest[:match[0]] + " " + rest[match[1]:]
	} else if match := unitStakePattern.FindStringSubmatchIndex(rest); match != nil {
		if value, ok := parseNumber(rest[match[2]:match[3]]); ok {
			parsed.Stake = &value
		}
		rest = rest[:match[0]] + " " + rest[match[1]:]
	} else if match := halfStakePattern.FindStringIndex(rest); match != nil {
		half := 0.5
		parsed.Stake = &half
		rest = rest[:match[0]] + " " + rest[match[1]:]
	}

	if raw := valuePattern.FindString(rest); raw != "" {
		if value, ok := parseNumber(raw); ok {
			parsed.Value = &value
		}
	}
	return parsed
}

func parseNumber(raw string) (float64, bool) {
	value, err := strconv.ParseFloat(strings.ReplaceAll(strings.TrimSpace(raw), ",", "."), 64)
	if err != nil || value < 0 {
		return 0, false
	}
	return value, true
}
