package classifier

import (
	"context"
	"regexp"
	"strconv"
	"strings"

	"github.com/iago/tiprelay/internal/domain"
)

var (
	oddsPattern  = regexp.MustCompile(`(?i)(?:\bodds?\b|\bodd\b|@)\s*[:=]?\s*(\d+(?:[.,]\d+)?)`)
	matchPattern = regexp.MustCompile(`(?i)([\p{L}\p{N}][\p{L}\p{N} .'&-]*?)\s+(?:vs\.?|x|v)\s+([\p{L}\p{N}][\p{L}\p{N} .'&-]*?)\s*(?:[,;\n]|$)`)
	linePattern  = regexp.MustCompile(`(?i)\b(?:line|handicap|ah|total|over|under)\s*[:=]?\s*([+-]?\d+(?:[.,]\d+)?)`)
	stakePattern = regexp.MustCompile(`(?i)\bstake\s*[:=]?\s*(\d+(?:[.,]\d+)?)`)
)

// RuleClassifier recognises text tips that carry explicit odds. It ignores
// media, which needs the LLM classifier.
type RuleClassifier struct {
	MinOdds float64
}

func (r RuleClassifier) Classify(_ context.Context, input Input) (*domain.DetectedEvent, error) {
	text := strings.TrimSpace(input.Text)
	if text == "" {
		return nil, nil
	}

	oddsMatch := oddsPattern.FindStringSubmatch(text)
	if oddsMatch == nil {
		return nil, nil
	}
	odds, ok := parseDecimal(oddsMatch[1])
	minOdds := r.MinOdds
	if minOdds <= 0 {
		minOdds = 1.01
	}
	if !ok || odds < minOdds {
		return nil, nil
	}

	event := &domain.DetectedEvent{Odds: odds, Stake: 1}
	if match := matchPattern.FindStringSubmatch(text); match != nil {
		event.Match = strings.TrimSpace(match[1]) + " vs " + strings.TrimSpace(match[2])
	}
	if line := linePattern.FindStringSubmatch(text); line != nil {
		event.Selection = "line " + strings.ReplaceAll(line[1], ",", ".")
	}
	if stake := stakePattern.FindStringSubmatch(text); stake != nil {
		if value, ok := parseDecimal(stake[1]); ok && value > 0 {
			event.Stake = value
		}
	}
	return event, nil
}

func parseDecimal(raw string) (float64, bool) {
	value, err := strconv.ParseFloat(strings.ReplaceAll(strings.TrimSpace(raw), ",", "."), 64)
	if err != nil {
		return 0, false
	}
	return value, true
}
