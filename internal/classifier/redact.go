package classifier

import "regexp"

var (
	emailPattern = regexp.MustCompile(`(?i)\b[a-z0-9._%+\-]+@[a-z0-9.\-]+\.[a-z]{2,}\b`)
	phonePattern = regexp.MustCompile(`\+?\d[\d()\-\s.]{9,}\d`)
	cpfPattern   = regexp.MustCompile(`\b\d{3}\.\d{3}\.\d{3}\-\d{2}\b`)
	cardPattern  = regexp.MustCompile(`\b(?:\d[ -]?){15,16}\b`)
)

// Redact masks contact and payment details before text leaves the process.
// Short digit runs such as odds, lines and stakes are left alone.
func Redact(value string) string {
	masked := emailPattern.ReplaceAllString(value, "[email_redacted]")
	masked = cpfPattern.ReplaceAllString(masked, "***.***.***-**")
	masked = cardPattern.ReplaceAllStringFunc(masked, maskCardNumber)
	masked = phonePattern.ReplaceAllStringFunc(masked, func(match string) string {
		if countDigits(match) < 10 {
			return match
		}
		return "[phone_redacted]"
	})
	return masked
}

func maskCardNumber(value string) string {
	digits := make([]rune, 0, len(value))
	for _, char := range value {
		if char >= '0' && char <= '9' {
			digits = append(digits, char)
		}
	}
	if len(digits) < 15 {
		return value
	}
	return "**** **** **** " + string(digits[len(digits)-4:])
}

func countDigits(value string) int {
	count := 0
	for _, char := range value {
		if char >= '0' && char <= '9' {
			count++
		}
	}
	return count
}
