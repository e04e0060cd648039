package identity

import (
	"strings"

	"github.com/ashureev/watchdesk/internal/shared"
)

// NormalizePhone strips the whatsapp: prefix and punctuation and makes sure
// the number carries a country code. Eleven bare digits are Brazilian.
func NormalizePhone(raw string) string {
	s := strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(raw), "whatsapp:"))
	digits := shared.Digits(s)
	if digits == "" {
		return ""
	}
	if strings.HasPrefix(s, "+") {
		return "+" + digits
	}
	if len(digits) == 10 || len(digits) == 11 {
		return "+55" + digits
	}
	return "+" + digits
}

// SamePhone compares two numbers by digits only.
func SamePhone(a, b string) bool {
	da, db := shared.Digits(a), shared.Digits(b)
	return da != "" && da == db
}

// WhatsAppAddress renders a phone as a gateway address.
func WhatsAppAddress(phone string) string {
	p := NormalizePhone(phone)
	if p == "" {
		return ""
	}
	return "whatsapp:" + p
}

// MaskPhone keeps the last four digits for logs.
func MaskPhone(phone string) string {
	d := shared.Digits(phone)
	if len(d) <= 4 {
		return "****"
	}
	return "****" + d[len(d)-4:]
}
