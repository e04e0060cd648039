package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Score is a 0-100 confidence. Models send it as an integer, a fraction
// such as 87.5 or a quoted number. Anything else decodes as zero.
type Score int

func (s *Score) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		return nil
	}
	raw := strings.TrimSuffix(strings.TrimSpace(strings.Trim(string(b), `"`)), "%")
	f, err := strconv.ParseFloat(strings.ReplaceAll(raw, ",", "."), 64)
	if err != nil {
		*s = 0
		return nil
	}
	*s = Score(math.Round(f))
	return nil
}

// Money is an amount in the invoice currency. It decodes from a JSON
// number or from a printed amount such as "R$ 50.000,00". Unreadable
// strings decode as zero.
type Money float64

func (m *Money) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		return nil
	}
	if len(b) > 0 && b[0] != '"' {
		var f float64
		if err := json.Unmarshal(b, &f); err != nil {
			return fmt.Errorf("amount %s: %w", b, err)
		}
		*m = Money(f)
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("amount %s: %w", b, err)
	}
	*m = Money(ParseAmount(s))
	return nil
}

// ParseAmount reads a printed amount in Brazilian or US notation. The
// last separator is the decimal one unless it repeats or a lone dot is
// followed by exactly three digits. It returns 0 when nothing parses.
func ParseAmount(s string) float64 {
	var digits strings.Builder
	for _, r := range s {
		if (r >= '0' && r <= '9') || r == ',' || r == '.' || r == '-' {
			digits.WriteRune(r)
		}
	}
	n := strings.Trim(digits.String(), ".,")
	comma, dot := strings.LastIndex(n, ","), strings.LastIndex(n, ".")
	switch {
	case comma >= 0 && dot > comma:
		n = strings.ReplaceAll(n, ",", "")
	case strings.Count(n, ",") > 1:
		n = strings.ReplaceAll(n, ",", "")
	case comma >= 0:
		n = strings.ReplaceAll(n, ".", "")
		n = strings.ReplaceAll(n, ",", ".")
	case strings.Count(n, ".") > 1:
		n = strings.ReplaceAll(n, ".", "")
	case strings.Count(n, ".") == 1 && len(n)-strings.Index(n, ".") == 4:
		n = strings.ReplaceAll(n, ".", "")
	}
	f, err := strconv.ParseFloat(n, 64)
	if err != nil {
		return 0
	}
	return f
}
