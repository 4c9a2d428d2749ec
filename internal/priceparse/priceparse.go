// Package priceparse implements the BRL numeric-parsing rules used by every
// price-extraction layer: strip formatting noise, disambiguate the decimal
// separator, and reject anything that cannot be a real price.
package priceparse

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/shopspring/decimal"
)

var nonPriceChar = regexp.MustCompile(`[^0-9.,]`)

// Parse converts a raw price-like string (e.g. "R$ 1.234,56", "1234.56",
// "R$99,9") into a BRL decimal amount. It strips everything but digits,
// commas and dots, then disambiguates the decimal separator:
//
//   - both separators present: the right-most one is the decimal mark.
//   - only commas, exactly one, followed by exactly two digits: decimal mark.
//   - otherwise: commas are thousands separators (stripped).
//
// Values that fail to parse or are <= 1 are rejected, so SKUs and zeroed
// placeholders never read as prices.
func Parse(raw string) (decimal.Decimal, error) {
	cleaned := nonPriceChar.ReplaceAllString(raw, "")
	if cleaned == "" {
		return decimal.Zero, fmt.Errorf("priceparse: no numeric content in %q", raw)
	}

	normalized, err := normalizeSeparators(cleaned)
	if err != nil {
		return decimal.Zero, err
	}

	d, err := decimal.NewFromString(normalized)
	if err != nil {
		return decimal.Zero, fmt.Errorf("priceparse: %w", err)
	}

	if d.LessThanOrEqual(decimal.NewFromInt(1)) {
		return decimal.Zero, fmt.Errorf("priceparse: value %s not a plausible price", d.String())
	}

	return d, nil
}

func normalizeSeparators(s string) (string, error) {
	lastComma := strings.LastIndexByte(s, ',')
	lastDot := strings.LastIndexByte(s, '.')

	switch {
	case lastComma >= 0 && lastDot >= 0:
		// Both present: right-most separator is the decimal mark.
		if lastComma > lastDot {
			return stripThenDecimal(s, ',', lastComma), nil
		}
		return stripThenDecimal(s, '.', lastDot), nil

	case lastComma >= 0:
		commaCount := strings.Count(s, ",")
		trailing := len(s) - lastComma - 1
		if commaCount == 1 && trailing == 2 {
			return strings.Replace(s, ",", ".", 1), nil
		}
		// Commas are thousands separators.
		return strings.ReplaceAll(s, ",", ""), nil

	case lastDot >= 0:
		dotCount := strings.Count(s, ".")
		trailing := len(s) - lastDot - 1
		if dotCount == 1 && trailing <= 2 {
			return s, nil
		}
		// Multiple dots, or a single dot with >2 trailing digits: thousands
		// separators (e.g. "1.234.567").
		return strings.ReplaceAll(s, ".", ""), nil

	default:
		return s, nil
	}
}

func stripThenDecimal(s string, decimalSep byte, sepIdx int) string {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c == ',' || c == '.' {
			if i == sepIdx {
				b.WriteByte('.')
			}
			continue
		}
		b.WriteByte(c)
	}
	return b.String()
}

// Format renders a BRL decimal back into the canonical "R$ 1.234,56" display
// form, used by the round-trip property parse(format(x)) == x.
func Format(d decimal.Decimal) string {
	s := d.StringFixed(2)
	neg := strings.HasPrefix(s, "-")
	s = strings.TrimPrefix(s, "-")

	parts := strings.SplitN(s, ".", 2)
	intPart, fracPart := parts[0], ""
	if len(parts) == 2 {
		fracPart = parts[1]
	}

	var grouped strings.Builder
	n := len(intPart)
	for i, c := range intPart {
		if i > 0 && (n-i)%3 == 0 {
			grouped.WriteByte('.')
		}
		grouped.WriteRune(c)
	}

	out := "R$ " + grouped.String() + "," + fracPart
	if neg {
		out = "-" + out
	}
	return out
}
