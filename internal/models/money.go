package models

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// MinorUnitsPerMajor is the scale of every supported currency (KZT, RUB, IDR use 2 decimals on gateways).
const MinorUnitsPerMajor = 100

// ToMajor converts minor units into the decimal amount gateways expect.
func ToMajor(minor int64) float64 {
	return float64(minor) / MinorUnitsPerMajor
}

// FromMajor converts a gateway decimal amount into minor units.
func FromMajor(major float64) int64 {
	return int64(math.Round(major * MinorUnitsPerMajor))
}

// FormatMajor renders minor units with two decimals, e.g. 150075 -> "1500.75".
func FormatMajor(minor int64) string {
	sign := ""
	if minor < 0 {
		sign = "-"
		minor = -minor
	}
	return fmt.Sprintf("%s%d.%02d", sign, minor/MinorUnitsPerMajor, minor%MinorUnitsPerMajor)
}

// ParseMajor parses a decimal string such as "1500.75" into minor units
// without going through float arithmetic.
func ParseMajor(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty amount")
	}
	neg := strings.HasPrefix(s, "-")
	s = strings.TrimPrefix(s, "-")
	whole, frac, _ := strings.Cut(s, ".")
	if whole == "" {
		whole = "0"
	}
	if len(frac) > 2 {
		if strings.Trim(frac[2:], "0") != "" {
			return 0, fmt.Errorf("amount %q has more than two decimals", s)
		}
		frac = frac[:2]
	}
	for len(frac) < 2 {
		frac += "0"
	}
	w, err := strconv.ParseInt(whole, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse amount %q: %w", s, err)
	}
	f, err := strconv.ParseInt(frac, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse amount %q: %w", s, err)
	}
	v := w*MinorUnitsPerMajor + f
	if neg {
		v = -v
	}
	return v, nil
}
