// Package factvalue classifies and normalizes the raw value strings attached
// to research facts so values from different sources can be compared.
package factvalue

import (
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Type is the detected kind of a fact value.
type Type string

const (
	Number     Type = "number"
	Date       Type = "date"
	Percentage Type = "percentage"
	Currency   Type = "currency"
	Text       Type = "text"
)

// Valid reports whether t is one of the known value types.
func (t Type) Valid() bool {
	switch t {
	case Number, Date, Percentage, Currency, Text:
		return true
	}
	return false
}

// Numeric reports whether values of this type carry a normalized number.
func (t Type) Numeric() bool {
	switch t {
	case Number, Percentage, Currency:
		return true
	case Date, Text:
		return false
	}
	return false
}

// Currency amounts are normalized to billions so "$184B" and "$184,000M"
// compare equal.
const CurrencyUnit = "USD billion"

// PercentUnit is the unit recorded for percentage values.
const PercentUnit = "percent"

// Value is the parsed form of a raw fact value.
type Value struct {
	Type    Type
	Numeric *float64
	Unit    string
}

var (
	percentPattern  = regexp.MustCompile(`^(-?[\d,]*\.?\d+)\s*%$`)
	currencyPattern = regexp.MustCompile(`(?i)^(-)?(\$|usd\s*)?\s*([\d,]*\.?\d+)\s*(bn|billion|b|mn|million|m|thousand|k|tn|trillion|t)?$`)
	numberPattern   = regexp.MustCompile(`^-?[\d,]*\.?\d+$`)
)

// magnitude maps a currency suffix to its multiplier relative to one billion.
var magnitude = map[string]float64{
	"":         1e-9,
	"k":        1e-6,
	"thousand": 1e-6,
	"m":        1e-3,
	"mn":       1e-3,
	"million":  1e-3,
	"b":        1,
	"bn":       1,
	"billion":  1,
	"t":        1e3,
	"tn":       1e3,
	"trillion": 1e3,
}

var dateLayouts = []string{
	"2006-01-02",
	"2006-01",
	"January 2, 2006",
	"Jan 2, 2006",
	"January 2 2006",
	"2 January 2006",
	"2 Jan 2006",
	"January 2006",
	"Jan 2006",
	"01/02/2006",
}

// Parse classifies raw and extracts a normalized numeric value where one
// exists. Order matters: percentages, then currency (requires a "$"/"USD"
// marker or a magnitude suffix), then dates, then plain numbers. A bare
// year such as "2019" is a plain number; dates need a month. Anything left
// over is Text with no numeric value.
func Parse(raw string) Value {
	s := strings.TrimSpace(raw)
	if s == "" {
		return Value{Type: Text}
	}

	if m := percentPattern.FindStringSubmatch(s); m != nil {
		if f, ok := parseNumber(m[1]); ok {
			return Value{Type: Percentage, Numeric: &f, Unit: PercentUnit}
		}
	}

	if m := currencyPattern.FindStringSubmatch(s); m != nil && (m[2] != "" || m[4] != "") {
		if f, ok := parseNumber(m[3]); ok {
			f *= magnitude[strings.ToLower(m[4])]
			if m[1] == "-" {
				f = -f
			}
			return Value{Type: Currency, Numeric: &f, Unit: CurrencyUnit}
		}
	}

	if isDate(s) {
		return Value{Type: Date}
	}

	if numberPattern.MatchString(s) {
		if f, ok := parseNumber(s); ok {
			return Value{Type: Number, Numeric: &f}
		}
	}

	return Value{Type: Text}
}

// IsDate reports whether s matches one of the calendar date layouts.
func IsDate(s string) bool {
	return isDate(strings.TrimSpace(s))
}

func isDate(s string) bool {
	for _, layout := range dateLayouts {
		if _, err := time.Parse(layout, s); err == nil {
			return true
		}
	}
	return false
}

func parseNumber(s string) (float64, bool) {
	f, err := strconv.ParseFloat(strings.ReplaceAll(s, ",", ""), 64)
	if err != nil {
		return 0, false
	}
	return f, true
}
