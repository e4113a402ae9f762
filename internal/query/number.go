package query

import (
	"bytes"
	"encoding/json"
	"math"
	"regexp"
	"strconv"
	"strings"
	"unicode"
)

var floatPrefix = regexp.MustCompile(`^[+-]?(Infinity|(\d+\.?\d*|\.\d+)([eE][+-]?\d+)?)`)

// ParseFloatPrefix parses the longest numeric prefix of s after leading
// whitespace, ignoring trailing characters ("25mpg" is 25). It returns NaN
// when no prefix is numeric.
func ParseFloatPrefix(s string) float64 {
	s = strings.TrimLeftFunc(s, unicode.IsSpace)
	m := floatPrefix.FindString(s)
	if m == "" {
		return math.NaN()
	}
	switch m {
	case "Infinity", "+Infinity":
		return math.Inf(1)
	case "-Infinity":
		return math.Inf(-1)
	}
	f, err := strconv.ParseFloat(m, 64)
	if err != nil {
		// Out-of-range exponents come back as ±Inf with ErrRange.
		if ne, ok := err.(*strconv.NumError); ok && ne.Err == strconv.ErrRange {
			return f
		}
		return math.NaN()
	}
	return f
}

// ToNumber converts a raw JSON field value to a number for comparison.
// Undefined values, objects, arrays and non-numeric strings yield NaN.
func ToNumber(raw json.RawMessage, defined bool) float64 {
	if !defined {
		return math.NaN()
	}
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return math.NaN()
	}
	switch raw[0] {
	case 'n':
		return 0
	case 't':
		return 1
	case 'f':
		return 0
	case '"':
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return math.NaN()
		}
		return stringToNumber(s)
	case '{', '[':
		return math.NaN()
	}
	f, err := strconv.ParseFloat(string(raw), 64)
	if err != nil {
		if ne, ok := err.(*strconv.NumError); ok && ne.Err == strconv.ErrRange {
			return f
		}
		return math.NaN()
	}
	return f
}

var decimalLiteral = regexp.MustCompile(`^[+-]?(Infinity|(\d+\.?\d*|\.\d+)([eE][+-]?\d+)?)$`)

// stringToNumber is the strict whole-string conversion: surrounding
// whitespace is allowed, an empty string is 0, anything else must be a
// complete numeric literal.
func stringToNumber(s string) float64 {
	s = strings.TrimFunc(s, unicode.IsSpace)
	if s == "" {
		return 0
	}
	if len(s) > 2 && s[0] == '0' {
		base := 0
		switch s[1] {
		case 'x', 'X':
			base = 16
		case 'o', 'O':
			base = 8
		case 'b', 'B':
			base = 2
		}
		if base != 0 {
			n, err := strconv.ParseUint(s[2:], base, 64)
			if err != nil {
				return math.NaN()
			}
			return float64(n)
		}
	}
	if !decimalLiteral.MatchString(s) {
		return math.NaN()
	}
	return ParseFloatPrefix(s)
}
