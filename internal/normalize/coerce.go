package normalize

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"
)

// tokenCount coerces a raw JSON value (number or string, possibly with
// thousands separators) to an int64. Malformed or missing values become 0,
// never an error.
func tokenCount(raw json.RawMessage) int64 {
	if len(raw) == 0 {
		return 0
	}

	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		if v, err := n.Int64(); err == nil {
			return v
		}
		if f, err := n.Float64(); err == nil {
			return int64(f)
		}
		return 0
	}

	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return tokenCountString(s)
	}

	return 0
}

// tokenCountString coerces a table cell like "1,234" to an int64
func tokenCountString(s string) int64 {
	cleaned := strings.TrimSpace(s)
	cleaned = strings.ReplaceAll(cleaned, ",", "")
	cleaned = strings.ReplaceAll(cleaned, " ", "")
	if cleaned == "" || cleaned == "-" {
		return 0
	}

	v, err := strconv.ParseInt(cleaned, 10, 64)
	if err != nil {
		// Some exports render counts as decimals ("1234.0")
		f, ferr := strconv.ParseFloat(cleaned, 64)
		if ferr != nil {
			return 0
		}
		return int64(f)
	}
	return v
}

// costCents coerces a currency amount ("$12.34", "12.34", 12.34) to integer
// cents. The second return reports whether parsing succeeded; on failure the
// caller preserves the original text as the raw fallback.
func costCents(raw json.RawMessage) (int64, bool) {
	if len(raw) == 0 {
		return 0, true // absent is a clean zero, no fallback needed
	}

	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		return centsFromDecimal(n.String())
	}

	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return costCentsString(s)
	}

	return 0, false
}

// costCentsString coerces a currency cell to integer cents
func costCentsString(s string) (int64, bool) {
	cleaned := strings.TrimSpace(s)
	cleaned = strings.TrimPrefix(cleaned, "$")
	cleaned = strings.ReplaceAll(cleaned, ",", "")
	cleaned = strings.TrimSpace(cleaned)
	if cleaned == "" || cleaned == "-" {
		return 0, true
	}
	return centsFromDecimal(cleaned)
}

// centsFromDecimal converts a plain decimal string to cents without
// floating-point rounding ("12.34" → 1234, "12.345" → 1234)
func centsFromDecimal(s string) (int64, bool) {
	neg := false
	if strings.HasPrefix(s, "-") {
		neg = true
		s = s[1:]
	}

	wholePart, fracPart, _ := strings.Cut(s, ".")
	if wholePart == "" {
		wholePart = "0"
	}

	whole, err := strconv.ParseInt(wholePart, 10, 64)
	if err != nil {
		return 0, false
	}

	frac := int64(0)
	if fracPart != "" {
		// Keep at most two fractional digits; extra precision is truncated
		digits := fracPart
		if len(digits) > 2 {
			digits = digits[:2]
		}
		for len(digits) < 2 {
			digits += "0"
		}
		frac, err = strconv.ParseInt(digits, 10, 64)
		if err != nil {
			return 0, false
		}
	}

	cents := whole*100 + frac
	if neg {
		cents = -cents
	}
	return cents, true
}

// billingPeriodLayouts are the label formats the upstream export has used
var billingPeriodLayouts = []string{
	"January 2006",
	"Jan 2006",
	"2006-01",
	"01/2006",
}

// billingPeriod parses a billing-period label into UTC calendar-month
// bounds: the first and last day of the month, both at midnight UTC.
// An unparseable label falls back to the capture month so a malformed
// field never aborts the row.
func billingPeriod(label string, capturedAt time.Time) (start, end time.Time) {
	cleaned := strings.TrimSpace(label)
	for _, layout := range billingPeriodLayouts {
		if t, err := time.ParseInLocation(layout, cleaned, time.UTC); err == nil {
			return monthBounds(t)
		}
	}
	return monthBounds(capturedAt.UTC())
}

func monthBounds(t time.Time) (start, end time.Time) {
	start = time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
	end = start.AddDate(0, 1, -1)
	return start, end
}
