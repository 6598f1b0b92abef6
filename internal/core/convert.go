package core

// convert.go coerces raw input values into the semantic type of a field.
//
// Parsers hand over whatever their format produced: JSON gives float64 and
// []any, YAML may give int or time.Time, CSV and XLSX give strings. Coerce
// maps all of those onto one representation per FieldType:
//
//	string, email        string
//	integer              int64
//	float, percentage    float64
//	boolean              bool
//	date, datetime       time.Time (dates at midnight UTC)
//	json_list            []string
//
// String inputs get the same cleanup the spreadsheet exports need: trimming,
// Excel formula prefixes (="value"), currency symbols and thousands separators.

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
)

// TwoDigitYearPivot defines how 2-digit years are interpreted.
// Years that would result in dates more than this many years in the future
// are assumed to be in the previous century.
var TwoDigitYearPivot = 20

// Date layouts split by year format for proper 2-digit year handling
var (
	twoDigitYearLayouts = []string{
		"1/2/06", "01/02/06", "1-2-06", "1.2.06", "01.02.06",
	}
	fourDigitYearLayouts = []string{
		"2006-01-02", "2006/01/02", "2006.01.02",
		"1/2/2006", "01/02/2006", "1-2-2006", "01-02-2006", "1.2.2006", "01.02.2006",
		"Jan 2, 2006", "2 Jan 2006", "January 2, 2006",
		"20060102",
	}
	dateTimeLayouts = []string{
		time.RFC3339Nano,
		time.RFC3339,
		"2006-01-02T15:04:05",
		"2006-01-02 15:04:05",
		"2006-01-02 15:04",
	}
)

var emailCheck = validator.New()

var (
	percentRange = struct{ lo, hi decimal.Decimal }{decimal.Zero, decimal.NewFromInt(1)}
	hundred      = decimal.NewFromInt(100)
)

// Coerce converts v to the representation of t.
func Coerce(t FieldType, v any) (any, error) {
	if s, ok := v.(string); ok {
		v = CleanCell(s)
	}

	switch t {
	case TypeString:
		return toString(v)
	case TypeEmail:
		return toEmail(v)
	case TypeInteger:
		return toInteger(v)
	case TypeFloat:
		d, err := toDecimal(v)
		if err != nil {
			return nil, err
		}
		f, _ := d.Float64()
		return f, nil
	case TypePercentage:
		return toPercentage(v)
	case TypeBoolean:
		return toBool(v)
	case TypeDate:
		return toDate(v)
	case TypeDateTime:
		return toDateTime(v)
	case TypeJSONList:
		return toList(v)
	default:
		return nil, fmt.Errorf("unsupported field type %q", t)
	}
}

func toString(v any) (any, error) {
	switch x := v.(type) {
	case string:
		return x, nil
	case bool:
		return strconv.FormatBool(x), nil
	case int:
		return strconv.Itoa(x), nil
	case int64:
		return strconv.FormatInt(x, 10), nil
	case float64:
		return formatFloat(x), nil
	case json.Number:
		return x.String(), nil
	default:
		return nil, fmt.Errorf("expected text, got %s", describe(v))
	}
}

func toEmail(v any) (any, error) {
	s, ok := v.(string)
	if !ok {
		return nil, fmt.Errorf("expected email address, got %s", describe(v))
	}
	s = strings.ToLower(strings.TrimSpace(s))
	if err := emailCheck.Var(s, "required,email"); err != nil {
		return nil, errors.New("invalid email address")
	}
	return s, nil
}

func toInteger(v any) (any, error) {
	switch x := v.(type) {
	case int:
		return int64(x), nil
	case int64:
		return x, nil
	case float64:
		if x != math.Trunc(x) || math.IsInf(x, 0) {
			return nil, errors.New("invalid integer: has a fractional part")
		}
		return int64(x), nil
	}
	d, err := toDecimal(v)
	if err != nil {
		return nil, errors.New("invalid integer format")
	}
	if !d.Equal(d.Truncate(0)) {
		return nil, errors.New("invalid integer: has a fractional part")
	}
	return d.IntPart(), nil
}

// toDecimal parses numeric input. Strings may carry currency symbols,
// thousands separators and accounting-style negatives "(123.45)".
func toDecimal(v any) (decimal.Decimal, error) {
	switch x := v.(type) {
	case float64:
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return decimal.Decimal{}, errors.New("invalid number format")
		}
		return decimal.NewFromFloat(x), nil
	case int:
		return decimal.NewFromInt(int64(x)), nil
	case int64:
		return decimal.NewFromInt(x), nil
	case json.Number:
		return decimal.NewFromString(x.String())
	case string:
		s := strings.TrimSpace(x)
		negative := false
		if strings.HasPrefix(s, "(") && strings.HasSuffix(s, ")") {
			negative = true
			s = strings.TrimSpace(s[1 : len(s)-1])
		}
		s = strings.NewReplacer("$", "", "€", "", "£", "", ",", "").Replace(s)
		s = strings.TrimSpace(s)
		d, err := decimal.NewFromString(s)
		if err != nil {
			return decimal.Decimal{}, errors.New("invalid number format")
		}
		if negative {
			d = d.Neg()
		}
		return d, nil
	default:
		return decimal.Decimal{}, fmt.Errorf("expected number, got %s", describe(v))
	}
}

// toPercentage accepts fractions (0.25) and percent strings ("25%").
// Values outside [0,1] are a type failure, not a range failure.
func toPercentage(v any) (any, error) {
	var (
		d   decimal.Decimal
		err error
	)
	if s, ok := v.(string); ok && strings.HasSuffix(strings.TrimSpace(s), "%") {
		d, err = toDecimal(strings.TrimSuffix(strings.TrimSpace(s), "%"))
		d = d.Div(hundred)
	} else {
		d, err = toDecimal(v)
	}
	if err != nil {
		return nil, errors.New("invalid percentage format")
	}
	if d.LessThan(percentRange.lo) || d.GreaterThan(percentRange.hi) {
		return nil, fmt.Errorf("percentage must be between 0.0 and 1.0, got %s", d.String())
	}
	f, _ := d.Float64()
	return f, nil
}

func toBool(v any) (any, error) {
	switch x := v.(type) {
	case bool:
		return x, nil
	case int:
		if x == 0 || x == 1 {
			return x == 1, nil
		}
	case int64:
		if x == 0 || x == 1 {
			return x == 1, nil
		}
	case float64:
		if x == 0 || x == 1 {
			return x == 1, nil
		}
	case string:
		switch strings.ToLower(strings.TrimSpace(x)) {
		case "true", "t", "yes", "y", "1":
			return true, nil
		case "false", "f", "no", "n", "0":
			return false, nil
		}
	}
	return nil, errors.New("must be yes/no, true/false, or 1/0")
}

func toDate(v any) (any, error) {
	switch x := v.(type) {
	case time.Time:
		return truncateDay(x), nil
	case string:
		if t, ok := ParseDate(x); ok {
			return t, nil
		}
		for _, layout := range dateTimeLayouts {
			if t, err := time.Parse(layout, x); err == nil {
				return truncateDay(t), nil
			}
		}
	}
	return nil, errors.New("invalid date format (use YYYY-MM-DD or similar)")
}

func toDateTime(v any) (any, error) {
	switch x := v.(type) {
	case time.Time:
		return x.UTC(), nil
	case string:
		for _, layout := range dateTimeLayouts {
			if t, err := time.Parse(layout, x); err == nil {
				return t.UTC(), nil
			}
		}
		if t, ok := ParseDate(x); ok {
			return t, nil
		}
	}
	return nil, errors.New("invalid datetime format (use RFC 3339)")
}

// toList accepts a list, a JSON array literal, or a comma-separated string.
func toList(v any) (any, error) {
	switch x := v.(type) {
	case []string:
		return append([]string{}, x...), nil
	case []any:
		out := make([]string, 0, len(x))
		for _, item := range x {
			s, err := toString(item)
			if err != nil {
				return nil, fmt.Errorf("list item: %w", err)
			}
			out = append(out, strings.TrimSpace(s.(string)))
		}
		return out, nil
	case string:
		s := strings.TrimSpace(x)
		if strings.HasPrefix(s, "[") {
			var items []any
			if err := json.Unmarshal([]byte(s), &items); err != nil {
				return nil, errors.New("invalid JSON list")
			}
			return toList(items)
		}
		out := []string{}
		for _, part := range strings.Split(s, ",") {
			if p := strings.TrimSpace(part); p != "" {
				out = append(out, p)
			}
		}
		return out, nil
	default:
		return nil, fmt.Errorf("expected list, got %s", describe(v))
	}
}

// ParseDate parses a calendar date in any supported layout.
// Two-digit years are resolved with TwoDigitYearPivot.
func ParseDate(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}

	for _, layout := range fourDigitYearLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}

	pivotYear := time.Now().Year() + TwoDigitYearPivot
	for _, layout := range twoDigitYearLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			if t.Year() > pivotYear {
				t = t.AddDate(-100, 0, 0)
			}
			return t, true
		}
	}

	return time.Time{}, false
}

func truncateDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// FormatTime renders midnight-UTC values as calendar dates and everything
// else as RFC 3339.
func FormatTime(t time.Time) string {
	t = t.UTC()
	if t.Equal(truncateDay(t)) {
		return t.Format(time.DateOnly)
	}
	return t.Format(time.RFC3339Nano)
}

// FormatValue renders a coerced value as text for flat formats.
func FormatValue(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case time.Time:
		return FormatTime(x)
	case float64:
		return formatFloat(x)
	case []string:
		b, _ := json.Marshal(x)
		return string(b)
	case []any:
		b, _ := json.Marshal(x)
		return string(b)
	default:
		return fmt.Sprint(x)
	}
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}

// isNull treats nil and blank strings as null.
func isNull(v any) bool {
	switch x := v.(type) {
	case nil:
		return true
	case string:
		return CleanCell(x) == ""
	}
	return false
}

func describe(v any) string {
	switch v.(type) {
	case map[string]any:
		return "object"
	case []any, []string:
		return "list"
	default:
		return fmt.Sprintf("%T", v)
	}
}

// displayValue renders a raw value for error messages, truncated.
func displayValue(v any) string {
	if v == nil {
		return ""
	}
	s := FormatValue(v)
	if len(s) > 80 {
		s = s[:77] + "..."
	}
	return s
}

// CleanCell removes common spreadsheet artifacts from a cell value:
// - Trims whitespace
// - Removes Excel formula prefix (="...")
// - Removes surrounding quotes
func CleanCell(s string) string {
	s = strings.TrimSpace(s)

	if strings.HasPrefix(s, "=\"") && strings.HasSuffix(s, "\"") {
		s = s[2 : len(s)-1]
	} else if strings.HasPrefix(s, "=") {
		s = s[1:]
	}

	s = strings.Trim(s, `"'`)
	return strings.TrimSpace(s)
}

// canonicalKey renders a coerced value for equality comparison.
// Dates compare by calendar day; strings compare case-sensitively.
func canonicalKey(t FieldType, v any) string {
	switch x := v.(type) {
	case time.Time:
		if t == TypeDate {
			return x.UTC().Format(time.DateOnly)
		}
		return x.UTC().Format(time.RFC3339Nano)
	default:
		return FormatValue(v)
	}
}
