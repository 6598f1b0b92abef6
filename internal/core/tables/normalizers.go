package tables

import (
	"errors"
	"strings"
	"unicode"
)

// collapseSpaces trims a string and folds internal whitespace runs into a
// single space. Non-string values pass through for coercion to judge.
func collapseSpaces(v any) (any, error) {
	s, ok := v.(string)
	if !ok {
		return v, nil
	}
	return strings.Join(strings.Fields(s), " "), nil
}

// upperCode normalizes unit codes: trimmed, upper case, spaces as dashes.
func upperCode(v any) (any, error) {
	s, ok := v.(string)
	if !ok {
		return v, nil
	}
	s = strings.ToUpper(strings.TrimSpace(s))
	return strings.Join(strings.Fields(s), "-"), nil
}

// normalizePhone keeps digits and a leading plus sign.
// "(555) 010-0199" becomes "5550100199".
func normalizePhone(v any) (any, error) {
	s, ok := v.(string)
	if !ok {
		return v, nil
	}
	s = strings.TrimSpace(s)
	var b strings.Builder
	for i, r := range s {
		switch {
		case unicode.IsDigit(r):
			b.WriteRune(r)
		case r == '+' && i == 0:
			b.WriteRune(r)
		case r == ' ', r == '-', r == '.', r == '(', r == ')':
		default:
			return nil, errors.New("phone number may only contain digits, spaces, dashes, dots and parentheses")
		}
	}
	return b.String(), nil
}

func checkPhone(v any) error {
	s, _ := v.(string)
	digits := strings.TrimPrefix(s, "+")
	if len(digits) < 7 || len(digits) > 15 {
		return errors.New("phone number must have between 7 and 15 digits")
	}
	return nil
}
