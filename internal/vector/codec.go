package vector

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

var (
	// ErrEmptyVector is returned for input that denotes a list with no elements.
	ErrEmptyVector = errors.New("empty vector")

	// ErrMalformedVector is returned for input that is not a flat list of reals.
	ErrMalformedVector = errors.New("malformed vector")

	// ErrZeroMagnitude is returned when a similarity involves a zero vector.
	ErrZeroMagnitude = errors.New("vector has zero magnitude")
)

// ParseError describes why a serialized vector was rejected.
type ParseError struct {
	// Element is the zero-based index of the offending element, or -1.
	Element int
	Reason  string
	Err     error
}

func (e *ParseError) Error() string {
	if e.Element >= 0 {
		return fmt.Sprintf("%v: element %d: %s", e.Err, e.Element, e.Reason)
	}
	return fmt.Sprintf("%v: %s", e.Err, e.Reason)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

func malformed(element int, reason string) *ParseError {
	return &ParseError{Element: element, Reason: reason, Err: ErrMalformedVector}
}

// Decode parses a textual list literal such as "[0.1, -2e-3, 4]" or
// "(0.1, 0.2)" into a Vector. JSON arrays and pgvector text output are
// accepted as-is. A single trailing comma is allowed. Nested lists,
// non-numeric elements and non-finite values are rejected.
func Decode(raw string) (Vector, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return nil, &ParseError{Element: -1, Reason: "input is blank", Err: ErrEmptyVector}
	}

	var closing byte
	switch s[0] {
	case '[':
		closing = ']'
	case '(':
		closing = ')'
	default:
		return nil, malformed(-1, "missing opening bracket")
	}
	if len(s) < 2 || s[len(s)-1] != closing {
		return nil, malformed(-1, "missing or mismatched closing bracket")
	}

	inner := s[1 : len(s)-1]
	if strings.ContainsAny(inner, "[]()") {
		return nil, malformed(-1, "nested lists are not supported")
	}
	if strings.TrimSpace(inner) == "" {
		return nil, &ParseError{Element: -1, Reason: "list has no elements", Err: ErrEmptyVector}
	}

	parts := strings.Split(inner, ",")
	if len(parts) > 1 && strings.TrimSpace(parts[len(parts)-1]) == "" {
		parts = parts[:len(parts)-1]
	}

	vec := make(Vector, len(parts))
	for i, part := range parts {
		field := strings.TrimSpace(part)
		if field == "" {
			return nil, malformed(i, "empty element")
		}

		value, err := strconv.ParseFloat(field, 64)
		if err != nil {
			return nil, malformed(i, fmt.Sprintf("not a number: %q", field))
		}
		if math.IsNaN(value) || math.IsInf(value, 0) {
			return nil, malformed(i, "value is not finite")
		}
		vec[i] = value
	}

	return vec, nil
}

// Encode renders v in the canonical text form accepted by Decode.
func Encode(v Vector) string {
	var b strings.Builder
	b.Grow(len(v) * 12)
	b.WriteByte('[')
	for i, x := range v {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(strconv.FormatFloat(x, 'g', -1, 64))
	}
	b.WriteByte(']')
	return b.String()
}
