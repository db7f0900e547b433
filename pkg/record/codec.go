package record

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrDecode is returned by Decode for any value that does not hold a
// valid Record.
var ErrDecode = errors.New("record decode error")

// Encode serializes r into its stored form.
func Encode(r *Record) (string, error) {
	b, err := json.Marshal(r)
	if err != nil {
		return "", fmt.Errorf("failed to encode record %s, %w", r.Domain, err)
	}
	return string(b), nil
}

// Decode parses a stored value. Values with unknown fields, trailing
// data or fields that fail Validate are rejected.
func Decode(s string) (*Record, error) {
	d := json.NewDecoder(strings.NewReader(s))
	d.DisallowUnknownFields()

	r := new(Record)
	if err := d.Decode(r); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDecode, err)
	}
	if d.More() {
		return nil, fmt.Errorf("%w: trailing data", ErrDecode)
	}
	if err := r.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDecode, err)
	}
	return r, nil
}

