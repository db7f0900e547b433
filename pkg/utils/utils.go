package utils

import (
	"strings"
	"time"
)

type Integer interface {
	~int | ~int8 | ~int16 | ~int32 | ~int64 | ~uint | ~uint8 | ~uint16 | ~uint32 | ~uint64 | ~uintptr
}

// SetDefaultNum sets *p to d if *p <= 0.
func SetDefaultNum[K Integer](p *K, d K) {
	if *p <= 0 {
		*p = d
	}
}

// SetDefaultString sets *p to d if *p is empty.
func SetDefaultString(p *string, d string) {
	if len(*p) == 0 {
		*p = d
	}
}

// IsBlank reports whether s holds nothing but white space.
func IsBlank(s string) bool {
	return len(strings.TrimSpace(s)) == 0
}

// Milliseconds converts a config value in ms to a time.Duration.
func Milliseconds[K Integer](n K) time.Duration {
	return time.Duration(n) * time.Millisecond
}
