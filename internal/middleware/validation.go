package middleware

import (
	"errors"
	"strconv"
	"strings"
	"unicode/utf8"
)

// MaxOwnerIDLength bounds the owner path segment.
const MaxOwnerIDLength = 128

// ValidateOwnerID validates an owner id taken from the path.
func ValidateOwnerID(id string) error {
	if strings.TrimSpace(id) == "" {
		return errors.New("user ID cannot be empty")
	}
	if len(id) > MaxOwnerIDLength {
		return errors.New("user ID exceeds maximum length")
	}
	if !utf8.ValidString(id) {
		return errors.New("user ID must be valid UTF-8")
	}
	return nil
}

// ParseID parses a positive integer id from a path segment.
func ParseID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, errors.New("invalid ID format")
	}
	return id, nil
}
