// Package base64url implements the URL-safe base64 alphabet used across
// signed update metadata: encoding strips padding, decoding accepts both
// padded and unpadded input.
package base64url

import (
	"encoding/base64"
	"errors"
	"strings"
)

var ErrEmptyInput = errors.New("base64url: empty input")

// Encode returns the URL-safe base64 encoding of data without padding.
func Encode(data []byte) string {
	return base64.RawURLEncoding.EncodeToString(data)
}

// Decode decodes a URL-safe base64 string. Trailing '=' padding is
// tolerated but not required.
func Decode(s string) ([]byte, error) {
	if s == "" {
		return nil, ErrEmptyInput
	}
	trimmed := strings.TrimRight(s, "=")
	data, err := base64.RawURLEncoding.DecodeString(trimmed)
	if err != nil {
		return nil, err
	}
	return data, nil
}

// DecodeString decodes a URL-safe base64 string into text.
func DecodeString(s string) (string, error) {
	data, err := Decode(s)
	if err != nil {
		return "", err
	}
	return string(data), nil
}
