// Copyright (c) Magnet Systems, Inc.
// SPDX-License-Identifier: Apache-2.0

package topics

import (
	"errors"
	"strings"
	"unicode/utf8"
)

// MaxNameLen bounds the normalized topic path length.
const MaxNameLen = 64

// Common validation errors.
var (
	ErrInvalidName = errors.New("invalid topic name")
	ErrNameTooLong = errors.New("topic name too long")
)

// Normalize lower-cases a topic path and strips leading and trailing
// delimiters. Interior delimiters are preserved; they form a path hierarchy.
func Normalize(name string) string {
	return strings.Trim(strings.ToLower(name), string(Delimiter))
}

// Validate checks that a topic path is usable before normalization. The
// wildcard owner segment, empty paths, over-long paths, and non-UTF-8 input
// are rejected.
func Validate(name string) error {
	n := Normalize(name)
	if n == "" || n == Wildcard {
		return ErrInvalidName
	}
	if !utf8.ValidString(n) {
		return ErrInvalidName
	}
	if strings.ContainsAny(n, "\x00*#") {
		return ErrInvalidName
	}
	if len(n) > MaxNameLen {
		return ErrNameTooLong
	}
	return nil
}
