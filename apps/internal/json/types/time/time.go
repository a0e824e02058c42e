// Copyright (c) Microsoft Corporation.
// Licensed under the MIT license.

// Package time provides for custom types to translate time from JSON and other formats
// into time.Time objects.
package time

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Unix provides a type that can marshal and unmarshal a string representation
// of the unix epoch into a time.Time object. This is the format every timestamp in
// the persisted cache uses.
type Unix struct {
	T time.Time
}

// MarshalJSON implements encoding/json.MarshalJSON(). The zero time is written as null.
func (u Unix) MarshalJSON() ([]byte, error) {
	if u.T.IsZero() {
		return []byte("null"), nil
	}
	return []byte(strconv.Quote(strconv.FormatInt(u.T.Unix(), 10))), nil
}

// UnmarshalJSON implements encoding/json.UnmarshalJSON(). Both "1700000000" and
// 1700000000 are accepted; null and "" leave the zero time.
func (u *Unix) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	if s == "" || bytes.Equal(b, []byte("null")) {
		u.T = time.Time{}
		return nil
	}
	i, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return fmt.Errorf("unix time(%s) could not be converted from string to int: %w", string(b), err)
	}
	u.T = time.Unix(i, 0).UTC()
	return nil
}

// Seconds is a duration sent by the token endpoint as a count of seconds, either as a
// JSON number or a string ("expires_in": 3599 or "expires_in": "3599").
type Seconds struct {
	D time.Duration
}

// MarshalJSON implements encoding/json.MarshalJSON().
func (s Seconds) MarshalJSON() ([]byte, error) {
	return []byte(strconv.FormatInt(int64(s.D/time.Second), 10)), nil
}

// UnmarshalJSON implements encoding/json.UnmarshalJSON().
func (s *Seconds) UnmarshalJSON(b []byte) error {
	str := strings.Trim(string(b), `"`)
	if str == "" || str == "null" {
		s.D = 0
		return nil
	}
	i, err := strconv.ParseInt(str, 10, 64)
	if err != nil {
		return fmt.Errorf("duration(%s) could not be converted from string to int: %w", string(b), err)
	}
	s.D = time.Duration(i) * time.Second
	return nil
}

// From returns the instant s after now.
func (s Seconds) From(now time.Time) time.Time {
	return now.Add(s.D)
}
