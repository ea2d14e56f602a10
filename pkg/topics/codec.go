// Copyright 2024 The fleetgate Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package topics implements the canonical FleetGate topic address scheme
// <prefix>/<identity>/<direction>/<service> and the translation of MQTT
// wildcards (+ and #) into anchored matching expressions. The matcher uses
// byte-range character classes rather than Unicode classes so that topic
// matching stays byte-for-byte compatible with deployed device firmware.
package topics

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// Direction identifies which way a message on a topic flows.
type Direction string

const (
	// DeviceToCloud marks topics the device publishes on.
	DeviceToCloud Direction = "up"
	// CloudToDevice marks topics the device subscribes to.
	CloudToDevice Direction = "dn"
)

var (
	// ErrBadPattern is returned when a topic pattern cannot be translated
	// into a match expression, e.g. a '#' that is not the final segment.
	ErrBadPattern = errors.New("bad topic pattern")
	// ErrBadTopic is returned when a concrete topic does not have the
	// canonical <prefix>/<identity>/<direction>/<service> shape.
	ErrBadTopic = errors.New("malformed topic")
)

// segmentClass matches a single character of one topic path segment:
// printable, non-control, non-slash, non-whitespace bytes. The explicit
// byte ranges (C0 controls, DEL through C1 controls and NBSP excluded)
// mirror the ISO-8859-1 semantics of the device firmware.
const segmentClass = `[^\s/\x00-\x1f\x7f-\xa0]`

// Address is the decomposed form of a canonical topic.
type Address struct {
	Prefix    string
	Identity  string
	Direction Direction
	Service   string
}

// Codec formats and parses canonical topic strings under a fixed prefix.
type Codec struct {
	Prefix string
}

// NewCodec returns a Codec for the given topic prefix.
func NewCodec(prefix string) *Codec {
	return &Codec{Prefix: strings.Trim(prefix, "/")}
}

// Format builds the canonical topic string for an identity and service.
func (c *Codec) Format(dir Direction, identity, service string) string {
	return fmt.Sprintf("%s/%s/%s/%s", c.Prefix, identity, dir, service)
}

// Parse splits a concrete topic back into its canonical parts. It returns
// ErrBadTopic when the topic does not carry exactly four segments under
// the codec's prefix or names an unknown direction.
func (c *Codec) Parse(topic string) (Address, error) {
	parts := strings.Split(topic, "/")
	prefixParts := strings.Split(c.Prefix, "/")
	if len(parts) != len(prefixParts)+3 {
		return Address{}, fmt.Errorf("%w: %q", ErrBadTopic, topic)
	}
	for i, p := range prefixParts {
		if parts[i] != p {
			return Address{}, fmt.Errorf("%w: %q", ErrBadTopic, topic)
		}
	}
	rest := parts[len(prefixParts):]
	dir := Direction(rest[1])
	if dir != DeviceToCloud && dir != CloudToDevice {
		return Address{}, fmt.Errorf("%w: unknown direction in %q", ErrBadTopic, topic)
	}
	if rest[0] == "" || rest[2] == "" {
		return Address{}, fmt.Errorf("%w: %q", ErrBadTopic, topic)
	}
	return Address{
		Prefix:    c.Prefix,
		Identity:  rest[0],
		Direction: dir,
		Service:   rest[2],
	}, nil
}

// Matcher is a compiled topic match expression produced by
// ToMatchExpression.
type Matcher struct {
	pattern string
	re      *regexp.Regexp
}

// ToMatchExpression translates an MQTT topic pattern into an anchored
// matching expression. A '+' matches exactly one path segment; a trailing
// '#' matches one or more segments, so "a/+/c" matches "a/b/c" but not
// "a/b/c/d", and "a/#" matches "a/b" and "a/b/c" but not bare "a".
func ToMatchExpression(pattern string) (*Matcher, error) {
	if pattern == "" {
		return nil, fmt.Errorf("%w: empty pattern", ErrBadPattern)
	}
	segments := strings.Split(pattern, "/")
	exprs := make([]string, 0, len(segments))
	for i, seg := range segments {
		switch seg {
		case "+":
			exprs = append(exprs, segmentClass+"+")
		case "#":
			if i != len(segments)-1 {
				return nil, fmt.Errorf("%w: '#' must be the final segment in %q", ErrBadPattern, pattern)
			}
			exprs = append(exprs, segmentClass+"+(?:/"+segmentClass+"+)*")
		default:
			if strings.Contains(seg, "#") || strings.Contains(seg, "+") {
				return nil, fmt.Errorf("%w: wildcard must occupy a whole segment in %q", ErrBadPattern, pattern)
			}
			exprs = append(exprs, regexp.QuoteMeta(seg))
		}
	}
	re, err := regexp.Compile("^" + strings.Join(exprs, "/") + "$")
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadPattern, err)
	}
	return &Matcher{pattern: pattern, re: re}, nil
}

// Pattern returns the original topic pattern this matcher was built from.
func (m *Matcher) Pattern() string {
	return m.pattern
}

// Matches reports whether a concrete topic satisfies the match
// expression. An empty topic never matches.
func (m *Matcher) Matches(topic string) bool {
	if m == nil || topic == "" {
		return false
	}
	return m.re.MatchString(topic)
}
