// Copyright 2019 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package parse extracts counterparty identities from loosely
// formatted address header values.
package parse

import (
	"regexp"
	"strings"

	"github.com/inboxfold/inboxfold/internal/message"
)

// Kind identifies which address syntax a header value matched.
type Kind int

const (
	// Angle is the common `Name <email>` form.
	Angle Kind = iota

	// Parenthetical is the older `email (Name)` form.
	Parenthetical

	// Bare is a plain address with no display name.
	Bare

	// Unparseable means no usable address was found.
	Unparseable
)

// Addr is the outcome of parsing one address header value.  Kind is
// always set, so callers can handle every parse outcome exhaustively
// instead of probing optional fields.
type Addr struct {
	Kind  Kind
	Email string
	Name  string
}

// Ok reports whether the parse produced a usable address.
func (a Addr) Ok() bool {
	return a.Kind != Unparseable
}

var (
	angleRe = regexp.MustCompile(`^\s*"?([^"<]*?)"?\s*<\s*([^<>\s]+@[^<>\s]+)\s*>\s*$`)
	parenRe = regexp.MustCompile(`^\s*([^\s(]+@[^\s(]+)\s*\(([^)]*)\)\s*$`)
	bareRe  = regexp.MustCompile(`[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}`)
)

// Address parses a single address header value.  The three known
// syntaxes are tried in order; as a last resort the whole trimmed
// value is treated as a bare address when it merely looks like one.
func Address(value string) Addr {
	if m := angleRe.FindStringSubmatch(value); m != nil {
		return Addr{
			Kind:  Angle,
			Email: strings.ToLower(m[2]),
			Name:  strings.TrimSpace(m[1]),
		}
	}
	if m := parenRe.FindStringSubmatch(value); m != nil {
		return Addr{
			Kind:  Parenthetical,
			Email: strings.ToLower(m[1]),
			Name:  strings.TrimSpace(m[2]),
		}
	}
	if m := bareRe.FindString(value); m != "" {
		return Addr{Kind: Bare, Email: strings.ToLower(m)}
	}
	return Addr{Kind: Unparseable}
}

// Counterparty derives the person on the other side of a message
// from its From and To headers.  For inbound mail that is the From
// address; for mail the owner sent it is the first To recipient that
// is not the owner.  The second return value is false when no usable
// address was found anywhere.
func Counterparty(msg *message.Message, owner string) (Addr, bool) {
	owner = strings.ToLower(strings.TrimSpace(owner))

	if from := Address(msg.Header("From")); from.Ok() && from.Email != owner {
		return from, true
	}

	// Outbound message: scan the recipients for the first
	// non-owner address.  The To header may hold several
	// comma-separated recipients.
	for _, field := range strings.Split(msg.Header("To"), ",") {
		if field = strings.TrimSpace(field); field == "" {
			continue
		}
		if to := Address(field); to.Ok() && to.Email != owner {
			return to, true
		}
	}
	return Addr{Kind: Unparseable}, false
}

var keyScrub = regexp.MustCompile(`[^a-z0-9]+`)

// FallbackKey builds a deterministic grouping key for a message with
// no parseable counterparty, derived from its subject.  Messages
// with the same subject land in the same synthetic conversation
// rather than being dropped.
func FallbackKey(msg *message.Message) string {
	subject := strings.ToLower(strings.TrimSpace(msg.Header("Subject")))
	sanitized := strings.Trim(keyScrub.ReplaceAllString(subject, "-"), "-")
	if sanitized == "" {
		sanitized = "no-subject"
	}
	return "unknown:" + sanitized
}
