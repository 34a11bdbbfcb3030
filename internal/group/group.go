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

// Package group folds a classified message set into per-person
// conversations: one chronologically ordered thread per counterparty
// address, with derived summary fields and a suggested action.
package group

import (
	"strings"
	"time"

	"github.com/inboxfold/inboxfold/internal/classify"
	"github.com/inboxfold/inboxfold/internal/message"
	"github.com/inboxfold/inboxfold/internal/parse"
)

// Grouper builds conversation maps keyed by lower-cased counterparty
// email.
type Grouper struct {
	policy classify.Policy
	rules  []ActionRule
	now    func() time.Time
}

func New(policy classify.Policy, rules []ActionRule) *Grouper {
	if rules == nil {
		rules = DefaultActionRules
	}
	return &Grouper{policy: policy, rules: rules, now: time.Now}
}

// Group folds msgs into conversations for the mailbox owner.
// Promotional messages and messages judged automated never enter a
// conversation; they are summarized elsewhere.  A message not yet
// judged counts as human.  Messages with no parseable counterparty
// are grouped under a deterministic subject-derived key instead of
// being dropped.
func (g *Grouper) Group(msgs []*message.Message, owner string) map[string]*message.Conversation {
	convs := make(map[string]*message.Conversation)

	for _, msg := range msgs {
		if g.policy.IsPromotional(msg) {
			continue
		}
		if msg.IsRealHuman != nil && !*msg.IsRealHuman {
			continue
		}

		var key, name string
		if addr, ok := parse.Counterparty(msg, owner); ok {
			key = addr.Email
			name = addr.Name
		} else {
			key = parse.FallbackKey(msg)
			name = strings.TrimSpace(msg.Header("Subject"))
		}

		conv, ok := convs[key]
		if !ok {
			conv = &message.Conversation{Person: message.Person{Email: key, Name: name}}
			convs[key] = conv
		}
		if conv.Person.Name == "" && name != "" {
			conv.Person.Name = name
		}
		if !conv.Contains(msg.PermID) {
			conv.Messages = append(conv.Messages, msg)
		}
	}

	for _, conv := range convs {
		g.Refresh(conv)
	}
	return convs
}

// Merge folds freshly grouped conversations into the live map,
// producing a new map.  Messages are united without duplicates and
// user-authored Person fields (Status, ContactID) from the live side
// always survive.  Merging the same fresh set twice is a no-op.
func (g *Grouper) Merge(live, fresh map[string]*message.Conversation) map[string]*message.Conversation {
	out := make(map[string]*message.Conversation, len(live)+len(fresh))
	for key, conv := range live {
		out[key] = conv
	}

	for key, conv := range fresh {
		prior, ok := out[key]
		if !ok {
			out[key] = conv
			continue
		}
		for _, msg := range conv.Messages {
			if !prior.Contains(msg.PermID) {
				prior.Messages = append(prior.Messages, msg)
			}
		}
		if prior.Person.Name == "" {
			prior.Person.Name = conv.Person.Name
		}
		g.Refresh(prior)
	}
	return out
}

// Refresh recomputes a conversation's derived fields: message order,
// last snippet/date, unread count, and the suggested action.  The
// user-authored Status and ContactID fields are left alone.
func (g *Grouper) Refresh(conv *message.Conversation) {
	conv.SortMessages()

	unread := 0
	for _, msg := range conv.Messages {
		if msg.Unread() {
			unread++
		}
	}
	conv.Person.UnreadCount = unread

	if n := len(conv.Messages); n > 0 {
		last := conv.Messages[n-1]
		conv.Person.LastMessageDate = last.Date()
		conv.Person.LastMessageSnippet = last.Snippet
	}

	conv.Person.Action = g.suggestAction(conv)
}

// suggestAction prefers the inference-derived action from the most
// recent message that carries one; only when no message does is the
// heuristic ladder consulted, first matching rule winning.
func (g *Grouper) suggestAction(conv *message.Conversation) string {
	for i := len(conv.Messages) - 1; i >= 0; i-- {
		if a := conv.Messages[i].ActionNeeded; a != "" {
			return a
		}
	}
	for _, rule := range g.rules {
		if action := rule.Apply(conv, g.now()); action != "" {
			return action
		}
	}
	return ""
}

// ActionRule is one rung of the fallback heuristic ladder.  Apply
// returns a suggestion or "" to pass to the next rule.  The rules
// are ordinary data so deployments can reorder or replace them.
type ActionRule struct {
	Name  string
	Apply func(conv *message.Conversation, now time.Time) string
}

const (
	manyUnreadThreshold = 3
	staleAfter          = 7 * 24 * time.Hour
)

var (
	urgentAddressWords = []string{"urgent", "asap", "alert", "security", "billing", "invoice"}
	documentWords      = []string{"document", "review", "attached", "attachment", "proposal", "contract"}
)

func containsAny(s string, words []string) bool {
	s = strings.ToLower(s)
	for _, w := range words {
		if strings.Contains(s, w) {
			return true
		}
	}
	return false
}

// DefaultActionRules is the stock ladder, in priority order.
var DefaultActionRules = []ActionRule{
	{
		Name: "urgent-address",
		Apply: func(conv *message.Conversation, _ time.Time) string {
			if containsAny(conv.Person.Email, urgentAddressWords) {
				return "Respond promptly"
			}
			return ""
		},
	},
	{
		Name: "many-unread",
		Apply: func(conv *message.Conversation, _ time.Time) string {
			if conv.Person.UnreadCount >= manyUnreadThreshold {
				return "Catch up on unread messages"
			}
			return ""
		},
	},
	{
		Name: "question-in-snippet",
		Apply: func(conv *message.Conversation, _ time.Time) string {
			if strings.Contains(conv.Person.LastMessageSnippet, "?") {
				return "Reply to their question"
			}
			return ""
		},
	},
	{
		Name: "document-keyword",
		Apply: func(conv *message.Conversation, _ time.Time) string {
			if containsAny(conv.Person.LastMessageSnippet, documentWords) {
				return "Review the document"
			}
			return ""
		},
	},
	{
		Name: "stale-thread",
		Apply: func(conv *message.Conversation, now time.Time) string {
			if conv.Person.UnreadCount > 0 && !conv.Person.LastMessageDate.IsZero() &&
				now.Sub(conv.Person.LastMessageDate) > staleAfter {
				return "Follow up on an old thread"
			}
			return ""
		},
	},
}
