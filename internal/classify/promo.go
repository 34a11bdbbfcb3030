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

// Package classify attaches human/automated and action-needed
// judgments to messages.  A cheap local heuristic handles bulk mail;
// everything else goes through the inference service in bounded
// concurrent batches, consulting a durable cache first.
package classify

import (
	"strings"

	"github.com/inboxfold/inboxfold/internal/message"
)

// Policy is the heuristic rule table for spotting bulk and marketing
// mail without an inference call.  The lists are deliberately plain
// data so deployments can swap them out; the defaults are known to
// misfire on words like "update" that appear in personal mail too.
type Policy struct {
	// Provider category labels that mark bulk mail outright.
	CategoryLabels []string

	// Case-insensitive substrings matched against the Subject
	// header.
	SubjectKeywords []string

	// Case-insensitive substrings matched against the From
	// header.
	SenderKeywords []string
}

// DefaultPolicy is the stock rule table.
var DefaultPolicy = Policy{
	CategoryLabels: []string{"CATEGORY_PROMOTIONS"},
	SubjectKeywords: []string{
		"newsletter", "offer", "deal", "discount", "sale", "promo",
		"unsubscribe", "subscription", "marketing", "update", "news",
		"weekly", "monthly",
	},
	SenderKeywords: []string{
		"noreply", "no-reply", "donotreply", "newsletter", "marketing",
		"notifications", "updates",
	},
}

// IsPromotional reports whether a message looks like bulk or
// marketing mail.  It is a pure function: no network, no stores.
// Positives never reach the inference service, so a false positive
// silently hides a real conversation while a false negative merely
// costs an inference call.
func (p Policy) IsPromotional(msg *message.Message) bool {
	for _, label := range p.CategoryLabels {
		if msg.HasLabel(label) {
			return true
		}
	}

	subject := strings.ToLower(msg.Header("Subject"))
	for _, kw := range p.SubjectKeywords {
		if strings.Contains(subject, kw) {
			return true
		}
	}

	sender := strings.ToLower(msg.Header("From"))
	for _, kw := range p.SenderKeywords {
		if strings.Contains(sender, kw) {
			return true
		}
	}

	return msg.Header("List-Unsubscribe") != ""
}
