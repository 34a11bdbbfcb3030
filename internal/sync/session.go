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

package sync

import (
	"context"
	"sort"
	stdsync "sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/pkg/errors"

	"github.com/inboxfold/inboxfold/internal/group"
	"github.com/inboxfold/inboxfold/internal/message"
)

// State is the coordinator's position in a refresh attempt.
type State int

const (
	StateIdle State = iota
	StateFetching
	StateReconciling
)

// Options tune a session.  The zero value gets sensible defaults.
type Options struct {
	// Query narrows the mailbox listing.  When a listing with
	// the query fails, one retry without it is attempted.
	Query string

	// PageSize is the listing page size.  Default 50.
	PageSize int64

	// OthersCap bounds the Others preview list.  Default 20.
	OthersCap int

	// FetchConcurrency bounds concurrent full-message fetches
	// within one page.  Default 10.
	FetchConcurrency int

	// RefreshInterval is the auto-refresh cadence.  Default 60s.
	RefreshInterval time.Duration

	// AutoRefresh enables the interval scheduler.  Default off.
	AutoRefresh bool

	// ReconcileDelay is how long after a successful send the
	// reconciling refresh is scheduled.  Default 3s.
	ReconcileDelay time.Duration
}

func (o *Options) fillDefaults() {
	if o.PageSize <= 0 {
		o.PageSize = 50
	}
	if o.OthersCap <= 0 {
		o.OthersCap = 20
	}
	if o.FetchConcurrency <= 0 {
		o.FetchConcurrency = 10
	}
	if o.RefreshInterval <= 0 {
		o.RefreshInterval = time.Minute
	}
	if o.ReconcileDelay <= 0 {
		o.ReconcileDelay = 3 * time.Second
	}
}

// OthersSummary describes the synthetic folder of bulk and automated
// mail that never enters a conversation.
type OthersSummary struct {
	// Total distinct messages diverted so far.
	Count int

	LastSnippet string
	LastDate    time.Time

	// The newest diverted messages, newest first, capped for
	// display.
	Preview []*message.Message
}

// Session is the per-authentication pipeline instance.  All live
// state hangs off it; nothing is ambient.  Created on
// authentication, torn down by SignOut.
type Session struct {
	mailbox    Mailbox
	store      MessageStore
	classifier Classifier
	grouper    *group.Grouper
	logger     *log.Logger
	opts       Options

	mu            stdsync.Mutex
	owner         string
	authed        bool
	state         State
	autoRefresh   bool
	conversations map[string]*message.Conversation
	others        map[string]*message.Message
	lastRefresh   time.Time
	lastErr       error
}

// NewSession authenticates against the mailbox (by fetching the
// account profile, which also tells us the owner's address) and
// returns a live session.
func NewSession(ctx context.Context, logger *log.Logger, mailbox Mailbox, store MessageStore, classifier Classifier, grouper *group.Grouper, opts Options) (*Session, error) {
	opts.fillDefaults()
	profile, err := mailbox.GetProfile(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "unable to authenticate session")
	}
	return &Session{
		mailbox:       mailbox,
		store:         store,
		classifier:    classifier,
		grouper:       grouper,
		logger:        logger,
		opts:          opts,
		owner:         profile.EmailAddress,
		authed:        true,
		autoRefresh:   opts.AutoRefresh,
		conversations: make(map[string]*message.Conversation),
		others:        make(map[string]*message.Message),
	}, nil
}

// SignOut tears the session down: credential state and all live
// conversation state are dropped.  The durable stores are left
// intact.
func (s *Session) SignOut() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.authed = false
	s.owner = ""
	s.conversations = make(map[string]*message.Conversation)
	s.others = make(map[string]*message.Message)
}

// Authenticated reports whether the session still holds a usable
// credential.
func (s *Session) Authenticated() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.authed
}

// Owner returns the mailbox owner's address.
func (s *Session) Owner() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.owner
}

// State returns the coordinator's current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Conversations returns the live conversation map.  The map is a
// copy; the conversations themselves are shared, so treat them as
// read-only.
func (s *Session) Conversations() map[string]*message.Conversation {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]*message.Conversation, len(s.conversations))
	for k, v := range s.conversations {
		out[k] = v
	}
	return out
}

// Conversation returns one conversation by its lower-cased email
// key, or nil.
func (s *Session) Conversation(key string) *message.Conversation {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conversations[key]
}

// SetStatus records a user-authored status on a conversation.  The
// value survives later regrouping passes.
func (s *Session) SetStatus(key, status string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.conversations[key]
	if !ok {
		return false
	}
	conv.Person.Status = status
	return true
}

// SetContactID links a conversation to a contact record.  The value
// survives later regrouping passes.
func (s *Session) SetContactID(key, contactID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.conversations[key]
	if !ok {
		return false
	}
	conv.Person.ContactID = contactID
	return true
}

// Others summarizes the diverted bulk/automated mail.
func (s *Session) Others() OthersSummary {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.othersLocked()
}

func (s *Session) othersLocked() OthersSummary {
	msgs := make([]*message.Message, 0, len(s.others))
	for _, m := range s.others {
		msgs = append(msgs, m)
	}
	sort.Slice(msgs, func(i, j int) bool {
		return msgs[i].InternalDate > msgs[j].InternalDate
	})
	sum := OthersSummary{Count: len(msgs)}
	if len(msgs) > 0 {
		sum.LastSnippet = msgs[0].Snippet
		sum.LastDate = msgs[0].Date()
	}
	if len(msgs) > s.opts.OthersCap {
		msgs = msgs[:s.opts.OthersCap]
	}
	sum.Preview = msgs
	return sum
}

// LastRefresh returns when the last successful refresh finished.
func (s *Session) LastRefresh() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastRefresh
}

// LastError returns the most recent refresh or send failure, if any.
// Prior successful data stays visible regardless.
func (s *Session) LastError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

// SetAutoRefresh toggles the interval scheduler's enabled flag.
func (s *Session) SetAutoRefresh(enabled bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.autoRefresh = enabled
}

func (s *Session) autoRefreshEnabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.autoRefresh
}
