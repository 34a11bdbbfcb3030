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
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/inboxfold/inboxfold/internal/gmail"
	"github.com/inboxfold/inboxfold/internal/message"
	"github.com/inboxfold/inboxfold/internal/mime"
	"github.com/inboxfold/inboxfold/internal/parse"
)

const snippetLimit = 120

// SendMessage sends body to the named recipient.  The message is
// inserted into the recipient's conversation optimistically, before
// the mailbox accepts it; a transport failure rolls the insertion
// back and surfaces the error.  On success a reconciling refresh is
// scheduled so the provisional copy is replaced by the mailbox's
// canonical record.
func (s *Session) SendMessage(ctx context.Context, to, body string) error {
	s.mu.Lock()
	owner := s.owner
	authed := s.authed
	s.mu.Unlock()
	if !authed || owner == "" {
		return ErrNotAuthenticated
	}

	addr := parse.Address(to)
	if !addr.Ok() {
		return errors.Errorf("no usable recipient address in %q", to)
	}

	prov := provisional(owner, addr, body)
	key := strings.ToLower(addr.Email)
	s.insertProvisional(key, addr, prov)

	raw := mime.BuildRaw(owner, addr.Email, "", body)
	if err := s.mailbox.Send(ctx, raw); err != nil {
		s.rollbackProvisional(key, prov.PermID)
		if errors.Cause(err) == gmail.ErrUnauthorized {
			s.expireAuth()
		}
		s.mu.Lock()
		s.lastErr = err
		s.mu.Unlock()
		return errors.Wrapf(err, "unable to send message to %v", addr.Email)
	}

	// Give the mailbox a moment to index the sent copy, then let a
	// normal refresh reconcile it.  The in-flight guard makes an
	// overlap with a running refresh harmless.
	time.AfterFunc(s.opts.ReconcileDelay, func() {
		if err := s.Refresh(context.Background()); err != nil && err != ErrRefreshInFlight {
			s.logger.Warn("reconciling refresh failed", "err", err)
		}
	})
	return nil
}

// provisional builds the local stand-in for a message the mailbox
// has not yet accepted.  Sent mail is by definition from a real
// human, so classification is pre-answered.
func provisional(owner string, to parse.Addr, body string) *message.Message {
	human := true
	now := time.Now()
	return &message.Message{
		ID:       message.ID{PermID: "local-" + uuid.NewString()},
		LabelIDs: []string{"SENT"},
		Snippet:  snippetOf(body),
		Headers: []message.Header{
			{Name: "From", Value: owner},
			{Name: "To", Value: to.Email},
			{Name: "Date", Value: now.Format(time.RFC1123Z)},
		},
		Payload: message.Part{
			MimeType: "text/plain",
			Data:     mime.EncodeBody(body),
		},
		InternalDate: now.UnixMilli(),
		IsRealHuman:  &human,
	}
}

func snippetOf(body string) string {
	s := strings.Join(strings.Fields(body), " ")
	if len(s) > snippetLimit {
		// Back up to a rune boundary so the cut never leaves a
		// partial UTF-8 sequence.
		cut := snippetLimit
		for cut > 0 && !utf8.RuneStart(s[cut]) {
			cut--
		}
		s = s[:cut]
	}
	return s
}

// insertProvisional appends the provisional message to the
// recipient's conversation, creating the conversation when this is
// the first exchange with them.  Concurrent sends to the same
// recipient land in call order; the summary refresh keeps the
// thread chronological.
func (s *Session) insertProvisional(key string, to parse.Addr, msg *message.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.conversations[key]
	if !ok {
		conv = &message.Conversation{
			Person: message.Person{Email: key, Name: to.Name},
		}
		s.conversations[key] = conv
	}
	conv.Messages = append(conv.Messages, msg)
	s.grouper.Refresh(conv)
}

// rollbackProvisional removes the provisional message after a failed
// send.  A conversation created solely for it is removed outright;
// an existing conversation gets its summary recomputed.
func (s *Session) rollbackProvisional(key, permID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.conversations[key]
	if !ok {
		return
	}
	kept := conv.Messages[:0]
	for _, m := range conv.Messages {
		if m.PermID != permID {
			kept = append(kept, m)
		}
	}
	conv.Messages = kept
	if len(conv.Messages) == 0 {
		delete(s.conversations, key)
		return
	}
	s.grouper.Refresh(conv)
}
