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

// Package sync coordinates the refresh pipeline: list a page of
// mailbox messages, fetch their full bodies, persist them, classify
// them, and fold the survivors into the live conversation state.
package sync

import (
	"context"
	stdsync "sync"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/inboxfold/inboxfold/internal/gmail"
	"github.com/inboxfold/inboxfold/internal/message"
)

var (
	// ErrRefreshInFlight reports that a refresh attempt overlapped
	// an earlier one still running.  The caller should simply wait.
	ErrRefreshInFlight = errors.New("refresh already in flight")

	// ErrNotAuthenticated reports that the session's credential is
	// gone; a new sign-in is required.
	ErrNotAuthenticated = errors.New("session is not authenticated")
)

// Refresh runs one pipeline pass.  At most one refresh runs at a
// time; overlapping calls fail fast with ErrRefreshInFlight and the
// running pass is left alone.  On failure the previous conversation
// state stays visible and the error is also recorded on the session.
func (s *Session) Refresh(ctx context.Context) error {
	s.mu.Lock()
	if !s.authed {
		s.mu.Unlock()
		return ErrNotAuthenticated
	}
	if s.state != StateIdle {
		s.mu.Unlock()
		return ErrRefreshInFlight
	}
	s.state = StateFetching
	s.mu.Unlock()

	err := s.refresh(ctx)

	s.mu.Lock()
	s.state = StateIdle
	if err != nil {
		s.lastErr = err
	} else {
		s.lastErr = nil
		s.lastRefresh = time.Now()
	}
	s.mu.Unlock()
	return err
}

func (s *Session) refresh(ctx context.Context) error {
	page, err := s.listPage(ctx)
	if err != nil {
		return err
	}
	msgs, err := s.fetchAll(ctx, page.IDs)
	if err != nil {
		return err
	}
	for _, m := range msgs {
		// Persistence failures degrade durability, not the
		// pass: the in-memory pipeline continues.
		if err := s.store.PutMessage(ctx, m); err != nil {
			s.logger.Warn("unable to persist message", "id", m.PermID, "err", err)
		}
	}
	result, err := s.classifier.Classify(ctx, msgs)
	if err != nil {
		return errors.Wrap(err, "unable to classify messages")
	}

	s.mu.Lock()
	s.state = StateReconciling
	s.mu.Unlock()

	fresh := s.grouper.Group(msgs, s.Owner())

	s.mu.Lock()
	s.conversations = s.grouper.Merge(s.conversations, fresh)
	for _, m := range result.Promotional {
		s.others[m.PermID] = m
	}
	for _, m := range result.NonHuman {
		s.others[m.PermID] = m
	}
	s.mu.Unlock()
	return nil
}

// listPage lists one page of message identity listings.  When the
// narrowed query fails for a reason other than an expired
// credential, one retry without the query is attempted before giving
// up.
func (s *Session) listPage(ctx context.Context) (*message.Page, error) {
	page, err := s.mailbox.List(ctx, "", s.opts.Query, s.opts.PageSize)
	if err == nil {
		return page, nil
	}
	if errors.Cause(err) == gmail.ErrUnauthorized {
		s.expireAuth()
		return nil, errors.Wrap(err, "unable to list messages")
	}
	if s.opts.Query == "" {
		return nil, errors.Wrap(err, "unable to list messages")
	}
	s.logger.Warn("listing failed, retrying without query", "query", s.opts.Query, "err", err)
	page, err = s.mailbox.List(ctx, "", "", s.opts.PageSize)
	if err != nil {
		if errors.Cause(err) == gmail.ErrUnauthorized {
			s.expireAuth()
		}
		return nil, errors.Wrap(err, "unable to list messages")
	}
	return page, nil
}

// fetchAll downloads the full form of each listed message
// concurrently.  Individual fetch failures drop that message from
// the pass; the pipeline is only aborted on cancellation or an
// expired credential.
func (s *Session) fetchAll(ctx context.Context, ids []message.ID) ([]*message.Message, error) {
	grp, ctx := errgroup.WithContext(ctx)
	ch := make(chan message.ID)

	grp.Go(func() error {
		defer close(ch)
		for _, id := range ids {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case ch <- id:
			}
		}
		return nil
	})

	var mu stdsync.Mutex
	var msgs []*message.Message
	for i := 0; i < s.opts.FetchConcurrency; i++ {
		grp.Go(func() error {
			for id := range ch {
				m, err := s.mailbox.Get(ctx, id.PermID)
				if err != nil {
					switch errors.Cause(err) {
					case gmail.ErrMessageNotFound:
						// Listings sometimes name messages that
						// can no longer be fetched; skip them.
						continue
					case gmail.ErrUnauthorized:
						s.expireAuth()
						return errors.Wrapf(err, "failed getting message %v", id.PermID)
					}
					s.logger.Warn("unable to fetch message", "id", id.PermID, "err", err)
					continue
				}
				mu.Lock()
				msgs = append(msgs, m)
				mu.Unlock()
			}
			return nil
		})
	}
	if err := grp.Wait(); err != nil {
		return nil, errors.Wrap(err, "unable to fetch messages")
	}
	return msgs, nil
}

func (s *Session) expireAuth() {
	s.mu.Lock()
	s.authed = false
	s.mu.Unlock()
}

// AutoRefresh runs the interval scheduler until ctx is cancelled.
// Each tick triggers a refresh only when the feature is enabled and
// the session is authenticated; a tick that lands while a refresh is
// already running is skipped.
func (s *Session) AutoRefresh(ctx context.Context) {
	ticker := time.NewTicker(s.opts.RefreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !s.autoRefreshEnabled() || !s.Authenticated() {
				continue
			}
			if err := s.Refresh(ctx); err != nil && errors.Cause(err) != ErrRefreshInFlight {
				s.logger.Warn("auto refresh failed", "err", err)
			}
		}
	}
}
