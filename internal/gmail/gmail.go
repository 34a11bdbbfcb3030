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

// Package gmail provides access to messages stored in Google's GMail
// system.
package gmail

import (
	"context"
	"net/http"

	"github.com/pkg/errors"
	"golang.org/x/time/rate"
	gmail_api "google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/inboxfold/inboxfold/internal/message"
	"github.com/inboxfold/inboxfold/internal/mime"
)

const (
	ReadScope = gmail_api.GmailReadonlyScope
	SendScope = gmail_api.GmailSendScope

	// See https://developers.google.com/gmail/api/v1/reference/quota
	quotaUnitsMessagesGet     = 5
	quotaUnitsPerGetProfile   = 2
	quotaUnitsPerMessagesList = 1
	quotaUnitsPerSend         = 100

	quotaUnitsPerSecond = 250
	rateLimitPerSecond  = quotaUnitsPerSecond * 0.8
	rateLimitBurst      = quotaUnitsPerSecond
)

var (
	// ErrMessageNotFound is returned when the provider no longer
	// has a listed message.
	ErrMessageNotFound = errors.New("gmail message not found")

	// ErrUnauthorized is returned when the provider rejects our
	// credential.  Callers must treat this the same as having no
	// credential at all.
	ErrUnauthorized = errors.New("gmail credential rejected")
)

// Service wraps the GMail API with quota-aware rate limiting and the
// error mapping the pipeline relies on.
type Service struct {
	service *gmail_api.Service
	limiter *rate.Limiter
}

func New(ctx context.Context, client *http.Client) (*Service, error) {
	s, err := gmail_api.NewService(ctx, option.WithHTTPClient(client))
	if err != nil {
		return nil, errors.Wrap(err, "creating gmail service")
	}
	l := rate.NewLimiter(rateLimitPerSecond, rateLimitBurst)
	return &Service{service: s, limiter: l}, nil
}

// mapError normalizes provider errors into the package sentinels.
func mapError(err error) error {
	switch cause := errors.Cause(err).(type) {
	case *googleapi.Error:
		switch cause.Code {
		case http.StatusUnauthorized:
			return ErrUnauthorized
		case http.StatusNotFound:
			return ErrMessageNotFound
		}
	}
	return err
}

// List returns one page of message identifiers, newest first as the
// provider delivers them.  An empty query lists the whole mailbox.
func (s *Service) List(ctx context.Context, pageToken, query string, pageSize int64) (*message.Page, error) {
	if err := s.limiter.WaitN(ctx, quotaUnitsPerMessagesList); err != nil {
		return nil, err
	}
	call := gmail_api.NewUsersMessagesService(s.service).List("me").
		Context(ctx).MaxResults(pageSize)
	if pageToken != "" {
		call = call.PageToken(pageToken)
	}
	if query != "" {
		call = call.Q(query)
	}
	resp, err := call.Do()
	if err != nil {
		return nil, errors.Wrap(mapError(err), "unable to list messages")
	}

	page := &message.Page{NextPageToken: resp.NextPageToken}
	for _, m := range resp.Messages {
		page.IDs = append(page.IDs, message.ID{PermID: m.Id, ThreadID: m.ThreadId})
	}
	return page, nil
}

// Get fetches one full message, retrying while the provider reports
// too many requests.
func (s *Service) Get(ctx context.Context, id string) (*message.Message, error) {
	for {
		if err := s.limiter.WaitN(ctx, quotaUnitsMessagesGet); err != nil {
			return nil, err
		}
		msg, err := gmail_api.NewUsersMessagesService(s.service).Get("me", id).
			Context(ctx).Format("full").Do()
		if err != nil {
			switch cause := errors.Cause(err).(type) {
			case *googleapi.Error:
				if cause.Code == http.StatusTooManyRequests {
					continue // retry
				}
			}
			return nil, errors.Wrapf(mapError(err), "getting message %v from gmail", id)
		}
		return convert(msg), nil
	}
}

// Send submits an assembled RFC 2822 message.
func (s *Service) Send(ctx context.Context, raw string) error {
	if err := s.limiter.WaitN(ctx, quotaUnitsPerSend); err != nil {
		return err
	}
	_, err := gmail_api.NewUsersMessagesService(s.service).Send("me", &gmail_api.Message{
		Raw: mime.EncodeRaw(raw),
	}).Context(ctx).Do()
	if err != nil {
		return errors.Wrap(mapError(err), "sending message")
	}
	return nil
}

// GetProfile returns the account's address and current history ID.
func (s *Service) GetProfile(ctx context.Context) (*message.Profile, error) {
	if err := s.limiter.WaitN(ctx, quotaUnitsPerGetProfile); err != nil {
		return nil, err
	}
	u, err := gmail_api.NewUsersService(s.service).GetProfile("me").Context(ctx).Do()
	if err != nil {
		return nil, errors.Wrap(mapError(err), "getting profile")
	}
	return &message.Profile{
		EmailAddress: u.EmailAddress,
		HistoryID:    u.HistoryId,
	}, nil
}

// convert maps the wire message into the pipeline's shape.
func convert(msg *gmail_api.Message) *message.Message {
	m := &message.Message{
		ID:           message.ID{PermID: msg.Id, ThreadID: msg.ThreadId},
		LabelIDs:     msg.LabelIds,
		Snippet:      msg.Snippet,
		InternalDate: msg.InternalDate,
		SizeEstimate: msg.SizeEstimate,
	}
	if msg.Payload != nil {
		for _, h := range msg.Payload.Headers {
			m.Headers = append(m.Headers, message.Header{Name: h.Name, Value: h.Value})
		}
		m.Payload = convertPart(msg.Payload)
	}
	return m
}

func convertPart(p *gmail_api.MessagePart) message.Part {
	part := message.Part{
		MimeType: p.MimeType,
		Filename: p.Filename,
	}
	if p.Body != nil {
		part.Data = p.Body.Data
	}
	for _, child := range p.Parts {
		part.Parts = append(part.Parts, convertPart(child))
	}
	return part
}
