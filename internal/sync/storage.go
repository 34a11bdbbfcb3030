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

// This file provides the collaborator interfaces the coordinator is
// written against.  The gmail and persist packages satisfy them in
// production; the tests use in-memory fakes.

import (
	"context"

	"github.com/inboxfold/inboxfold/internal/classify"
	"github.com/inboxfold/inboxfold/internal/message"
)

// MessageLister lists one page of message identifiers from a message
// storage system.
type MessageLister interface {
	List(ctx context.Context, pageToken, query string, pageSize int64) (*message.Page, error)
}

// MessageGetter gets a full message from a message storage system.
type MessageGetter interface {
	Get(ctx context.Context, id string) (*message.Message, error)
}

// MessageSender submits an assembled RFC 2822 message for delivery.
type MessageSender interface {
	Send(ctx context.Context, raw string) error
}

// MessageProfiler gets per account metadata from a message storage
// system.
type MessageProfiler interface {
	GetProfile(ctx context.Context) (*message.Profile, error)
}

// Mailbox provides all possible actions available against the remote
// message store.
type Mailbox interface {
	MessageLister
	MessageGetter
	MessageSender
	MessageProfiler
}

// MessageStore is the durable local copy of fetched messages.
type MessageStore interface {
	PutMessage(ctx context.Context, msg *message.Message) error
	Messages(ctx context.Context) ([]*message.Message, error)
}

// Classifier annotates a message set and reports the side lists the
// coordinator folds into the Others summary.
type Classifier interface {
	Classify(ctx context.Context, msgs []*message.Message) (*classify.Result, error)
}
