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

package persist

import (
	"context"
	"sort"
	"sync"

	"github.com/inboxfold/inboxfold/internal/message"
)

// Mem is a map-backed implementation of the same store surface as
// DB.  Not durable; meant for tests.
type Mem struct {
	mu       sync.Mutex
	messages map[string]*message.Message
	records  map[string]*message.Classification
}

func NewMem() *Mem {
	return &Mem{
		messages: make(map[string]*message.Message),
		records:  make(map[string]*message.Classification),
	}
}

func (m *Mem) PutMessage(ctx context.Context, msg *message.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	copied := *msg
	m.messages[msg.PermID] = &copied
	return nil
}

func (m *Mem) GetMessage(ctx context.Context, id string) (*message.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	msg, ok := m.messages[id]
	if !ok {
		return nil, nil
	}
	copied := *msg
	return &copied, nil
}

func (m *Mem) Messages(ctx context.Context) ([]*message.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	msgs := make([]*message.Message, 0, len(m.messages))
	for _, msg := range m.messages {
		copied := *msg
		msgs = append(msgs, &copied)
	}
	sort.Slice(msgs, func(i, j int) bool {
		return msgs[i].InternalDate < msgs[j].InternalDate
	})
	return msgs, nil
}

func (m *Mem) ClearMessages(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messages = make(map[string]*message.Message)
	return nil
}

func (m *Mem) PutClassification(ctx context.Context, rec *message.Classification) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	copied := *rec
	m.records[rec.MessageID] = &copied
	return nil
}

func (m *Mem) GetClassification(ctx context.Context, messageID string) (*message.Classification, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[messageID]
	if !ok {
		return nil, nil
	}
	copied := *rec
	return &copied, nil
}

func (m *Mem) Classifications(ctx context.Context) ([]*message.Classification, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	recs := make([]*message.Classification, 0, len(m.records))
	for _, rec := range m.records {
		copied := *rec
		recs = append(recs, &copied)
	}
	sort.Slice(recs, func(i, j int) bool {
		return recs[i].MessageID < recs[j].MessageID
	})
	return recs, nil
}

func (m *Mem) ClearClassifications(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = make(map[string]*message.Classification)
	return nil
}
