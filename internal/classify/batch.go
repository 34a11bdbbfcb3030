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

package classify

import (
	"context"
	"time"

	"github.com/charmbracelet/log"
	"golang.org/x/sync/errgroup"

	"github.com/inboxfold/inboxfold/internal/message"
)

// Cache is the durable classification store consulted before any
// inference call.  Get returns nil with no error for a missing key.
type Cache interface {
	GetClassification(ctx context.Context, messageID string) (*message.Classification, error)
	PutClassification(ctx context.Context, rec *message.Classification) error
}

// DefaultWidth is the number of messages classified concurrently.
// Groups are processed sequentially so at most this many inference
// calls are outstanding, which keeps the service from rate-limiting
// us while still overlapping network latency.
const DefaultWidth = 5

// Batcher drives the promotional heuristic, the cache, and the
// inference judge over a message set.
type Batcher struct {
	judge  Judge
	cache  Cache
	policy Policy
	width  int
	logger *log.Logger
}

func NewBatcher(logger *log.Logger, judge Judge, cache Cache, policy Policy, width int) *Batcher {
	if width <= 0 {
		width = DefaultWidth
	}
	return &Batcher{
		judge:  judge,
		cache:  cache,
		policy: policy,
		width:  width,
		logger: logger,
	}
}

// Result carries the side lists produced by a classification pass.
// The input messages themselves are annotated in place.
type Result struct {
	// Messages the local heuristic flagged as bulk mail.  These
	// never reach the cache or the inference service.
	Promotional []*message.Message

	// Messages judged not to be from a human correspondent.
	NonHuman []*message.Message

	// Messages with a non-empty detected action.
	ActionNeeded []*message.Message
}

// Classify annotates msgs with IsRealHuman/ActionNeeded.  Promotional
// messages are skipped entirely.  For the rest the cache is consulted
// per message ID and inference runs only on a miss; the action
// judgment is skipped for senders already judged non-human to bound
// cost.  Individual failures never abort the pass.
func (b *Batcher) Classify(ctx context.Context, msgs []*message.Message) (*Result, error) {
	res := &Result{}

	var pending []*message.Message
	for _, msg := range msgs {
		if b.policy.IsPromotional(msg) {
			res.Promotional = append(res.Promotional, msg)
			continue
		}
		pending = append(pending, msg)
	}

	for _, group := range groups(pending, b.width) {
		grp, gctx := errgroup.WithContext(ctx)
		for _, msg := range group {
			msg := msg
			grp.Go(func() error {
				b.classifyOne(gctx, msg)
				return nil
			})
		}
		// Workers never return errors; Wait only observes ctx
		// cancellation between groups.
		if err := grp.Wait(); err != nil {
			return res, err
		}
		if err := ctx.Err(); err != nil {
			return res, err
		}
	}

	for _, msg := range pending {
		if msg.IsRealHuman != nil && !*msg.IsRealHuman {
			res.NonHuman = append(res.NonHuman, msg)
		}
		if msg.ActionNeeded != "" {
			res.ActionNeeded = append(res.ActionNeeded, msg)
		}
	}
	return res, nil
}

func (b *Batcher) classifyOne(ctx context.Context, msg *message.Message) {
	cached, err := b.cache.GetClassification(ctx, msg.PermID)
	if err != nil {
		// A failed read degrades to a redundant inference
		// call, which is correctness-preserving.
		b.logger.Warn("classification cache read failed", "message", msg.PermID, "error", err)
	}
	if cached != nil {
		human := cached.IsRealHuman
		msg.IsRealHuman = &human
		msg.ActionNeeded = cached.ActionNeeded
		return
	}

	human := b.judge.IsRealHuman(ctx, msg)
	msg.IsRealHuman = &human
	if human {
		msg.ActionNeeded = b.judge.DetectActionNeeded(ctx, msg)
	}

	rec := &message.Classification{
		MessageID:    msg.PermID,
		IsRealHuman:  human,
		ActionNeeded: msg.ActionNeeded,
		ComputedAt:   time.Now().UnixMilli(),
	}
	if err := b.cache.PutClassification(ctx, rec); err != nil {
		b.logger.Warn("classification cache write failed", "message", msg.PermID, "error", err)
	}
}

// groups splits items into fixed-size runs, the last one short.
func groups(items []*message.Message, size int) [][]*message.Message {
	var out [][]*message.Message
	for i := 0; i < len(items); i += size {
		end := i + size
		if end > len(items) {
			end = len(items)
		}
		out = append(out, items[i:end])
	}
	return out
}
