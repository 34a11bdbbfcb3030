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
	"strings"
	"unicode/utf8"

	"github.com/charmbracelet/log"
	"github.com/jaytaylor/html2text"
	"github.com/openai/openai-go"

	"github.com/inboxfold/inboxfold/internal/ai"
	"github.com/inboxfold/inboxfold/internal/message"
	"github.com/inboxfold/inboxfold/internal/mime"
)

// Judge issues the two per-message judgments.  Implementations must
// not fail the pipeline: on any error IsRealHuman answers true and
// DetectActionNeeded answers "no action".  Surfacing a conversation
// beats silently dropping one.
type Judge interface {
	IsRealHuman(ctx context.Context, msg *message.Message) bool
	DetectActionNeeded(ctx context.Context, msg *message.Message) string
}

const (
	humanSystemPrompt = "You triage email. Decide whether the message was " +
		"written by a real human correspondent rather than an automated " +
		"system, mailing list, or marketing platform. Answer with exactly " +
		"one word: YES or NO."

	actionSystemPrompt = "You triage email. If the message asks the " +
		"recipient to do or reply to something, answer with a short " +
		"imperative phrase of at most eight words describing it. " +
		"Otherwise answer with exactly: NONE."

	// Inference payloads are snippets plus a bounded slice of the
	// body; whole messages are not worth the tokens.
	maxInferenceBody = 2000
)

// InferenceJudge asks an OpenAI-compatible completions endpoint.
type InferenceJudge struct {
	ai     ai.Completions
	model  string
	logger *log.Logger
}

var _ Judge = (*InferenceJudge)(nil)

func NewInferenceJudge(logger *log.Logger, svc ai.Completions, model string) *InferenceJudge {
	return &InferenceJudge{ai: svc, model: model, logger: logger}
}

// payload builds the text sent to the inference service: sender,
// subject, snippet and a bounded slice of the body, with HTML
// flattened to text.
func payload(msg *message.Message) string {
	var sb strings.Builder
	sb.WriteString("From: " + msg.Header("From") + "\n")
	sb.WriteString("Subject: " + msg.Header("Subject") + "\n\n")
	sb.WriteString(msg.Snippet)

	bodies := mime.ExtractBodies(msg.Payload)
	body := bodies.Plain
	if body == "" && bodies.HTML != "" {
		if text, err := html2text.FromString(bodies.HTML, html2text.Options{TextOnly: true}); err == nil {
			body = text
		}
	}
	if body != "" {
		if len(body) > maxInferenceBody {
			// Cut on a rune boundary so the payload stays
			// valid UTF-8.
			cut := maxInferenceBody
			for cut > 0 && !utf8.RuneStart(body[cut]) {
				cut--
			}
			body = body[:cut]
		}
		sb.WriteString("\n\n")
		sb.WriteString(body)
	}
	return sb.String()
}

func (j *InferenceJudge) ask(ctx context.Context, system string, msg *message.Message) (string, error) {
	reply, err := j.ai.Completions(ctx, []openai.ChatCompletionMessageParamUnion{
		openai.SystemMessage(system),
		openai.UserMessage(payload(msg)),
	}, j.model)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(reply.Content), nil
}

// IsRealHuman reports whether the sender looks like a human
// correspondent.  Fails open to true.
func (j *InferenceJudge) IsRealHuman(ctx context.Context, msg *message.Message) bool {
	answer, err := j.ask(ctx, humanSystemPrompt, msg)
	if err != nil {
		j.logger.Warn("human judgment failed, assuming human", "message", msg.PermID, "error", err)
		return true
	}
	return !strings.EqualFold(strings.TrimRight(answer, "."), "NO")
}

// DetectActionNeeded returns a short description of the action the
// message asks for, or "" when none.  Fails open to "".
func (j *InferenceJudge) DetectActionNeeded(ctx context.Context, msg *message.Message) string {
	answer, err := j.ask(ctx, actionSystemPrompt, msg)
	if err != nil {
		j.logger.Warn("action judgment failed, assuming none", "message", msg.PermID, "error", err)
		return ""
	}
	if strings.EqualFold(strings.TrimRight(answer, "."), "NONE") {
		return ""
	}
	return answer
}
