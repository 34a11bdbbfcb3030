package classify

import (
	"context"
	"io"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/charmbracelet/log"
	"github.com/openai/openai-go"
	"github.com/pkg/errors"

	"github.com/inboxfold/inboxfold/internal/message"
	"github.com/inboxfold/inboxfold/internal/mime"
)

// fakeCompletions answers every request with a canned reply or error.
type fakeCompletions struct {
	reply string
	err   error
	calls int
}

func (f *fakeCompletions) Completions(ctx context.Context, messages []openai.ChatCompletionMessageParamUnion, model string) (openai.ChatCompletionMessage, error) {
	f.calls++
	if f.err != nil {
		return openai.ChatCompletionMessage{}, f.err
	}
	return openai.ChatCompletionMessage{Content: f.reply}, nil
}

func inferenceMsg(id, from, snippet string) *message.Message {
	return &message.Message{
		ID:      message.ID{PermID: id},
		Snippet: snippet,
		Headers: []message.Header{
			{Name: "From", Value: from},
			{Name: "Subject", Value: "hello"},
		},
	}
}

func newJudge(svc *fakeCompletions) *InferenceJudge {
	return NewInferenceJudge(log.New(io.Discard), svc, "test-model")
}

// An inference failure must never fail the pipeline: the sender is
// assumed human and no action is reported.
func TestJudgeFailsOpen(t *testing.T) {
	ctx := context.Background()
	svc := &fakeCompletions{err: errors.New("completions endpoint down")}
	j := newJudge(svc)
	msg := inferenceMsg("m1", "jane@x.com", "lunch?")

	if !j.IsRealHuman(ctx, msg) {
		t.Error("IsRealHuman = false on inference error, want true")
	}
	if got := j.DetectActionNeeded(ctx, msg); got != "" {
		t.Errorf("DetectActionNeeded = %q on inference error, want empty", got)
	}
	if svc.calls != 2 {
		t.Errorf("calls = %d, want 2", svc.calls)
	}
}

func TestIsRealHumanAnswers(t *testing.T) {
	ctx := context.Background()
	for _, tt := range []struct {
		reply string
		want  bool
	}{
		{"YES", true},
		{"YES.", true},
		{" yes \n", true},
		{"NO", false},
		{"NO.", false},
		{"no", false},
		{"I can't tell", true}, // anything but NO counts as human
	} {
		j := newJudge(&fakeCompletions{reply: tt.reply})
		if got := j.IsRealHuman(ctx, inferenceMsg("m1", "jane@x.com", "hi")); got != tt.want {
			t.Errorf("IsRealHuman(%q) = %v, want %v", tt.reply, got, tt.want)
		}
	}
}

func TestDetectActionNeededAnswers(t *testing.T) {
	ctx := context.Background()
	for _, tt := range []struct {
		reply string
		want  string
	}{
		{"NONE", ""},
		{"None.", ""},
		{"  none \n", ""},
		{"Reply about the invoice", "Reply about the invoice"},
		{" Sign the permission slip. ", "Sign the permission slip."},
	} {
		j := newJudge(&fakeCompletions{reply: tt.reply})
		if got := j.DetectActionNeeded(ctx, inferenceMsg("m1", "jane@x.com", "hi")); got != tt.want {
			t.Errorf("DetectActionNeeded(%q) = %q, want %q", tt.reply, got, tt.want)
		}
	}
}

func TestPayloadBoundsBodyOnRuneBoundary(t *testing.T) {
	msg := inferenceMsg("m1", "jane@x.com", "snippet")
	// Three bytes per repeat puts the cut point mid-rune.
	msg.Payload = message.Part{
		MimeType: "text/plain",
		Data:     mime.EncodeBody(strings.Repeat("aé", maxInferenceBody)),
	}
	got := payload(msg)
	if !utf8.ValidString(got) {
		t.Error("payload is not valid UTF-8 after truncation")
	}
	if len(got) > maxInferenceBody+200 {
		t.Errorf("payload is %d bytes, body bound not applied", len(got))
	}
	if !strings.Contains(got, "From: jane@x.com") || !strings.Contains(got, "snippet") {
		t.Errorf("payload missing headers or snippet: %q", got[:80])
	}
}
