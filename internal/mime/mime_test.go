package mime

import (
	"encoding/base64"
	"strings"
	"testing"

	"github.com/inboxfold/inboxfold/internal/message"
)

func leaf(mimeType, body string) message.Part {
	return message.Part{
		MimeType: mimeType,
		Data:     base64.RawURLEncoding.EncodeToString([]byte(body)),
	}
}

func TestExtractBodiesNested(t *testing.T) {
	payload := message.Part{
		MimeType: "multipart/mixed",
		Parts: []message.Part{
			{
				MimeType: "multipart/alternative",
				Parts: []message.Part{
					leaf("text/plain", "plain one"),
					leaf("text/html", "<p>html one</p>"),
				},
			},
			leaf("text/plain", "plain two"),
			{MimeType: "application/pdf", Filename: "doc.pdf", Data: "AAAA"},
		},
	}
	b := ExtractBodies(payload)
	if b.Plain != "plain one" {
		t.Errorf("Plain = %q, want first text/plain leaf", b.Plain)
	}
	if b.HTML != "<p>html one</p>" {
		t.Errorf("HTML = %q, want first text/html leaf", b.HTML)
	}
}

func TestExtractBodiesSinglePart(t *testing.T) {
	b := ExtractBodies(leaf("text/plain", "hello"))
	if b.Plain != "hello" || b.HTML != "" {
		t.Errorf("ExtractBodies = %+v, want plain only", b)
	}
}

func TestDecodeAcceptsPadding(t *testing.T) {
	const body = "four"
	padded := base64.URLEncoding.EncodeToString([]byte(body))
	raw := base64.RawURLEncoding.EncodeToString([]byte(body))
	for _, enc := range []string{padded, raw} {
		got, err := Decode(enc)
		if err != nil {
			t.Fatalf("Decode(%q): %v", enc, err)
		}
		if string(got) != body {
			t.Errorf("Decode(%q) = %q, want %q", enc, got, body)
		}
	}
}

func TestBuildRawRoundTrip(t *testing.T) {
	raw := BuildRaw("me@x.com", "you@y.org", "hi", "body text")
	for _, want := range []string{"From: me@x.com\r\n", "To: you@y.org\r\n", "Subject: hi\r\n", "\r\n\r\nbody text"} {
		if !strings.Contains(raw, want) {
			t.Errorf("BuildRaw missing %q in:\n%s", want, raw)
		}
	}
	decoded, err := Decode(EncodeRaw(raw))
	if err != nil {
		t.Fatalf("Decode(EncodeRaw()): %v", err)
	}
	if string(decoded) != raw {
		t.Error("EncodeRaw did not round-trip")
	}
	if strings.Contains(EncodeRaw(raw), "=") {
		t.Error("EncodeRaw produced padding")
	}
}
