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

// Package mime handles the wire shape of provider messages: base64url
// body data, nested multipart payload trees, and raw RFC 2822
// assembly for sending.
package mime

import (
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/inboxfold/inboxfold/internal/message"
)

// Decode decodes provider body data.  The API documents base64url
// without padding, but padded data shows up in practice, so both are
// accepted.
func Decode(data string) ([]byte, error) {
	b, err := base64.RawURLEncoding.DecodeString(data)
	if err == nil {
		return b, nil
	}
	b, err = base64.URLEncoding.DecodeString(data)
	if err != nil {
		return nil, errors.Wrap(err, "decoding base64url body data")
	}
	return b, nil
}

// Bodies holds the first text leaves found in a payload tree.
type Bodies struct {
	HTML  string
	Plain string
}

// ExtractBodies walks a (possibly nested) multipart payload and
// returns the first text/html and first text/plain leaf, decoded.
// Later duplicates are ignored; display only ever needs one of each.
func ExtractBodies(payload message.Part) Bodies {
	var b Bodies
	extract(payload, &b)
	return b
}

func extract(part message.Part, b *Bodies) {
	if part.Data != "" {
		mt := strings.ToLower(part.MimeType)
		if mt == "text/html" && b.HTML == "" {
			if data, err := Decode(part.Data); err == nil {
				b.HTML = string(data)
			}
		}
		if mt == "text/plain" && b.Plain == "" {
			if data, err := Decode(part.Data); err == nil {
				b.Plain = string(data)
			}
		}
	}
	for _, child := range part.Parts {
		if b.HTML != "" && b.Plain != "" {
			return
		}
		extract(child, b)
	}
}

// BuildRaw assembles a minimal RFC 2822 message for the provider's
// raw send call.
func BuildRaw(from, to, subject, body string) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "From: %s\r\n", from)
	fmt.Fprintf(&sb, "To: %s\r\n", to)
	if subject != "" {
		fmt.Fprintf(&sb, "Subject: %s\r\n", subject)
	}
	fmt.Fprintf(&sb, "Date: %s\r\n", time.Now().Format(time.RFC1123Z))
	sb.WriteString("MIME-Version: 1.0\r\n")
	sb.WriteString("Content-Type: text/plain; charset=\"UTF-8\"\r\n")
	sb.WriteString("\r\n")
	sb.WriteString(body)
	return sb.String()
}

// EncodeRaw encodes an assembled RFC 2822 message for transport,
// base64url without padding.
func EncodeRaw(raw string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

// EncodeBody encodes body text the way the provider delivers leaf
// part data, for locally synthesized messages.
func EncodeBody(body string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(body))
}
