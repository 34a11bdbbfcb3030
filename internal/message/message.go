package message

// This file provides the common data objects used by the rest of the
// program.

import (
	"sort"
	"strings"
	"time"
)

// ID defines the properties that uniquely identify a message.
type ID struct {
	// The permanent and unique ID of a message in the provider's
	// mailbox.
	PermID string

	// The permanent and unique ID of the thread associated with
	// the message.  May be empty in storage systems that do not
	// support this concept.
	ThreadID string
}

// Header is a single name/value pair from a message's header block.
// Order is significant, so headers are carried as a slice rather
// than a map.
type Header struct {
	Name  string
	Value string
}

// Part is one node of a message's (possibly nested) MIME body tree.
type Part struct {
	// The MIME type of this part, e.g. "text/plain" or
	// "multipart/alternative".
	MimeType string

	// The attachment filename, if any.
	Filename string

	// The body data of a leaf part, base64url encoded as
	// delivered by the provider.  Empty for container parts.
	Data string

	// Child parts of a multipart container.
	Parts []Part
}

// Message is a single mail message as received from the provider.
// The provider-assigned fields are immutable once received; the
// classification fields are filled in later by the classifier.
type Message struct {
	ID

	// The current set of label identifiers associated with the
	// message.  These are label IDs, not user visible names.
	LabelIDs []string

	// A short provider-generated preview of the message body.
	Snippet string

	// The ordered message headers.
	Headers []Header

	// The root of the MIME body tree.
	Payload Part

	// The provider's internal timestamp for the message, in
	// epoch milliseconds.
	InternalDate int64

	// An estimated size of the message (bytes).
	SizeEstimate int64

	// IsRealHuman records whether the sender was judged to be a
	// human correspondent rather than an automated system.  Nil
	// until classified.
	IsRealHuman *bool

	// ActionNeeded is a short description of the action the
	// message asks of the recipient, or empty when none was
	// detected.
	ActionNeeded string
}

// Header returns the value of the first header with the given name,
// compared case-insensitively, or "" when absent.
func (m *Message) Header(name string) string {
	for _, h := range m.Headers {
		if strings.EqualFold(h.Name, name) {
			return h.Value
		}
	}
	return ""
}

// HasLabel reports whether the message carries the given label ID.
func (m *Message) HasLabel(id string) bool {
	for _, l := range m.LabelIDs {
		if l == id {
			return true
		}
	}
	return false
}

// Unread reports whether the provider still considers the message
// unread.
func (m *Message) Unread() bool {
	return m.HasLabel("UNREAD")
}

// Date returns the message timestamp as a time.Time.  The Date
// header is preferred; the provider's internal date is the fallback
// when the header is absent or malformed.
func (m *Message) Date() time.Time {
	if v := m.Header("Date"); v != "" {
		if t, err := ParseDate(v); err == nil {
			return t
		}
	}
	return time.UnixMilli(m.InternalDate)
}

// dateLayouts covers the header date formats seen in the wild.  Real
// mail is sloppier than RFC 5322 promises.
var dateLayouts = []string{
	time.RFC1123Z,
	time.RFC1123,
	"Mon, 2 Jan 2006 15:04:05 -0700 (MST)",
	"Mon, 2 Jan 2006 15:04:05 -0700",
	"2 Jan 2006 15:04:05 -0700",
	time.RFC822Z,
	time.RFC822,
}

// ParseDate parses a Date header value, trying the common layouts in
// order.
func ParseDate(value string) (time.Time, error) {
	value = strings.TrimSpace(value)
	var t time.Time
	var err error
	for _, layout := range dateLayouts {
		t, err = time.Parse(layout, value)
		if err == nil {
			return t, nil
		}
	}
	// Strip a trailing "(TZ)" comment and retry once.
	if open := strings.LastIndex(value, " ("); open != -1 {
		if end := strings.LastIndex(value, ")"); end > open {
			return ParseDate(value[:open] + value[end+1:])
		}
	}
	return t, err
}

// Classification is the pair of derived judgments attached to a
// message.  At most one record exists per message ID; a later write
// overwrites an earlier one.
type Classification struct {
	// The message this record describes.
	MessageID string

	// Whether the sender was judged a real human correspondent.
	IsRealHuman bool

	// The detected action, or empty when none.
	ActionNeeded string

	// When the record was computed, in epoch milliseconds.
	ComputedAt int64
}

// Person is one counterparty derived from a message set.  Most
// fields are recomputed on every grouping pass; Status and ContactID
// are user-authored overlays that must survive regrouping.
type Person struct {
	// The person's address, lower-cased.  Identity key.
	Email string

	// Display name, when one could be parsed.
	Name string

	LastMessageDate    time.Time
	LastMessageSnippet string
	UnreadCount        int

	// Suggested action for the conversation, or empty.
	Action string

	// User-authored overlay fields.
	Status    string
	ContactID string
}

// Conversation is the grouped, chronologically ordered thread for
// one counterparty.
type Conversation struct {
	Person   Person
	Messages []*Message
}

// Contains reports whether the conversation already holds a message
// with the given ID.
func (c *Conversation) Contains(id string) bool {
	for _, m := range c.Messages {
		if m.PermID == id {
			return true
		}
	}
	return false
}

// SortMessages orders the conversation's messages ascending by
// internal date.  The sort is stable so equal timestamps keep
// insertion order.
func (c *Conversation) SortMessages() {
	sort.SliceStable(c.Messages, func(i, j int) bool {
		return c.Messages[i].InternalDate < c.Messages[j].InternalDate
	})
}

// Page is one page of a mailbox listing.
type Page struct {
	IDs []ID

	// Opaque token identifying the next page; empty at the end
	// of the listing.
	NextPageToken string
}

// Profile defines per-account information for a mailbox.
type Profile struct {
	EmailAddress string

	// The ID of the mailbox's current history record.
	HistoryID uint64
}
