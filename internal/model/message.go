// Package model defines the core domain models used throughout the application.
package model

import (
	"strings"
	"time"
)

// Message is the text-extracted view of a single mailbox item. Subject, body
// and attachment texts arrive as plain strings; format parsing happens before
// a Message is constructed. ProviderID is the provider-native handle used for
// move/copy/forward calls.
type Message struct {
	ReceivedAt      time.Time
	ID              string
	ProviderID      string
	Subject         string
	Body            string
	Sender          string
	AttachmentTexts []string
}

// CombinedText returns the subject, body and all attachment texts joined into
// a single string for classification and free-text matching.
func (m *Message) CombinedText() string {
	parts := make([]string, 0, len(m.AttachmentTexts)+2)
	parts = append(parts, m.Subject, m.Body)
	parts = append(parts, m.AttachmentTexts...)
	return strings.Join(parts, " ")
}

// ProcessedItemRecord identifies a message that has already been through a
// decision cycle. The (ID, ReceivedAt) pair is unique within one tenant.
type ProcessedItemRecord struct {
	ReceivedAt time.Time
	MessageID  string
}
