package domain

import (
	"strings"
	"time"
)

// InboundMessage is one message delivered by the messaging gateway.
type InboundMessage struct {
	ID          string    `json:"id"`
	From        string    `json:"from"`
	To          string    `json:"to"`
	Body        string    `json:"body"`
	ProfileName string    `json:"profile_name,omitempty"`
	MediaURLs   []string  `json:"media_urls,omitempty"`
	MediaTypes  []string  `json:"media_types,omitempty"`
	IsGroup     bool      `json:"is_group,omitempty"`
	IsStatus    bool      `json:"is_status,omitempty"`
	ReceivedAt  time.Time `json:"received_at"`
}

// HasMedia reports whether the message carries at least one attachment.
func (m *InboundMessage) HasMedia() bool {
	return len(m.MediaURLs) > 0
}

// Text returns the trimmed body.
func (m *InboundMessage) Text() string {
	return strings.TrimSpace(m.Body)
}

// MediaType returns the content type of attachment i, or "" when unknown.
func (m *InboundMessage) MediaType(i int) string {
	if i < 0 || i >= len(m.MediaTypes) {
		return ""
	}
	return m.MediaTypes[i]
}

// HasAudio reports whether the first attachment is an audio clip.
func (m *InboundMessage) HasAudio() bool {
	return m.HasMedia() && strings.HasPrefix(m.MediaType(0), "audio/")
}
