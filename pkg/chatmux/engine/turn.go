// Package engine implements the AI request/streaming orchestration core:
// task classification, provider selection, dispatch with retry and failover,
// stream normalization, and per-conversation session control.
package engine

import (
	"time"
)

// Role identifies the author of a Turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"

	// RoleContext marks internal bookkeeping turns (personalization carriers,
	// injected document excerpts). They are folded into the system prompt and
	// never forwarded to a provider as conversation messages.
	RoleContext Role = "context"
)

// Attachment is an inline binary payload carried by a user Turn.
// Data is base64-encoded; providers receive it as embedded media, never as
// a separate upload.
type Attachment struct {
	Data     string `json:"data"`
	MimeType string `json:"mime_type"`
}

// Turn is one message in a conversation. Turns are immutable once appended
// to a session's history; the single exception is the in-progress assistant
// turn, whose content grows until the stream ends.
type Turn struct {
	Role        Role         `json:"role"`
	Content     string       `json:"content"`
	Attachments []Attachment `json:"attachments,omitempty"`
	CreatedAt   time.Time    `json:"created_at"`

	// Truncated marks an assistant turn whose stream ended without a terminal
	// frame. The partial content is kept and persisted.
	Truncated bool `json:"truncated,omitempty"`
}

// HasAttachments reports whether the turn carries any inline media.
func (t Turn) HasAttachments() bool {
	return len(t.Attachments) > 0
}

// TaskCategory is the coarse classification of an outgoing chat turn,
// used to pick a model. Derived per request, never persisted.
type TaskCategory int

const (
	CategoryText TaskCategory = iota
	CategoryVision
	CategoryReasoning
	CategoryDocument
	CategorySearch
)

// String returns the category label used in config model maps and logs.
func (c TaskCategory) String() string {
	switch c {
	case CategoryText:
		return "text"
	case CategoryVision:
		return "vision"
	case CategoryReasoning:
		return "reasoning"
	case CategoryDocument:
		return "document"
	case CategorySearch:
		return "search"
	default:
		return "unknown"
	}
}

// ParseTaskCategory maps a config label back to a TaskCategory.
// Unknown labels map to CategoryText.
func ParseTaskCategory(s string) TaskCategory {
	switch s {
	case "vision":
		return CategoryVision
	case "reasoning":
		return CategoryReasoning
	case "document":
		return CategoryDocument
	case "search":
		return CategorySearch
	default:
		return CategoryText
	}
}
