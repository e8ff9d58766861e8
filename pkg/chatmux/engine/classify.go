// Package engine – classify.go maps the latest turn of a conversation to a
// task category. The classifier is pure and total: it never fails and never
// touches the network.
package engine

import (
	"strings"
)

// reasoningKeywords is the single canonical keyword set for detecting turns
// that benefit from a reasoning-tuned model.
var reasoningKeywords = []string{
	"solve",
	"calculate",
	"prove",
	"derive",
	"debug",
	"algorithm",
	"theorem",
	"equation",
	"step by step",
	"optimize",
	"complexity",
	"refactor",
	"logic",
}

// Context markers injected upstream when a turn is grounded in an uploaded
// document or a live search result. Checked after attachments and reasoning
// keywords.
const (
	documentMarker = "[document]"
	searchMarker   = "[search]"
)

// Classify maps the latest turn to a TaskCategory. Priority order matters:
// attachments always win because inline images require a vision-capable
// model regardless of the text; reasoning keywords beat context markers so a
// "prove this claim from the document" turn still gets the reasoning model.
func Classify(turns []Turn, hasAttachments bool) TaskCategory {
	if hasAttachments {
		return CategoryVision
	}

	latest := latestUserTurn(turns)
	if latest == nil {
		return CategoryText
	}
	if latest.HasAttachments() {
		return CategoryVision
	}

	text := strings.ToLower(latest.Content)

	for _, kw := range reasoningKeywords {
		if strings.Contains(text, kw) {
			return CategoryReasoning
		}
	}

	if strings.Contains(text, documentMarker) {
		return CategoryDocument
	}
	if strings.Contains(text, searchMarker) {
		return CategorySearch
	}

	return CategoryText
}

// latestUserTurn returns the most recent user turn, or nil if none exists.
func latestUserTurn(turns []Turn) *Turn {
	for i := len(turns) - 1; i >= 0; i-- {
		if turns[i].Role == RoleUser {
			return &turns[i]
		}
	}
	return nil
}
