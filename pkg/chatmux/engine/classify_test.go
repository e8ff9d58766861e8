package engine

import (
	"testing"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name     string
		content  string
		expected TaskCategory
	}{
		{"plain chat", "hello, how are you?", CategoryText},
		{"reasoning solve", "solve this integral for me", CategoryReasoning},
		{"reasoning debug", "help me debug this panic", CategoryReasoning},
		{"reasoning phrase", "walk me through it step by step", CategoryReasoning},
		{"reasoning uppercase", "SOLVE THIS NOW", CategoryReasoning},
		{"document marker", "[document] what does section 3 say?", CategoryDocument},
		{"search marker", "[search] latest Go release notes", CategorySearch},
		{"keyword inside word is still a match", "refactoring tips", CategoryReasoning},
		{"empty content", "", CategoryText},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			turns := []Turn{{Role: RoleUser, Content: tt.content}}
			got := Classify(turns, false)
			if got != tt.expected {
				t.Errorf("Classify(%q) = %v, want %v", tt.content, got, tt.expected)
			}
		})
	}
}

func TestClassifyAttachmentsWinOverKeywords(t *testing.T) {
	turns := []Turn{{
		Role:        RoleUser,
		Content:     "solve this equation from the [document]",
		Attachments: []Attachment{{Data: "aGk=", MimeType: "image/png"}},
	}}

	if got := Classify(turns, true); got != CategoryVision {
		t.Errorf("Classify with attachments = %v, want %v", got, CategoryVision)
	}
	// Attachment on the turn itself is enough even without the flag.
	if got := Classify(turns, false); got != CategoryVision {
		t.Errorf("Classify with turn attachments = %v, want %v", got, CategoryVision)
	}
}

func TestClassifyReasoningBeatsMarkers(t *testing.T) {
	turns := []Turn{{Role: RoleUser, Content: "[document] prove the claim in section 2"}}
	if got := Classify(turns, false); got != CategoryReasoning {
		t.Errorf("Classify = %v, want %v", got, CategoryReasoning)
	}
}

func TestClassifyUsesLatestUserTurn(t *testing.T) {
	turns := []Turn{
		{Role: RoleUser, Content: "solve x^2 = 4"},
		{Role: RoleAssistant, Content: "x is 2 or -2"},
		{Role: RoleUser, Content: "thanks!"},
	}
	if got := Classify(turns, false); got != CategoryText {
		t.Errorf("Classify = %v, want %v; must classify only the latest user turn", got, CategoryText)
	}
}

func TestClassifyNoUserTurn(t *testing.T) {
	turns := []Turn{{Role: RoleAssistant, Content: "solve anything?"}}
	if got := Classify(turns, false); got != CategoryText {
		t.Errorf("Classify = %v, want %v", got, CategoryText)
	}
}
