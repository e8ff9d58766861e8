// Package engine – request.go converts the provider-agnostic turn list into
// the wire shape a given provider expects. Building is side-effect free; the
// same plan can be rebuilt for every attempt and failover target.
package engine

import (
	"encoding/json"
	"fmt"
	"net/http"
)

// DefaultMaxImageBytes caps the combined decoded size of inline attachments.
const DefaultMaxImageBytes = 10 << 20 // 10 MiB

// ProviderRequest is a fully built outbound request: endpoint, headers, and
// marshaled JSON body.
type ProviderRequest struct {
	Route  Route
	URL    string
	Header http.Header
	Body   []byte
	Stream bool
}

// ---------- OpenAI-compatible wire types ----------

type chatRequest struct {
	Model     string        `json:"model"`
	Messages  []chatMessage `json:"messages"`
	Stream    bool          `json:"stream,omitempty"`
	MaxTokens *int          `json:"max_tokens,omitempty"`
}

// chatMessage content is either a string (text-only) or []contentPart
// (multimodal).
type chatMessage struct {
	Role    string `json:"role"`
	Content any    `json:"content"`
}

type contentPart struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *imageURL `json:"image_url,omitempty"`
}

type imageURL struct {
	URL string `json:"url"`
}

// ---------- Anthropic Messages API wire types ----------

type anthropicRequest struct {
	Model     string             `json:"model"`
	MaxTokens int                `json:"max_tokens"`
	System    string             `json:"system,omitempty"`
	Messages  []anthropicMessage `json:"messages"`
	Stream    bool               `json:"stream,omitempty"`
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content any    `json:"content"` // string or []anthropicContent
}

type anthropicContent struct {
	Type   string          `json:"type"`
	Text   string          `json:"text,omitempty"`
	Source *anthropicImage `json:"source,omitempty"`
}

type anthropicImage struct {
	Type      string `json:"type"` // "base64"
	MediaType string `json:"media_type"`
	Data      string `json:"data"`
}

// BuildRequest constructs the provider-specific request for one route.
// Bookkeeping turns (RoleContext, RoleSystem) are stripped — their content is
// folded into systemPrompt upstream. Turn order is preserved. Oversized
// inline media is rejected with ErrPayloadTooLarge, never silently dropped.
func BuildRequest(route Route, systemPrompt string, turns []Turn, maxImageBytes int64) (*ProviderRequest, error) {
	if maxImageBytes <= 0 {
		maxImageBytes = DefaultMaxImageBytes
	}
	if err := checkPayloadSize(turns, maxImageBytes); err != nil {
		return nil, err
	}

	forwarded := make([]Turn, 0, len(turns))
	for _, t := range turns {
		if t.Role == RoleContext || t.Role == RoleSystem {
			continue
		}
		forwarded = append(forwarded, t)
	}

	var (
		body []byte
		err  error
	)
	switch route.Provider.Kind {
	case KindAnthropic:
		body, err = buildAnthropicBody(route, systemPrompt, forwarded)
	default:
		body, err = buildOpenAIBody(route, systemPrompt, forwarded)
	}
	if err != nil {
		return nil, err
	}

	header := make(http.Header)
	header.Set("Content-Type", "application/json")
	switch route.Provider.AuthScheme {
	case AuthAPIKey:
		header.Set("x-api-key", route.Provider.APIKey)
		header.Set("anthropic-version", "2023-06-01")
	default:
		header.Set("Authorization", "Bearer "+route.Provider.APIKey)
	}
	if route.Provider.SupportsStreaming {
		header.Set("Accept", "text/event-stream")
	}

	return &ProviderRequest{
		Route:  route,
		URL:    route.Provider.Endpoint,
		Header: header,
		Body:   body,
		Stream: route.Provider.SupportsStreaming,
	}, nil
}

// checkPayloadSize sums decoded attachment sizes across all turns.
func checkPayloadSize(turns []Turn, maxImageBytes int64) error {
	var total int64
	for _, t := range turns {
		for _, a := range t.Attachments {
			// Decoded size of base64 payload, without allocating the bytes.
			total += int64(len(a.Data)) * 3 / 4
		}
	}
	if total > maxImageBytes {
		return fmt.Errorf("%w: %d bytes (limit %d)", ErrPayloadTooLarge, total, maxImageBytes)
	}
	return nil
}

func buildOpenAIBody(route Route, systemPrompt string, turns []Turn) ([]byte, error) {
	messages := make([]chatMessage, 0, len(turns)+1)
	if systemPrompt != "" {
		messages = append(messages, chatMessage{Role: "system", Content: systemPrompt})
	}

	for _, t := range turns {
		if !t.HasAttachments() {
			messages = append(messages, chatMessage{Role: string(t.Role), Content: t.Content})
			continue
		}

		parts := make([]contentPart, 0, len(t.Attachments)+1)
		if t.Content != "" {
			parts = append(parts, contentPart{Type: "text", Text: t.Content})
		}
		for _, a := range t.Attachments {
			parts = append(parts, contentPart{
				Type:     "image_url",
				ImageURL: &imageURL{URL: fmt.Sprintf("data:%s;base64,%s", a.MimeType, a.Data)},
			})
		}
		messages = append(messages, chatMessage{Role: string(t.Role), Content: parts})
	}

	req := chatRequest{
		Model:    route.Model,
		Messages: messages,
		Stream:   route.Provider.SupportsStreaming,
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}
	return body, nil
}

func buildAnthropicBody(route Route, systemPrompt string, turns []Turn) ([]byte, error) {
	messages := make([]anthropicMessage, 0, len(turns))
	for _, t := range turns {
		if !t.HasAttachments() {
			messages = append(messages, anthropicMessage{Role: string(t.Role), Content: t.Content})
			continue
		}

		blocks := make([]anthropicContent, 0, len(t.Attachments)+1)
		for _, a := range t.Attachments {
			blocks = append(blocks, anthropicContent{
				Type: "image",
				Source: &anthropicImage{
					Type:      "base64",
					MediaType: a.MimeType,
					Data:      a.Data,
				},
			})
		}
		if t.Content != "" {
			blocks = append(blocks, anthropicContent{Type: "text", Text: t.Content})
		}
		messages = append(messages, anthropicMessage{Role: string(t.Role), Content: blocks})
	}

	req := anthropicRequest{
		Model:     route.Model,
		MaxTokens: 8192,
		System:    systemPrompt,
		Messages:  mergeConsecutiveRoles(messages),
		Stream:    route.Provider.SupportsStreaming,
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}
	return body, nil
}

// mergeConsecutiveRoles merges adjacent same-role messages. The Anthropic
// API requires strictly alternating user/assistant roles.
func mergeConsecutiveRoles(msgs []anthropicMessage) []anthropicMessage {
	if len(msgs) == 0 {
		return msgs
	}
	result := []anthropicMessage{msgs[0]}
	for i := 1; i < len(msgs); i++ {
		last := &result[len(result)-1]
		if msgs[i].Role != last.Role {
			result = append(result, msgs[i])
			continue
		}
		last.Content = append(toContentBlocks(last.Content), toContentBlocks(msgs[i].Content)...)
	}
	return result
}

func toContentBlocks(content any) []anthropicContent {
	switch v := content.(type) {
	case string:
		if v == "" {
			return nil
		}
		return []anthropicContent{{Type: "text", Text: v}}
	case []anthropicContent:
		return v
	default:
		return nil
	}
}
