package engine

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

func testRoute(kind ProviderKind) Route {
	auth := AuthBearer
	if kind == KindAnthropic {
		auth = AuthAPIKey
	}
	return Route{
		Provider: &ProviderDescriptor{
			ID:                "test",
			Kind:              kind,
			Endpoint:          chatEndpoint("", kind),
			AuthScheme:        auth,
			APIKey:            "sk-test",
			SupportsStreaming: true,
		},
		Model: "test-model",
	}
}

func TestBuildRequestStripsBookkeepingTurns(t *testing.T) {
	turns := []Turn{
		{Role: RoleContext, Content: "user prefers short answers"},
		{Role: RoleSystem, Content: "legacy system turn"},
		{Role: RoleUser, Content: "hello"},
		{Role: RoleAssistant, Content: "hi there"},
		{Role: RoleUser, Content: "how are you?"},
	}

	req, err := BuildRequest(testRoute(KindOpenAI), "be brief", turns, 0)
	if err != nil {
		t.Fatalf("BuildRequest() error = %v", err)
	}

	var body chatRequest
	if err := json.Unmarshal(req.Body, &body); err != nil {
		t.Fatalf("unmarshal body: %v", err)
	}

	// system prompt + 3 conversation turns, in original order.
	if len(body.Messages) != 4 {
		t.Fatalf("got %d messages, want 4", len(body.Messages))
	}
	if body.Messages[0].Role != "system" {
		t.Errorf("first message role = %q, want system", body.Messages[0].Role)
	}
	wantRoles := []string{"system", "user", "assistant", "user"}
	for i, m := range body.Messages {
		if m.Role != wantRoles[i] {
			t.Errorf("message %d role = %q, want %q", i, m.Role, wantRoles[i])
		}
	}
	if strings.Contains(string(req.Body), "legacy system turn") {
		t.Error("bookkeeping turn content leaked into the request body")
	}
}

func TestBuildRequestOpenAIImageDataURL(t *testing.T) {
	img := base64.StdEncoding.EncodeToString([]byte("fake-image-bytes"))
	turns := []Turn{{
		Role:        RoleUser,
		Content:     "what is this?",
		Attachments: []Attachment{{Data: img, MimeType: "image/png"}},
	}}

	req, err := BuildRequest(testRoute(KindOpenAI), "", turns, 0)
	if err != nil {
		t.Fatalf("BuildRequest() error = %v", err)
	}
	if !strings.Contains(string(req.Body), "data:image/png;base64,"+img) {
		t.Error("image not encoded as a data URL")
	}
}

func TestBuildRequestAnthropicShape(t *testing.T) {
	img := base64.StdEncoding.EncodeToString([]byte("fake-image-bytes"))
	turns := []Turn{{
		Role:        RoleUser,
		Content:     "describe this",
		Attachments: []Attachment{{Data: img, MimeType: "image/jpeg"}},
	}}

	req, err := BuildRequest(testRoute(KindAnthropic), "persona", turns, 0)
	if err != nil {
		t.Fatalf("BuildRequest() error = %v", err)
	}

	var body anthropicRequest
	if err := json.Unmarshal(req.Body, &body); err != nil {
		t.Fatalf("unmarshal body: %v", err)
	}
	if body.System != "persona" {
		t.Errorf("system = %q, want persona", body.System)
	}
	if body.MaxTokens == 0 {
		t.Error("max_tokens must be set for the Anthropic API")
	}
	if !strings.Contains(string(req.Body), `"type":"base64"`) {
		t.Error("image not encoded as a base64 source block")
	}

	if got := req.Header.Get("x-api-key"); got != "sk-test" {
		t.Errorf("x-api-key = %q, want sk-test", got)
	}
	if got := req.Header.Get("anthropic-version"); got == "" {
		t.Error("anthropic-version header missing")
	}
	if got := req.Header.Get("Authorization"); got != "" {
		t.Errorf("unexpected Authorization header %q on x-api-key provider", got)
	}
}

func TestBuildRequestBearerAuth(t *testing.T) {
	req, err := BuildRequest(testRoute(KindOpenAI), "", []Turn{{Role: RoleUser, Content: "hi"}}, 0)
	if err != nil {
		t.Fatalf("BuildRequest() error = %v", err)
	}
	if got := req.Header.Get("Authorization"); got != "Bearer sk-test" {
		t.Errorf("Authorization = %q, want Bearer sk-test", got)
	}
	if got := req.Header.Get("Accept"); got != "text/event-stream" {
		t.Errorf("Accept = %q, want text/event-stream on a streaming provider", got)
	}
}

func TestBuildRequestPayloadTooLarge(t *testing.T) {
	big := base64.StdEncoding.EncodeToString(make([]byte, 2048))
	turns := []Turn{{
		Role:        RoleUser,
		Content:     "look",
		Attachments: []Attachment{{Data: big, MimeType: "image/png"}},
	}}

	_, err := BuildRequest(testRoute(KindOpenAI), "", turns, 1024)
	if !errors.Is(err, ErrPayloadTooLarge) {
		t.Errorf("BuildRequest() error = %v, want ErrPayloadTooLarge", err)
	}
}

func TestMergeConsecutiveRoles(t *testing.T) {
	msgs := []anthropicMessage{
		{Role: "user", Content: "first"},
		{Role: "user", Content: "second"},
		{Role: "assistant", Content: "reply"},
		{Role: "user", Content: "third"},
	}

	merged := mergeConsecutiveRoles(msgs)
	if len(merged) != 3 {
		t.Fatalf("got %d messages, want 3", len(merged))
	}
	blocks, ok := merged[0].Content.([]anthropicContent)
	if !ok {
		t.Fatalf("merged content is %T, want []anthropicContent", merged[0].Content)
	}
	if len(blocks) != 2 || blocks[0].Text != "first" || blocks[1].Text != "second" {
		t.Errorf("merged blocks = %+v, want first+second in order", blocks)
	}
}
