package engine

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"
)

// recordingStore captures persisted turns and can be told to fail.
type recordingStore struct {
	mu    sync.Mutex
	turns []Turn
	fail  bool
}

func (s *recordingStore) AppendTurn(_ context.Context, _ string, t Turn) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return errors.New("store unavailable")
	}
	s.turns = append(s.turns, t)
	return nil
}

func (s *recordingStore) recorded() []Turn {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Turn, len(s.turns))
	copy(out, s.turns)
	return out
}

func controllerConfig(serverURL string) *Config {
	cfg := DefaultConfig()
	cfg.Fallback = FallbackConfig{MaxRetries: 1, BaseDelayMs: 1, AttemptTimeoutSec: 5}
	cfg.Providers = []ProviderConfig{{
		ID:      "test",
		Kind:    string(KindOpenAI),
		BaseURL: serverURL,
		APIKey:  "sk-test",
		Models:  map[string]string{"text": "test-model"},
	}}
	return cfg
}

// sendWait runs one exchange and blocks until one terminal callback fires.
func sendWait(t *testing.T, c *Controller, sess *Session, text string) (Turn, error) {
	t.Helper()
	type outcome struct {
		turn Turn
		err  error
	}
	done := make(chan outcome, 1)

	err := c.Send(context.Background(), sess, text, nil, SendCallbacks{
		OnDone:      func(final Turn) { done <- outcome{turn: final} },
		OnCancelled: func() { done <- outcome{err: context.Canceled} },
	})
	if err != nil {
		return Turn{}, err
	}

	select {
	case out := <-done:
		return out.turn, out.err
	case <-time.After(5 * time.Second):
		t.Fatal("exchange did not complete")
		return Turn{}, nil
	}
}

func TestControllerSuccessfulExchange(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "data: {\"choices\":[{\"delta\":{\"content\":\"Hello \"}}]}\n\n")
		io.WriteString(w, "data: {\"choices\":[{\"delta\":{\"content\":\"there\"}}]}\n\n")
		io.WriteString(w, "data: [DONE]\n\n")
	}))
	defer srv.Close()

	st := &recordingStore{}
	c, err := NewController(controllerConfig(srv.URL), st, nil)
	if err != nil {
		t.Fatalf("NewController() error = %v", err)
	}
	sess := newSession("conv-1", nil, 50)

	final, err := sendWait(t, c, sess, "hi")
	if err != nil {
		t.Fatalf("exchange error = %v", err)
	}
	if final.Content != "Hello there" {
		t.Errorf("final content = %q, want %q", final.Content, "Hello there")
	}
	if final.Role != RoleAssistant {
		t.Errorf("final role = %v, want assistant", final.Role)
	}

	turns := sess.Turns()
	if len(turns) != 2 {
		t.Fatalf("session has %d turns, want user + assistant", len(turns))
	}
	if sess.State() != StateReady {
		t.Errorf("state = %v, want ready", sess.State())
	}

	persisted := st.recorded()
	if len(persisted) != 2 {
		t.Fatalf("persisted %d turns, want 2", len(persisted))
	}
	if persisted[0].Role != RoleUser || persisted[1].Role != RoleAssistant {
		t.Errorf("persisted roles = %v/%v, want user/assistant", persisted[0].Role, persisted[1].Role)
	}
}

func TestControllerInFlightGate(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.(http.Flusher).Flush()
		<-release
		io.WriteString(w, "data: [DONE]\n\n")
	}))
	defer srv.Close()

	c, err := NewController(controllerConfig(srv.URL), nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	sess := newSession("conv-1", nil, 50)

	done := make(chan struct{})
	if err := c.Send(context.Background(), sess, "first", nil, SendCallbacks{
		OnDone: func(Turn) { close(done) },
	}); err != nil {
		t.Fatalf("first Send() error = %v", err)
	}

	err = c.Send(context.Background(), sess, "second", nil, SendCallbacks{})
	if !errors.Is(err, ErrAlreadyInFlight) {
		t.Errorf("second Send() error = %v, want ErrAlreadyInFlight", err)
	}

	close(release)
	<-done
}

func TestControllerDegradesFailureToApology(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(503)
	}))
	defer srv.Close()

	st := &recordingStore{}
	c, err := NewController(controllerConfig(srv.URL), st, nil)
	if err != nil {
		t.Fatal(err)
	}
	sess := newSession("conv-1", nil, 50)

	final, err := sendWait(t, c, sess, "hi")
	if err != nil {
		t.Fatalf("degraded exchange returned error %v, want apology via OnDone", err)
	}
	if final.Content != ApologyMessage {
		t.Errorf("final content = %q, want the apology message", final.Content)
	}
	if sess.State() != StateReady {
		t.Errorf("state = %v, want ready after degraded exchange", sess.State())
	}
}

func TestControllerBadRequestSurfaces(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(400)
		io.WriteString(w, `{"error":"invalid payload"}`)
	}))
	defer srv.Close()

	c, err := NewController(controllerConfig(srv.URL), nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	sess := newSession("conv-1", nil, 50)

	err = c.Send(context.Background(), sess, "hi", nil, SendCallbacks{})
	if !errors.Is(err, ErrBadRequest) {
		t.Fatalf("Send() error = %v, want ErrBadRequest surfaced directly", err)
	}
	if sess.State() != StateReady {
		t.Errorf("state = %v, want ready after surfaced error", sess.State())
	}
	// The user turn stays; the placeholder assistant turn is dropped.
	turns := sess.Turns()
	if len(turns) != 1 || turns[0].Role != RoleUser {
		t.Errorf("turns = %+v, want only the user turn", turns)
	}
}

func TestControllerCancelKeepsPartialAsTruncated(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "data: {\"choices\":[{\"delta\":{\"content\":\"partial \"}}]}\n\n")
		w.(http.Flusher).Flush()
		<-release
	}))
	defer srv.Close()
	defer close(release)

	st := &recordingStore{}
	c, err := NewController(controllerConfig(srv.URL), st, nil)
	if err != nil {
		t.Fatal(err)
	}
	sess := newSession("conv-1", nil, 50)

	gotDelta := make(chan struct{})
	cancelled := make(chan struct{})
	var deltaOnce sync.Once

	if err := c.Send(context.Background(), sess, "hi", nil, SendCallbacks{
		OnDelta:     func(string) { deltaOnce.Do(func() { close(gotDelta) }) },
		OnCancelled: func() { close(cancelled) },
	}); err != nil {
		t.Fatal(err)
	}

	<-gotDelta
	sess.Cancel()

	select {
	case <-cancelled:
	case <-time.After(5 * time.Second):
		t.Fatal("cancellation did not complete")
	}

	turns := sess.Turns()
	if len(turns) != 2 {
		t.Fatalf("session has %d turns, want user + truncated assistant", len(turns))
	}
	last := turns[1]
	if !last.Truncated {
		t.Error("partial assistant turn not marked truncated")
	}
	if !strings.HasPrefix(last.Content, "partial") {
		t.Errorf("partial content = %q", last.Content)
	}
	if sess.State() != StateReady {
		t.Errorf("state = %v, want ready after cancel", sess.State())
	}
}

func TestControllerPersistenceFailureDoesNotBreakChat(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "data: {\"choices\":[{\"delta\":{\"content\":\"ok\"}}]}\n\ndata: [DONE]\n\n")
	}))
	defer srv.Close()

	st := &recordingStore{fail: true}
	c, err := NewController(controllerConfig(srv.URL), st, nil)
	if err != nil {
		t.Fatal(err)
	}
	sess := newSession("conv-1", nil, 50)

	final, err := sendWait(t, c, sess, "hi")
	if err != nil {
		t.Fatalf("exchange error = %v, want success despite store failure", err)
	}
	if final.Content != "ok" {
		t.Errorf("final content = %q, want ok", final.Content)
	}
}

func TestControllerSystemPromptFoldsPersonaAndContext(t *testing.T) {
	cfg := controllerConfig("http://unused")
	cfg.Persona = PersonaConfig{
		Instructions: "Base instructions.",
		UserName:     "Sam",
		Traits:       []string{"direct", "dry"},
	}
	c, err := NewController(cfg, nil, nil)
	if err != nil {
		t.Fatal(err)
	}

	turns := []Turn{
		{Role: RoleContext, Content: "User timezone is UTC+2."},
		{Role: RoleUser, Content: "hi"},
	}
	prompt := c.buildSystemPrompt(turns)

	for _, want := range []string{"Base instructions.", "Sam", "direct, dry", "UTC+2"} {
		if !strings.Contains(prompt, want) {
			t.Errorf("system prompt missing %q:\n%s", want, prompt)
		}
	}
}
