// Package gateway – handlers.go implements the API endpoints. The message
// endpoint streams the assistant reply as server-sent frames: each frame is
// a data: line with a JSON payload, terminated by data: [DONE].
package gateway

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/tmarek/chatmux/pkg/chatmux/engine"
	"github.com/tmarek/chatmux/pkg/chatmux/store"
)

type conversationResponse struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

type createConversationRequest struct {
	Title string `json:"title"`
}

type sendMessageRequest struct {
	Text        string              `json:"text"`
	Attachments []engine.Attachment `json:"attachments,omitempty"`
}

func (g *Gateway) writeError(w http.ResponseWriter, msg string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

func (g *Gateway) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		g.logger.Warn("failed to encode response", "error", err)
	}
}

func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	g.writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"uptime": time.Since(g.startedAt).Round(time.Second).String(),
	})
}

// handleConversations serves GET (list) and POST (create) on
// /api/conversations.
func (g *Gateway) handleConversations(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		convs, err := g.store.ListConversations(r.Context())
		if err != nil {
			g.logger.Error("list conversations failed", "error", err)
			g.writeError(w, "internal error", 500)
			return
		}
		out := make([]conversationResponse, 0, len(convs))
		for _, c := range convs {
			out = append(out, conversationResponse{
				ID: c.ID, Title: c.Title, CreatedAt: c.CreatedAt, UpdatedAt: c.UpdatedAt,
			})
		}
		g.writeJSON(w, http.StatusOK, out)

	case http.MethodPost:
		var req createConversationRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			g.writeError(w, "invalid JSON body", 400)
			return
		}
		conv, err := g.store.CreateConversation(r.Context(), req.Title)
		if err != nil {
			g.logger.Error("create conversation failed", "error", err)
			g.writeError(w, "internal error", 500)
			return
		}
		g.writeJSON(w, http.StatusCreated, conversationResponse{
			ID: conv.ID, Title: conv.Title, CreatedAt: conv.CreatedAt, UpdatedAt: conv.UpdatedAt,
		})

	default:
		g.writeError(w, "method not allowed", 405)
	}
}

// handleConversationByID routes /api/conversations/{id}[/messages|/cancel].
func (g *Gateway) handleConversationByID(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/conversations/")
	parts := strings.SplitN(rest, "/", 2)
	id := parts[0]
	if id == "" {
		g.writeError(w, "missing conversation id", 400)
		return
	}

	if len(parts) == 2 {
		switch parts[1] {
		case "messages":
			g.handleSendMessage(w, r, id)
		case "cancel":
			g.handleCancel(w, r, id)
		default:
			g.writeError(w, "not found", 404)
		}
		return
	}

	switch r.Method {
	case http.MethodGet:
		g.handleGetConversation(w, r, id)
	case http.MethodDelete:
		g.handleDeleteConversation(w, r, id)
	default:
		g.writeError(w, "method not allowed", 405)
	}
}

func (g *Gateway) handleGetConversation(w http.ResponseWriter, r *http.Request, id string) {
	conv, err := g.store.GetConversation(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			g.writeError(w, "conversation not found", 404)
			return
		}
		g.logger.Error("get conversation failed", "error", err)
		g.writeError(w, "internal error", 500)
		return
	}
	turns, err := g.store.Turns(r.Context(), id)
	if err != nil {
		g.logger.Error("load turns failed", "error", err)
		g.writeError(w, "internal error", 500)
		return
	}
	g.writeJSON(w, http.StatusOK, map[string]any{
		"id":         conv.ID,
		"title":      conv.Title,
		"created_at": conv.CreatedAt,
		"updated_at": conv.UpdatedAt,
		"turns":      turns,
	})
}

func (g *Gateway) handleDeleteConversation(w http.ResponseWriter, r *http.Request, id string) {
	if err := g.store.DeleteConversation(r.Context(), id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			g.writeError(w, "conversation not found", 404)
			return
		}
		g.logger.Error("delete conversation failed", "error", err)
		g.writeError(w, "internal error", 500)
		return
	}
	// Drop the in-memory session too, aborting any in-flight request.
	g.registry.Close(id)
	w.WriteHeader(http.StatusNoContent)
}

// handleSendMessage runs a chat exchange and streams the reply back as
// frames. The client reads data: lines until data: [DONE].
func (g *Gateway) handleSendMessage(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodPost {
		g.writeError(w, "method not allowed", 405)
		return
	}

	var req sendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		g.writeError(w, "invalid JSON body", 400)
		return
	}
	if strings.TrimSpace(req.Text) == "" && len(req.Attachments) == 0 {
		g.writeError(w, "empty message", 400)
		return
	}

	if _, err := g.store.GetConversation(r.Context(), id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			g.writeError(w, "conversation not found", 404)
			return
		}
		g.logger.Error("get conversation failed", "error", err)
		g.writeError(w, "internal error", 500)
		return
	}

	sess, err := g.registry.GetOrCreate(id, func() ([]engine.Turn, error) {
		return g.store.Turns(r.Context(), id)
	})
	if err != nil {
		g.logger.Error("session load failed", "error", err)
		g.writeError(w, "internal error", 500)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		g.writeError(w, "streaming unsupported", 500)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	// The callbacks run on the controller's stream goroutine; only this
	// handler goroutine touches the ResponseWriter. Events are forwarded over
	// the channel and the terminal callback closes it, so the handler returns
	// only once the callback source is quiescent.
	events := make(chan engine.StreamEvent, 16)
	prevLen := 0

	sendErr := g.controller.Send(r.Context(), sess, req.Text, req.Attachments, engine.SendCallbacks{
		OnDelta: func(accumulated string) {
			// Forward only the new suffix as a delta frame.
			if len(accumulated) > prevLen {
				events <- engine.StreamEvent{Kind: engine.EventDelta, Text: accumulated[prevLen:]}
				prevLen = len(accumulated)
			}
		},
		OnDone: func(final engine.Turn) {
			if len(final.Content) > prevLen {
				events <- engine.StreamEvent{Kind: engine.EventDelta, Text: final.Content[prevLen:]}
			}
			events <- engine.StreamEvent{Kind: engine.EventDone}
			close(events)
		},
		OnCancelled: func() {
			close(events)
		},
	})
	if sendErr != nil {
		switch {
		case errors.Is(sendErr, engine.ErrAlreadyInFlight):
			g.writeError(w, "a request is already in progress for this conversation", 409)
		case errors.Is(sendErr, engine.ErrBadRequest), errors.Is(sendErr, engine.ErrPayloadTooLarge):
			g.writeError(w, sendErr.Error(), 400)
		case errors.Is(sendErr, engine.ErrNoProviderConfigured):
			g.writeError(w, sendErr.Error(), 503)
		default:
			g.logger.Error("send failed", "error", sendErr)
			g.writeError(w, "internal error", 500)
		}
		return
	}

	fw := engine.NewFrameWriter(w)
	clientGone := r.Context().Done()
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}
			fw.Emit(ev)
			flusher.Flush()
		case <-clientGone:
			sess.Cancel()
			// Nothing may be written once the client is gone; drain until the
			// terminal callback closes the channel.
			for range events {
			}
			return
		}
	}
}

// handleCancel aborts the in-flight exchange, if any.
func (g *Gateway) handleCancel(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodPost {
		g.writeError(w, "method not allowed", 405)
		return
	}
	sess := g.registry.Get(id)
	if sess == nil || !sess.InFlight() {
		g.writeJSON(w, http.StatusOK, map[string]string{"status": "idle"})
		return
	}
	sess.Cancel()
	g.writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
}
