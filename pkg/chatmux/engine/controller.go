// Package engine – controller.go orchestrates a full chat exchange: append
// the user turn, classify, resolve a provider route, dispatch with retry and
// fallback, and stream the normalized reply back through callbacks while the
// placeholder assistant turn fills in.
package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"
)

// TurnStore persists finalized turns. Persistence failures never interrupt
// the chat flow; they are logged and the in-memory session stays
// authoritative.
type TurnStore interface {
	AppendTurn(ctx context.Context, conversationID string, t Turn) error
}

// SendCallbacks receive streaming progress for one exchange. OnDelta carries
// the full accumulated text so far, not the increment. Exactly one of OnDone
// or OnCancelled fires per exchange: provider and stream failures degrade to
// an apology or truncated turn delivered through OnDone, never through a
// separate error callback.
type SendCallbacks struct {
	OnDelta     func(accumulated string)
	OnDone      func(final Turn)
	OnCancelled func()
}

// Controller drives chat exchanges for sessions. Safe for concurrent use
// across sessions; per-session concurrency is serialized by the in-flight
// gate.
type Controller struct {
	catalog    *Catalog
	dispatcher *Dispatcher
	store      TurnStore
	persona    PersonaConfig
	request    RequestConfig
	logger     *slog.Logger
}

// NewController assembles a controller from a validated config.
func NewController(cfg *Config, store TurnStore, logger *slog.Logger) (*Controller, error) {
	if logger == nil {
		logger = slog.Default()
	}
	catalog, err := NewCatalog(cfg)
	if err != nil {
		return nil, err
	}
	return &Controller{
		catalog:    catalog,
		dispatcher: NewDispatcher(cfg.Fallback, logger),
		store:      store,
		persona:    cfg.Persona,
		request:    cfg.Request,
		logger:     logger.With("component", "controller"),
	}, nil
}

// Send runs one exchange on the session. It returns once the user turn is
// accepted and the stream goroutine is running; completion is reported via
// callbacks. Returns ErrAlreadyInFlight when the session has a request in
// progress, and configuration or bad-request errors directly — every other
// failure mode degrades to an apology turn delivered through OnDone.
func (c *Controller) Send(ctx context.Context, sess *Session, text string, attachments []Attachment, cb SendCallbacks) error {
	sendCtx, cancel := context.WithCancel(ctx)
	if err := sess.beginSend(cancel); err != nil {
		cancel()
		return err
	}

	userTurn := Turn{
		Role:        RoleUser,
		Content:     text,
		Attachments: attachments,
		CreatedAt:   time.Now(),
	}
	sess.appendTurn(userTurn)
	c.persist(ctx, sess.ConversationID, userTurn)

	turns := sess.Turns()
	category := Classify(turns, len(attachments) > 0)

	routes, err := c.catalog.Resolve(category)
	if err != nil {
		sess.finishSend(false, false)
		return err
	}

	plan := RequestPlan{
		Routes:        routes,
		SystemPrompt:  c.buildSystemPrompt(turns),
		Turns:         turns,
		MaxImageBytes: c.request.MaxImageBytes,
	}

	sess.setPending(Turn{Role: RoleAssistant, CreatedAt: time.Now()})

	c.logger.Info("exchange started",
		"conversation", sess.ConversationID,
		"category", category.String(),
		"routes", len(routes))

	stream, err := c.dispatcher.Dispatch(sendCtx, plan)
	if err != nil {
		if errors.Is(err, ErrBadRequest) || errors.Is(err, ErrPayloadTooLarge) {
			sess.finishSend(false, false)
			return err
		}
		// Degraded: present the apology as a normal assistant reply.
		final, _ := c.finalize(ctx, sess, ApologyMessage, false)
		c.logger.Warn("exchange degraded", "conversation", sess.ConversationID, "error", err)
		if cb.OnDone != nil {
			cb.OnDone(final)
		}
		return nil
	}

	go c.consumeStream(ctx, sendCtx, sess, stream, cb)
	return nil
}

// consumeStream pipes the provider body through the normalizer into the
// consumer and finalizes the session when the stream ends.
func (c *Controller) consumeStream(ctx, sendCtx context.Context, sess *Session, stream *ProviderStream, cb SendCallbacks) {
	defer stream.Body.Close()

	pr, pw := io.Pipe()
	norm := NewNormalizer(c.logger)
	fw := NewFrameWriter(pw)

	go func() {
		err := norm.Run(stream.Body, stream.Route.Provider.Kind, stream.Streaming, fw.Emit)
		pw.CloseWithError(err)
	}()

	cons := NewConsumer(c.logger)
	completed := false
	cons.Run(sendCtx, pr, ConsumeCallbacks{
		OnDelta: func(accumulated string) {
			sess.updatePending(accumulated)
			if cb.OnDelta != nil {
				cb.OnDelta(accumulated)
			}
		},
		OnDone: func(final string, truncated bool) {
			completed = true
			turn, _ := c.finalize(ctx, sess, final, truncated)
			c.logger.Info("exchange complete",
				"conversation", sess.ConversationID,
				"provider", stream.Route.Provider.ID,
				"model", stream.Route.Model,
				"chars", len(final),
				"truncated", truncated)
			if cb.OnDone != nil {
				cb.OnDone(turn)
			}
		},
		OnError: func(streamErr error) {
			completed = true
			c.failStream(ctx, sess, streamErr, cb)
		},
	})
	if !completed {
		// The consumer returned without a terminal callback: cancelled.
		c.finishCancelled(ctx, sess)
		if cb.OnCancelled != nil {
			cb.OnCancelled()
		}
	}
}

// failStream degrades a mid-stream failure to an apology turn. A partial
// reply already accumulated is kept as truncated instead.
func (c *Controller) failStream(ctx context.Context, sess *Session, streamErr error, cb SendCallbacks) {
	partial := pendingContent(sess)
	if partial != "" {
		turn, _ := c.finalize(ctx, sess, partial, true)
		c.logger.Warn("stream interrupted, partial reply kept",
			"conversation", sess.ConversationID, "chars", len(partial), "error", streamErr)
		if cb.OnDone != nil {
			cb.OnDone(turn)
		}
		return
	}
	turn, _ := c.finalize(ctx, sess, ApologyMessage, false)
	c.logger.Warn("stream failed", "conversation", sess.ConversationID, "error", streamErr)
	if cb.OnDone != nil {
		cb.OnDone(turn)
	}
}

// finishCancelled handles a user-initiated cancel: partial content becomes a
// truncated turn, an empty placeholder is dropped. No callbacks fire.
func (c *Controller) finishCancelled(ctx context.Context, sess *Session) {
	partial := pendingContent(sess)
	if partial != "" {
		c.finalize(ctx, sess, partial, true)
		c.logger.Info("exchange cancelled, partial reply kept",
			"conversation", sess.ConversationID, "chars", len(partial))
		return
	}
	sess.finishSend(false, false)
	c.logger.Info("exchange cancelled", "conversation", sess.ConversationID)
}

// finalize writes the final assistant content into the pending turn, appends
// it to the history, and persists it.
func (c *Controller) finalize(ctx context.Context, sess *Session, content string, truncated bool) (Turn, bool) {
	sess.updatePending(content)
	turn, kept := sess.finishSend(true, truncated)
	if kept {
		c.persist(ctx, sess.ConversationID, turn)
	}
	return turn, kept
}

// persist appends a turn to the store, logging failures without propagating
// them.
func (c *Controller) persist(ctx context.Context, conversationID string, t Turn) {
	if c.store == nil {
		return
	}
	if err := c.store.AppendTurn(ctx, conversationID, t); err != nil {
		c.logger.Warn("turn persistence failed", "conversation", conversationID, "error", err)
	}
}

// buildSystemPrompt folds the persona and any context turns into a single
// system prompt.
func (c *Controller) buildSystemPrompt(turns []Turn) string {
	var parts []string
	if c.persona.Instructions != "" {
		parts = append(parts, c.persona.Instructions)
	}
	if c.persona.UserName != "" {
		parts = append(parts, fmt.Sprintf("You are talking to %s.", c.persona.UserName))
	}
	if len(c.persona.Traits) > 0 {
		parts = append(parts, "Personality: "+strings.Join(c.persona.Traits, ", ")+".")
	}
	for _, t := range turns {
		if t.Role == RoleContext && t.Content != "" {
			parts = append(parts, t.Content)
		}
	}
	return strings.Join(parts, "\n\n")
}

func pendingContent(sess *Session) string {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	if sess.pending == nil {
		return ""
	}
	return sess.pending.Content
}
