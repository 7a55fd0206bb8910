// Package chat runs streamed chat turns: admission, history sync, the model
// driver and the post-stream append.
package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/soyeahso/chatline/internal/agent"
	"github.com/soyeahso/chatline/internal/hooks"
	"github.com/soyeahso/chatline/internal/llm"
	"github.com/soyeahso/chatline/internal/logging"
	"github.com/soyeahso/chatline/internal/store"
	"github.com/soyeahso/chatline/internal/stream"
)

// Request validation errors.
var (
	ErrRequestIDRequired = errors.New("requestId required")
	ErrNoMessages        = errors.New("no messages")
)

// IsInvalidRequest reports whether err was caused by a malformed request.
func IsInvalidRequest(err error) bool {
	return errors.Is(err, ErrRequestIDRequired) ||
		errors.Is(err, ErrNoMessages) ||
		errors.Is(err, llm.ErrInvalidOptions)
}

// Message is one caller-supplied chat message.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// StartRequest starts a streamed turn. When TruncateAfterSeq is set, only
// the first N non-system messages are used.
type StartRequest struct {
	RequestID        string              `json:"requestId"`
	ConversationID   string              `json:"conversationId,omitempty"`
	Messages         []Message           `json:"messages"`
	TruncateAfterSeq *int64              `json:"truncateAfterSeq,omitempty"`
	Model            string              `json:"model,omitempty"`
	Options          *llm.RequestOptions `json:"options,omitempty"`
	DisableTools     bool                `json:"disableTools,omitempty"`
}

// History is the part of the history store the service writes to.
type History interface {
	SyncFromFrontendMessages(ctx context.Context, id string, msgs []store.ChatMessage) error
	AppendAssistantMessage(ctx context.Context, id, content string, reasoning *string) (*store.Message, error)
	DeleteConversation(ctx context.Context, id string) (*store.Bootstrap, error)
}

// Service ties the stream registry, history store and driver together.
type Service struct {
	history  History
	registry *stream.Registry
	driver   *agent.Driver
	hooks    *hooks.Manager
	log      *logging.Logger

	wg sync.WaitGroup
}

// NewService creates a Service. history and hooks may be nil.
func NewService(history History, registry *stream.Registry, driver *agent.Driver, hm *hooks.Manager, log *logging.Logger) *Service {
	return &Service{
		history:  history,
		registry: registry,
		driver:   driver,
		hooks:    hm,
		log:      log.Sub("chat"),
	}
}

// Registry returns the stream registry.
func (s *Service) Registry() *stream.Registry { return s.registry }

// Start validates and admits the request, then streams it in the
// background. Events go to emitter; the stream outlives ctx.
func (s *Service) Start(ctx context.Context, req StartRequest, emitter stream.Emitter) error {
	requestID := strings.TrimSpace(req.RequestID)
	if requestID == "" {
		return ErrRequestIDRequired
	}
	msgs := truncateAfterSeq(req.Messages, req.TruncateAfterSeq)
	if countTurns(msgs) == 0 {
		return ErrNoMessages
	}
	if err := req.Options.Validate(); err != nil {
		return err
	}
	convID := strings.TrimSpace(req.ConversationID)

	task, taskCtx, err := s.registry.Admit(context.WithoutCancel(ctx), requestID, convID, emitter)
	if err != nil {
		return err
	}

	s.log.Info().
		Str("request", requestID).
		Str("conversation", convID).
		Int("messages", len(msgs)).
		Msg("stream started")
	s.hooks.EmitAsync(ctx, hooks.EventStreamStart, map[string]any{
		"requestId":      requestID,
		"conversationId": convID,
	})

	turn := agent.Turn{
		RequestID:    requestID,
		Messages:     toLLMMessages(msgs),
		Model:        req.Model,
		Options:      req.Options,
		DisableTools: req.DisableTools,
	}

	s.wg.Add(1)
	go s.run(taskCtx, task, turn, msgs, emitter)
	return nil
}

func (s *Service) run(ctx context.Context, task *stream.Task, turn agent.Turn, msgs []Message, emitter stream.Emitter) {
	defer s.wg.Done()
	defer s.registry.Finish(task)

	convID := task.ConversationID
	start := time.Now()

	if convID != "" && s.history != nil {
		if err := s.history.SyncFromFrontendMessages(ctx, convID, toChatMessages(msgs)); err != nil {
			s.log.Warn().Err(err).Str("request", turn.RequestID).Str("conversation", convID).Msg("history sync failed")
		}
	}

	res, err := s.driver.Run(ctx, turn, func(kind stream.TokenKind, delta string) {
		emitter.EmitToken(stream.Token{RequestID: turn.RequestID, Kind: kind, Delta: delta})
	})
	if err != nil {
		if ctx.Err() != nil {
			s.log.Info().Str("request", turn.RequestID).Dur("elapsed", time.Since(start)).Msg("stream aborted")
			return
		}
		s.log.Warn().Err(err).Str("request", turn.RequestID).Dur("elapsed", time.Since(start)).Msg("stream failed")
		emitter.EmitError(stream.Failure{RequestID: turn.RequestID, Error: err.Error()})
		s.hooks.EmitAsync(ctx, hooks.EventStreamError, map[string]any{
			"requestId":      turn.RequestID,
			"conversationId": convID,
			"error":          err.Error(),
		})
		return
	}

	if convID != "" && s.history != nil && (res.Text != "" || res.Reasoning != "") {
		var reasoning *string
		if res.Reasoning != "" {
			reasoning = &res.Reasoning
		}
		if _, err := s.history.AppendAssistantMessage(ctx, convID, res.Text, reasoning); err != nil {
			s.log.Warn().Err(err).Str("request", turn.RequestID).Str("conversation", convID).Msg("saving assistant reply failed")
		}
	}

	s.log.Info().
		Str("request", turn.RequestID).
		Int("toolRounds", res.ToolRounds).
		Int("textLen", len(res.Text)).
		Dur("elapsed", time.Since(start)).
		Msg("stream completed")
	s.hooks.EmitAsync(ctx, hooks.EventStreamDone, map[string]any{
		"requestId":      turn.RequestID,
		"conversationId": convID,
		"toolRounds":     res.ToolRounds,
	})
}

// Abort cancels a request by id.
func (s *Service) Abort(requestID string, emitter stream.Emitter) {
	s.registry.Abort(requestID, emitter)
}

// AbortConversation cancels whatever is streaming for the conversation.
func (s *Service) AbortConversation(conversationID string, emitter stream.Emitter) {
	s.registry.AbortConversation(conversationID, emitter)
}

// DeleteConversation stops any stream on the conversation, archives it
// and returns the refreshed bootstrap.
func (s *Service) DeleteConversation(ctx context.Context, id string) (*store.Bootstrap, error) {
	if s.history == nil {
		return nil, errors.New("history is not available")
	}
	if s.registry.ConversationBusy(id) {
		s.registry.AbortConversation(id, nil)
	}
	boot, err := s.history.DeleteConversation(ctx, id)
	if err != nil {
		return nil, err
	}
	s.hooks.EmitAsync(ctx, hooks.EventConversationArchived, map[string]any{
		"conversationId":       id,
		"activeConversationId": boot.ActiveConversationID,
	})
	return boot, nil
}

// Shutdown aborts every running stream and waits for the goroutines to
// return or ctx to end.
func (s *Service) Shutdown(ctx context.Context) error {
	s.registry.AbortAll()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for streams: %w", ctx.Err())
	}
}

// Wait blocks until every started stream has returned.
func (s *Service) Wait() {
	s.wg.Wait()
}

// truncateAfterSeq keeps system messages and the first n others.
func truncateAfterSeq(msgs []Message, n *int64) []Message {
	if n == nil || *n < 0 {
		return msgs
	}
	out := make([]Message, 0, len(msgs))
	var kept int64
	for _, m := range msgs {
		if m.Role == llm.RoleSystem {
			out = append(out, m)
			continue
		}
		if kept >= *n {
			continue
		}
		out = append(out, m)
		kept++
	}
	return out
}

func countTurns(msgs []Message) int {
	n := 0
	for _, m := range msgs {
		if m.Role != llm.RoleSystem {
			n++
		}
	}
	return n
}

func toLLMMessages(msgs []Message) []llm.Message {
	out := make([]llm.Message, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, llm.Message{Role: m.Role, Content: m.Content})
	}
	return out
}

func toChatMessages(msgs []Message) []store.ChatMessage {
	out := make([]store.ChatMessage, 0, len(msgs))
	for _, m := range msgs {
		if m.Role == llm.RoleSystem {
			continue
		}
		out = append(out, store.ChatMessage{Role: m.Role, Content: m.Content})
	}
	return out
}
