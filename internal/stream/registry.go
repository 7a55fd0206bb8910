package stream

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/soyeahso/chatline/internal/logging"
)

// ErrBusy is returned when a request id is already running or its
// conversation already has a running request.
var ErrBusy = errors.New("busy")

// recentLimit bounds how many finished request ids are remembered.
const recentLimit = 256

// Task is one admitted request.
type Task struct {
	RequestID      string
	ConversationID string

	emitter Emitter
	cancel  context.CancelFunc
	once    sync.Once
}

// finish emits the terminal token and done event at most once.
func (t *Task) finish() bool {
	fired := false
	t.once.Do(func() {
		fired = true
		t.cancel()
		emitTerminal(t.emitter, t.RequestID, t.ConversationID)
	})
	return fired
}

func emitTerminal(e Emitter, requestID, conversationID string) {
	if e == nil {
		return
	}
	e.EmitToken(Token{RequestID: requestID, Kind: KindText, Done: true})
	e.EmitDone(Done{RequestID: requestID, ConversationID: conversationID})
}

// Registry is the single source of truth for which requests and
// conversations are streaming.
type Registry struct {
	mu             sync.Mutex
	byRequest      map[string]*Task
	byConversation map[string]*Task

	// ring of recently finished request ids; recent maps an id to its slot
	recent    map[string]int
	recentIDs []string
	recentPos int

	log *logging.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(log *logging.Logger) *Registry {
	return &Registry{
		byRequest:      make(map[string]*Task),
		byConversation: make(map[string]*Task),
		recent:         make(map[string]int),
		recentIDs:      make([]string, recentLimit),
		log:            log.Sub("stream"),
	}
}

// Admit registers a request. The returned context is cancelled by Abort,
// AbortConversation or Finish.
func (r *Registry) Admit(parent context.Context, requestID, conversationID string, emitter Emitter) (*Task, context.Context, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, running := r.byRequest[requestID]; running {
		return nil, nil, fmt.Errorf("request %q is already running: %w", requestID, ErrBusy)
	}
	if conversationID != "" {
		if other, running := r.byConversation[conversationID]; running {
			return nil, nil, fmt.Errorf("conversation %q is streaming request %q: %w", conversationID, other.RequestID, ErrBusy)
		}
	}

	ctx, cancel := context.WithCancel(parent)
	t := &Task{
		RequestID:      requestID,
		ConversationID: conversationID,
		emitter:        emitter,
		cancel:         cancel,
	}
	r.byRequest[requestID] = t
	if conversationID != "" {
		r.byConversation[conversationID] = t
	}
	// A reused id is live again.
	delete(r.recent, requestID)

	r.log.Debug().Str("request", requestID).Str("conversation", conversationID).Msg("stream admitted")
	return t, ctx, nil
}

// Finish removes the task and emits its terminal events once.
func (r *Registry) Finish(t *Task) {
	r.mu.Lock()
	r.remove(t)
	r.mu.Unlock()

	if t.finish() {
		r.log.Debug().Str("request", t.RequestID).Msg("stream finished")
	}
}

// Abort cancels a request. Unknown ids still produce one terminal token and
// done event; ids that finished recently produce nothing.
func (r *Registry) Abort(requestID string, emitter Emitter) {
	r.mu.Lock()
	t, ok := r.byRequest[requestID]
	if ok {
		r.remove(t)
	}
	_, finished := r.recent[requestID]
	r.mu.Unlock()

	switch {
	case ok:
		if t.finish() {
			r.log.Info().Str("request", requestID).Msg("stream aborted")
		}
	case finished:
		r.log.Debug().Str("request", requestID).Msg("abort after finish ignored")
	default:
		emitTerminal(emitter, requestID, "")
	}
}

// AbortConversation cancels whatever request is streaming for the
// conversation. With nothing running it still emits a terminal token and
// done event addressed to an empty request id.
func (r *Registry) AbortConversation(conversationID string, emitter Emitter) {
	r.mu.Lock()
	t, ok := r.byConversation[conversationID]
	if ok {
		r.remove(t)
	}
	r.mu.Unlock()

	if !ok {
		emitTerminal(emitter, "", conversationID)
		return
	}
	if t.finish() {
		r.log.Info().Str("request", t.RequestID).Str("conversation", conversationID).Msg("conversation stream aborted")
	}
}

// Running reports whether the request id is currently streaming.
func (r *Registry) Running(requestID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.byRequest[requestID]
	return ok
}

// ConversationBusy reports whether a conversation has a running request.
func (r *Registry) ConversationBusy(conversationID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.byConversation[conversationID]
	return ok
}

// Len returns the number of running requests.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byRequest)
}

// AbortAll cancels every running request. Used on shutdown.
func (r *Registry) AbortAll() {
	r.mu.Lock()
	tasks := make([]*Task, 0, len(r.byRequest))
	for _, t := range r.byRequest {
		tasks = append(tasks, t)
	}
	for _, t := range tasks {
		r.remove(t)
	}
	r.mu.Unlock()

	for _, t := range tasks {
		t.finish()
	}
}

// remove drops t's associations and remembers its id. Caller holds r.mu.
func (r *Registry) remove(t *Task) {
	if cur, ok := r.byRequest[t.RequestID]; ok && cur == t {
		delete(r.byRequest, t.RequestID)
	}
	if t.ConversationID != "" {
		if cur, ok := r.byConversation[t.ConversationID]; ok && cur == t {
			delete(r.byConversation, t.ConversationID)
		}
	}

	if _, seen := r.recent[t.RequestID]; seen {
		return
	}
	// The slot's previous id may have been reused and re-recorded in a
	// newer slot; only evict it when this slot is still its own.
	if old := r.recentIDs[r.recentPos]; old != "" {
		if slot, ok := r.recent[old]; ok && slot == r.recentPos {
			delete(r.recent, old)
		}
	}
	r.recentIDs[r.recentPos] = t.RequestID
	r.recent[t.RequestID] = r.recentPos
	r.recentPos = (r.recentPos + 1) % recentLimit
}
