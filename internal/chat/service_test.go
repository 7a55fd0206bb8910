package chat

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/soyeahso/chatline/internal/agent"
	"github.com/soyeahso/chatline/internal/hooks"
	"github.com/soyeahso/chatline/internal/llm"
	"github.com/soyeahso/chatline/internal/logging"
	"github.com/soyeahso/chatline/internal/retry"
	"github.com/soyeahso/chatline/internal/store"
	"github.com/soyeahso/chatline/internal/stream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func silentLog() *logging.Logger {
	return logging.New(nil, "silent")
}

type recorder struct {
	mu       sync.Mutex
	tokens   []stream.Token
	dones    []stream.Done
	failures []stream.Failure
	done     chan struct{}
	once     sync.Once
}

func newRecorder() *recorder {
	return &recorder{done: make(chan struct{})}
}

func (r *recorder) EmitToken(t stream.Token) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tokens = append(r.tokens, t)
}

func (r *recorder) EmitDone(d stream.Done) {
	r.mu.Lock()
	r.dones = append(r.dones, d)
	r.mu.Unlock()
	r.once.Do(func() { close(r.done) })
}

func (r *recorder) EmitError(f stream.Failure) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failures = append(r.failures, f)
}

func (r *recorder) wait(t *testing.T) {
	t.Helper()
	select {
	case <-r.done:
	case <-time.After(5 * time.Second):
		t.Fatal("stream did not finish")
	}
}

func (r *recorder) text() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var b strings.Builder
	for _, tok := range r.tokens {
		if tok.Kind == stream.KindText {
			b.WriteString(tok.Delta)
		}
	}
	return b.String()
}

type fixture struct {
	svc   *Service
	db    *store.DB
	hooks *hooks.Manager
}

func newFixture(t *testing.T, client llm.Client) *fixture {
	t.Helper()
	log := silentLog()

	db, err := store.Open(store.Options{Mode: store.ModeLocal, Path: filepath.Join(t.TempDir(), "history.db")}, log)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	driver := agent.NewDriver(client, nil, agent.Config{
		Retry: retry.Policy{MaxAttempts: 2, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond},
	}, log)
	hm := hooks.NewManager(log)
	svc := NewService(db, stream.NewRegistry(log), driver, hm, log)
	return &fixture{svc: svc, db: db, hooks: hm}
}

func userMessages(contents ...string) []Message {
	out := make([]Message, 0, len(contents))
	for _, c := range contents {
		out = append(out, Message{Role: llm.RoleUser, Content: c})
	}
	return out
}

func textClient(chunks ...string) *llm.MockClient {
	return &llm.MockClient{
		StreamFunc: func(ctx context.Context, req llm.CompletionRequest) (<-chan llm.StreamEvent, error) {
			cs := make([]*llm.Chunk, 0, len(chunks)+1)
			for _, c := range chunks {
				cs = append(cs, llm.TextChunk(c))
			}
			cs = append(cs, llm.FinishChunk("stop"))
			return llm.ChunkStream(cs...), nil
		},
	}
}

func TestStartValidation(t *testing.T) {
	f := newFixture(t, textClient("x"))
	ctx := context.Background()

	err := f.svc.Start(ctx, StartRequest{Messages: userMessages("hi")}, newRecorder())
	assert.ErrorIs(t, err, ErrRequestIDRequired)
	assert.True(t, IsInvalidRequest(err))

	err = f.svc.Start(ctx, StartRequest{RequestID: "r1"}, newRecorder())
	assert.ErrorIs(t, err, ErrNoMessages)

	err = f.svc.Start(ctx, StartRequest{
		RequestID: "r1",
		Messages:  []Message{{Role: llm.RoleSystem, Content: "only system"}},
	}, newRecorder())
	assert.ErrorIs(t, err, ErrNoMessages)

	err = f.svc.Start(ctx, StartRequest{
		RequestID: "r1",
		Messages:  userMessages("hi"),
		Options:   &llm.RequestOptions{Headers: map[string]string{"Authorization": "x"}},
	}, newRecorder())
	assert.ErrorIs(t, err, llm.ErrInvalidOptions)
	assert.True(t, IsInvalidRequest(err))
	assert.Equal(t, 0, f.svc.Registry().Len())
}

func TestStartStreamsAndPersists(t *testing.T) {
	f := newFixture(t, textClient("Hel", "lo"))
	ctx := context.Background()

	rec := newRecorder()
	err := f.svc.Start(ctx, StartRequest{
		RequestID:      "req-1",
		ConversationID: "conv_1",
		Messages:       userMessages("hi"),
	}, rec)
	require.NoError(t, err)
	rec.wait(t)
	f.svc.Wait()

	assert.Equal(t, "Hello", rec.text())
	require.Len(t, rec.dones, 1)
	assert.Equal(t, "req-1", rec.dones[0].RequestID)
	assert.Equal(t, "conv_1", rec.dones[0].ConversationID)
	assert.Empty(t, rec.failures)

	last := rec.tokens[len(rec.tokens)-1]
	assert.True(t, last.Done)

	detail, err := f.db.GetConversation(ctx, "conv_1")
	require.NoError(t, err)
	require.Len(t, detail.Messages, 2)
	assert.Equal(t, int64(1), detail.Messages[0].Seq)
	assert.Equal(t, "hi", detail.Messages[0].Content)
	assert.Equal(t, int64(2), detail.Messages[1].Seq)
	assert.Equal(t, "assistant", detail.Messages[1].Role)
	assert.Equal(t, "Hello", detail.Messages[1].Content)
	assert.Nil(t, detail.Messages[1].Reasoning)
}

func TestStartWithoutConversationIsStateless(t *testing.T) {
	f := newFixture(t, textClient("ok"))

	rec := newRecorder()
	require.NoError(t, f.svc.Start(context.Background(), StartRequest{RequestID: "r", Messages: userMessages("hi")}, rec))
	rec.wait(t)
	f.svc.Wait()

	list, err := f.db.ListConversations(context.Background())
	require.NoError(t, err)
	for _, c := range list {
		assert.Equal(t, 0, c.MessageCount)
	}
}

func TestStartPersistsReasoning(t *testing.T) {
	client := &llm.MockClient{
		StreamFunc: func(ctx context.Context, req llm.CompletionRequest) (<-chan llm.StreamEvent, error) {
			return llm.ChunkStream(llm.ReasoningChunk("hmm"), llm.TextChunk("answer"), llm.FinishChunk("stop")), nil
		},
	}
	f := newFixture(t, client)

	rec := newRecorder()
	require.NoError(t, f.svc.Start(context.Background(), StartRequest{
		RequestID: "r", ConversationID: "conv_r", Messages: userMessages("q"),
	}, rec))
	rec.wait(t)
	f.svc.Wait()

	detail, err := f.db.GetConversation(context.Background(), "conv_r")
	require.NoError(t, err)
	require.Len(t, detail.Messages, 2)
	require.NotNil(t, detail.Messages[1].Reasoning)
	assert.Equal(t, "hmm", *detail.Messages[1].Reasoning)
}

func TestStartRegenerateTruncates(t *testing.T) {
	f := newFixture(t, textClient("second answer"))
	ctx := context.Background()

	require.NoError(t, f.db.SyncFromFrontendMessages(ctx, "conv_t", []store.ChatMessage{
		{Role: "user", Content: "q1"},
		{Role: "assistant", Content: "a1"},
		{Role: "user", Content: "q2"},
		{Role: "assistant", Content: "a2"},
	}))

	keep := int64(3)
	rec := newRecorder()
	require.NoError(t, f.svc.Start(ctx, StartRequest{
		RequestID:      "regen",
		ConversationID: "conv_t",
		Messages: []Message{
			{Role: llm.RoleUser, Content: "q1"},
			{Role: llm.RoleAssistant, Content: "a1"},
			{Role: llm.RoleUser, Content: "q2"},
			{Role: llm.RoleAssistant, Content: "a2"},
		},
		TruncateAfterSeq: &keep,
	}, rec))
	rec.wait(t)
	f.svc.Wait()

	detail, err := f.db.GetConversation(ctx, "conv_t")
	require.NoError(t, err)
	require.Len(t, detail.Messages, 4)
	assert.Equal(t, "q2", detail.Messages[2].Content)
	assert.Equal(t, "second answer", detail.Messages[3].Content)
}

func TestStartBusyConversation(t *testing.T) {
	release := make(chan struct{})
	client := &llm.MockClient{
		StreamFunc: func(ctx context.Context, req llm.CompletionRequest) (<-chan llm.StreamEvent, error) {
			ch := make(chan llm.StreamEvent)
			go func() {
				defer close(ch)
				select {
				case <-release:
				case <-ctx.Done():
					return
				}
				ch <- llm.StreamEvent{Type: llm.EventChunk, Chunk: llm.TextChunk("done")}
			}()
			return ch, nil
		},
	}
	f := newFixture(t, client)
	ctx := context.Background()

	first := newRecorder()
	require.NoError(t, f.svc.Start(ctx, StartRequest{RequestID: "a", ConversationID: "conv_b", Messages: userMessages("1")}, first))

	err := f.svc.Start(ctx, StartRequest{RequestID: "b", ConversationID: "conv_b", Messages: userMessages("2")}, newRecorder())
	assert.ErrorIs(t, err, stream.ErrBusy)

	err = f.svc.Start(ctx, StartRequest{RequestID: "a", ConversationID: "conv_other", Messages: userMessages("3")}, newRecorder())
	assert.ErrorIs(t, err, stream.ErrBusy)

	close(release)
	first.wait(t)
	f.svc.Wait()

	again := newRecorder()
	require.NoError(t, f.svc.Start(ctx, StartRequest{RequestID: "c", ConversationID: "conv_b", Messages: userMessages("4")}, again))
	again.wait(t)
	f.svc.Wait()
}

func blockingClient() *llm.MockClient {
	return &llm.MockClient{
		StreamFunc: func(ctx context.Context, req llm.CompletionRequest) (<-chan llm.StreamEvent, error) {
			ch := make(chan llm.StreamEvent, 1)
			ch <- llm.StreamEvent{Type: llm.EventChunk, Chunk: llm.TextChunk("partial")}
			go func() {
				<-ctx.Done()
				close(ch)
			}()
			return ch, nil
		},
	}
}

func waitForText(t *testing.T, rec *recorder, want string) {
	t.Helper()
	require.Eventually(t, func() bool { return rec.text() == want }, 5*time.Second, 5*time.Millisecond)
}

func TestAbortStopsStream(t *testing.T) {
	f := newFixture(t, blockingClient())
	ctx := context.Background()

	rec := newRecorder()
	require.NoError(t, f.svc.Start(ctx, StartRequest{RequestID: "r", ConversationID: "conv_a", Messages: userMessages("hi")}, rec))
	waitForText(t, rec, "partial")

	f.svc.Abort("r", newRecorder())
	rec.wait(t)
	f.svc.Wait()

	assert.Len(t, rec.dones, 1)
	assert.Empty(t, rec.failures)
	assert.False(t, f.svc.Registry().ConversationBusy("conv_a"))

	// Aborting again after the finish produces nothing.
	late := newRecorder()
	f.svc.Abort("r", late)
	assert.Empty(t, late.dones)

	detail, err := f.db.GetConversation(ctx, "conv_a")
	require.NoError(t, err)
	assert.Len(t, detail.Messages, 1, "aborted reply is not saved")
}

func TestAbortConversation(t *testing.T) {
	f := newFixture(t, blockingClient())

	rec := newRecorder()
	require.NoError(t, f.svc.Start(context.Background(), StartRequest{RequestID: "r", ConversationID: "conv_c", Messages: userMessages("hi")}, rec))
	waitForText(t, rec, "partial")

	f.svc.AbortConversation("conv_c", newRecorder())
	rec.wait(t)
	f.svc.Wait()
	assert.Len(t, rec.dones, 1)

	idle := newRecorder()
	f.svc.AbortConversation("conv_c", idle)
	require.Len(t, idle.dones, 1)
	assert.Equal(t, "", idle.dones[0].RequestID)
	assert.Equal(t, "conv_c", idle.dones[0].ConversationID)
}

func TestAbortUnknownRequest(t *testing.T) {
	f := newFixture(t, textClient("x"))
	rec := newRecorder()
	f.svc.Abort("never-started", rec)

	require.Len(t, rec.dones, 1)
	require.Len(t, rec.tokens, 1)
	assert.True(t, rec.tokens[0].Done)
	assert.Equal(t, "never-started", rec.dones[0].RequestID)
}

func TestStreamFailureEmitsError(t *testing.T) {
	client := &llm.MockClient{
		StreamFunc: func(ctx context.Context, req llm.CompletionRequest) (<-chan llm.StreamEvent, error) {
			return nil, &llm.ProviderError{Provider: "openai", Code: 401, Message: "invalid api key"}
		},
	}
	f := newFixture(t, client)

	var hookErr sync.WaitGroup
	hookErr.Add(1)
	f.hooks.On(hooks.EventStreamError, "test", func(_ context.Context, p hooks.Payload) error {
		defer hookErr.Done()
		assert.Equal(t, "r", p.Data["requestId"])
		return nil
	})

	rec := newRecorder()
	require.NoError(t, f.svc.Start(context.Background(), StartRequest{RequestID: "r", ConversationID: "conv_e", Messages: userMessages("hi")}, rec))
	rec.wait(t)
	f.svc.Wait()
	hookErr.Wait()

	require.Len(t, rec.failures, 1)
	assert.Contains(t, rec.failures[0].Error, "invalid api key")
	assert.Len(t, rec.dones, 1)

	detail, err := f.db.GetConversation(context.Background(), "conv_e")
	require.NoError(t, err)
	assert.Len(t, detail.Messages, 1, "user turn is synced even when the model fails")
}

func TestStreamHooks(t *testing.T) {
	f := newFixture(t, textClient("ok"))

	var mu sync.Mutex
	var events []string
	for _, e := range []string{hooks.EventStreamStart, hooks.EventStreamDone} {
		f.hooks.On(e, "test", func(_ context.Context, p hooks.Payload) error {
			mu.Lock()
			defer mu.Unlock()
			events = append(events, p.Event)
			return nil
		})
	}

	rec := newRecorder()
	require.NoError(t, f.svc.Start(context.Background(), StartRequest{RequestID: "r", Messages: userMessages("hi")}, rec))
	rec.wait(t)
	f.svc.Wait()
	f.hooks.Wait()

	assert.ElementsMatch(t, []string{hooks.EventStreamStart, hooks.EventStreamDone}, events)
}

func TestDeleteConversationAbortsStream(t *testing.T) {
	f := newFixture(t, blockingClient())
	ctx := context.Background()

	archivedIDs := make(chan string, 1)
	f.hooks.On(hooks.EventConversationArchived, "test", func(_ context.Context, p hooks.Payload) error {
		archivedIDs <- p.Data["conversationId"].(string)
		return nil
	})

	rec := newRecorder()
	require.NoError(t, f.svc.Start(ctx, StartRequest{RequestID: "r", ConversationID: "conv_d", Messages: userMessages("hi")}, rec))
	waitForText(t, rec, "partial")

	boot, err := f.svc.DeleteConversation(ctx, "conv_d")
	require.NoError(t, err)
	assert.NotEqual(t, "conv_d", boot.ActiveConversationID)
	rec.wait(t)
	f.svc.Wait()

	select {
	case id := <-archivedIDs:
		assert.Equal(t, "conv_d", id)
	case <-time.After(2 * time.Second):
		t.Fatal("archive hook not called")
	}

	_, err = f.db.GetConversation(ctx, "conv_d")
	assert.True(t, errors.Is(err, store.ErrNotFound))
}

func TestShutdownAbortsRunning(t *testing.T) {
	f := newFixture(t, blockingClient())

	rec := newRecorder()
	require.NoError(t, f.svc.Start(context.Background(), StartRequest{RequestID: "r", Messages: userMessages("hi")}, rec))
	waitForText(t, rec, "partial")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, f.svc.Shutdown(ctx))
	assert.Equal(t, 0, f.svc.Registry().Len())
	assert.Len(t, rec.dones, 1)
}

func TestTruncateAfterSeq(t *testing.T) {
	msgs := []Message{
		{Role: llm.RoleSystem, Content: "s"},
		{Role: llm.RoleUser, Content: "u1"},
		{Role: llm.RoleAssistant, Content: "a1"},
		{Role: llm.RoleUser, Content: "u2"},
	}

	assert.Equal(t, msgs, truncateAfterSeq(msgs, nil))

	neg := int64(-1)
	assert.Equal(t, msgs, truncateAfterSeq(msgs, &neg))

	two := int64(2)
	out := truncateAfterSeq(msgs, &two)
	require.Len(t, out, 3)
	assert.Equal(t, "s", out[0].Content)
	assert.Equal(t, "a1", out[2].Content)

	zero := int64(0)
	out = truncateAfterSeq(msgs, &zero)
	assert.Equal(t, 0, countTurns(out))
}
