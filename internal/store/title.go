package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/soyeahso/chatline/internal/llm"
	"github.com/soyeahso/chatline/internal/logging"
)

const (
	titleMinUserTurns   = 2
	titleMaxMessages    = 12
	titleMaxContentRune = 600
	titleTimeout        = 60 * time.Second
)

const titlePrompt = `You name chat conversations. Reply with a short title for the conversation below: at most six words, no quotes, no trailing punctuation, nothing else.`

// errTitleSkipped marks a generation that had nothing to do.
var errTitleSkipped = errors.New("title generation not needed")

// TitleGenerator names conversations once they have enough user turns.
// It never holds a database connection while waiting on the model.
type TitleGenerator struct {
	db     *DB
	client llm.Client
	model  string
	log    *logging.Logger

	mu       sync.Mutex
	inflight map[string]struct{}
	wg       sync.WaitGroup
}

// EnableTitles attaches a title generator that runs after every assistant
// append.
func (db *DB) EnableTitles(client llm.Client, model string) *TitleGenerator {
	tg := &TitleGenerator{
		db:       db,
		client:   client,
		model:    model,
		log:      db.log.Sub("titles"),
		inflight: make(map[string]struct{}),
	}
	db.titles = tg
	return tg
}

// Trigger starts generation for the conversation in the background. Calls
// for a conversation that already has a generation in flight are dropped.
func (tg *TitleGenerator) Trigger(conversationID string) {
	tg.mu.Lock()
	if _, busy := tg.inflight[conversationID]; busy {
		tg.mu.Unlock()
		return
	}
	tg.inflight[conversationID] = struct{}{}
	tg.wg.Add(1)
	tg.mu.Unlock()

	go func() {
		defer tg.wg.Done()
		defer func() {
			tg.mu.Lock()
			delete(tg.inflight, conversationID)
			tg.mu.Unlock()
		}()

		ctx, cancel := context.WithTimeout(context.Background(), titleTimeout)
		defer cancel()

		title, err := tg.generate(ctx, conversationID)
		switch {
		case errors.Is(err, errTitleSkipped):
			tg.log.Debug().Str("conversation", conversationID).Msg("title generation skipped")
		case err != nil:
			tg.log.Warn().Err(err).Str("conversation", conversationID).Msg("title generation failed")
		case title != "":
			tg.log.Info().Str("conversation", conversationID).Str("title", title).Msg("conversation titled")
		}
	}()
}

// Wait blocks until background generations finish.
func (tg *TitleGenerator) Wait() {
	tg.wg.Wait()
}

// generate returns the stored title, or "" when a manual rename or another
// generation won the race.
func (tg *TitleGenerator) generate(ctx context.Context, conversationID string) (string, error) {
	transcript, err := tg.loadTranscript(ctx, conversationID)
	if err != nil {
		return "", err
	}

	resp, err := tg.client.Complete(ctx, llm.CompletionRequest{
		Model: tg.model,
		Messages: []llm.Message{
			{Role: llm.RoleSystem, Content: titlePrompt},
			{Role: llm.RoleUser, Content: transcript},
		},
		MaxTokens: 32,
	})
	if err != nil {
		return "", fmt.Errorf("requesting title: %w", err)
	}

	title := cleanTitle(resp.Content)
	if title == "" {
		return "", errors.New("model returned an empty title")
	}

	var applied bool
	err = tg.db.write(ctx, "set generated title", func(t txn) error {
		res, err := t.exec(`
			UPDATE conversations SET title = ?, title_auto = 1
			WHERE id = ? AND title_auto = 0 AND archived = 0`,
			title, conversationID)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		applied = n > 0
		return err
	})
	if err != nil {
		return "", err
	}
	if !applied {
		tg.log.Debug().Str("conversation", conversationID).Msg("title already set, generated title discarded")
		return "", nil
	}
	return title, nil
}

// loadTranscript checks eligibility and renders the first messages. The
// pooled connection is released before it returns.
func (tg *TitleGenerator) loadTranscript(ctx context.Context, conversationID string) (string, error) {
	var msgs []Message
	err := tg.db.read(ctx, "load title transcript", func(t txn) error {
		c, err := getConversation(t, conversationID)
		if err != nil {
			return err
		}
		if c == nil || c.Archived || c.TitleAuto {
			return errTitleSkipped
		}

		var userTurns int
		if err := t.queryRow(`SELECT COUNT(*) FROM messages WHERE conversation_id = ? AND role = 'user'`,
			conversationID).Scan(&userTurns); err != nil {
			return err
		}
		if userTurns < titleMinUserTurns {
			return errTitleSkipped
		}

		rows, err := t.query(`SELECT `+messageColumns+` FROM messages WHERE conversation_id = ? ORDER BY seq ASC LIMIT ?`,
			conversationID, titleMaxMessages)
		if err != nil {
			return err
		}
		msgs, err = scanMessages(rows)
		return err
	})
	if err != nil {
		if errors.Is(err, errTitleSkipped) {
			return "", errTitleSkipped
		}
		return "", err
	}

	var b strings.Builder
	for _, m := range msgs {
		if m.Role != "user" && m.Role != "assistant" {
			continue
		}
		content := strings.TrimSpace(m.Content)
		if utf8.RuneCountInString(content) > titleMaxContentRune {
			content = string([]rune(content)[:titleMaxContentRune]) + "…"
		}
		if m.Role == "user" {
			b.WriteString("User: ")
		} else {
			b.WriteString("Assistant: ")
		}
		b.WriteString(content)
		b.WriteString("\n\n")
	}
	return strings.TrimSpace(b.String()), nil
}

// cleanTitle keeps the first line of a model answer and strips quoting,
// markdown and a leading "Title:" label.
func cleanTitle(s string) string {
	s = firstLine(s)
	for _, prefix := range []string{"title:", "Title:", "TITLE:"} {
		s = strings.TrimPrefix(s, prefix)
	}
	s = strings.Trim(s, " \t\"'`*_#“”‘’")
	s = strings.TrimRight(s, ".!?;:,")
	return truncateTitle(strings.TrimSpace(s))
}
