package store

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"unicode/utf8"

	"github.com/lithammer/shortuuid/v4"
)

const activeConversationKey = "active_conversation_id"

const conversationColumns = `c.id, c.title, c.title_auto, c.created_at_ms, c.updated_at_ms, c.last_seen_at_ms, c.archived`

const messageColumns = `id, conversation_id, seq, role, content, reasoning, created_at_ms`

// NewConversationID returns a fresh conversation id.
func NewConversationID() string {
	return "conv_" + shortuuid.New()
}

// Bootstrap resolves the active conversation, creating one if needed, and
// lists conversations.
func (db *DB) Bootstrap(ctx context.Context) (*Bootstrap, error) {
	var active string
	err := db.read(ctx, "bootstrap", func(t txn) error {
		id, err := getActiveID(t)
		if err != nil {
			return err
		}
		c, err := getConversation(t, id)
		if err != nil {
			return err
		}
		if c != nil && !c.Archived {
			active = id
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if active == "" {
		err = db.write(ctx, "bootstrap", func(t txn) error {
			id, err := db.ensureActive(t)
			active = id
			return err
		})
		if err != nil {
			return nil, err
		}
	}

	convs, err := db.ListConversations(ctx)
	if err != nil {
		return nil, err
	}
	return &Bootstrap{ActiveConversationID: active, Conversations: convs}, nil
}

// ListConversations returns up to 50 non-archived conversations, most
// recently updated first.
func (db *DB) ListConversations(ctx context.Context) ([]ConversationSummary, error) {
	var out []ConversationSummary
	err := db.read(ctx, "list conversations", func(t txn) error {
		active, err := getActiveID(t)
		if err != nil {
			return err
		}
		rows, err := t.query(`
			SELECT `+conversationColumns+`,
				(SELECT COUNT(*) FROM messages m WHERE m.conversation_id = c.id)
			FROM conversations c
			WHERE c.archived = 0
			ORDER BY c.updated_at_ms DESC, c.id DESC
			LIMIT ?`, listLimit)
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			var s ConversationSummary
			if err := scanConversation(rows, &s.Conversation, &s.MessageCount); err != nil {
				return err
			}
			s.IsActive = s.ID == active
			s.HasUnseen = s.UpdatedAtMs > s.LastSeenAtMs
			out = append(out, s)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	if out == nil {
		out = []ConversationSummary{}
	}
	return out, nil
}

// GetConversation returns a conversation with all of its messages.
func (db *DB) GetConversation(ctx context.Context, id string) (*ConversationDetail, error) {
	const op = "get conversation"
	var detail *ConversationDetail
	err := db.read(ctx, op, func(t txn) error {
		sum, err := loadSummary(t, op, id)
		if err != nil {
			return err
		}
		rows, err := t.query(`SELECT `+messageColumns+` FROM messages WHERE conversation_id = ? ORDER BY seq ASC`, id)
		if err != nil {
			return err
		}
		msgs, err := scanMessages(rows)
		if err != nil {
			return err
		}
		detail = &ConversationDetail{ConversationSummary: *sum, Messages: msgs}
		return nil
	})
	return detail, err
}

// GetConversationPage returns the newest limit messages with seq below
// beforeSeq (no bound when beforeSeq <= 0), in ascending order.
func (db *DB) GetConversationPage(ctx context.Context, id string, beforeSeq int64, limit int) (*ConversationDetail, error) {
	const op = "get conversation page"
	if limit <= 0 {
		limit = defaultPageLimit
	}
	if limit > maxPageLimit {
		limit = maxPageLimit
	}

	var detail *ConversationDetail
	err := db.read(ctx, op, func(t txn) error {
		sum, err := loadSummary(t, op, id)
		if err != nil {
			return err
		}

		q := `SELECT ` + messageColumns + ` FROM messages WHERE conversation_id = ?`
		args := []any{id}
		if beforeSeq > 0 {
			q += ` AND seq < ?`
			args = append(args, beforeSeq)
		}
		q += ` ORDER BY seq DESC LIMIT ?`
		args = append(args, limit+1)

		rows, err := t.query(q, args...)
		if err != nil {
			return err
		}
		msgs, err := scanMessages(rows)
		if err != nil {
			return err
		}

		hasMore := len(msgs) > limit
		if hasMore {
			msgs = msgs[:limit]
		}
		for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
			msgs[i], msgs[j] = msgs[j], msgs[i]
		}
		detail = &ConversationDetail{ConversationSummary: *sum, Messages: msgs, HasMore: hasMore}
		return nil
	})
	return detail, err
}

// CreateConversation creates a conversation, optionally making it active in
// the same transaction. A blank title becomes the placeholder; an explicit
// title counts as a manual title.
func (db *DB) CreateConversation(ctx context.Context, title string, setActive bool) (*ConversationSummary, error) {
	title = strings.TrimSpace(title)
	manual := title != ""
	if !manual {
		title = PlaceholderTitle
	}

	var sum ConversationSummary
	err := db.write(ctx, "create conversation", func(t txn) error {
		c, err := db.insertConversation(t, NewConversationID(), title, manual)
		if err != nil {
			return err
		}
		if setActive {
			if err := setActiveID(t, c.ID); err != nil {
				return err
			}
		}
		sum = ConversationSummary{Conversation: *c, IsActive: setActive}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &sum, nil
}

// SetActiveConversationID points the active conversation at id.
func (db *DB) SetActiveConversationID(ctx context.Context, id string) error {
	const op = "set active conversation"
	return db.write(ctx, op, func(t txn) error {
		c, err := getConversation(t, id)
		if err != nil {
			return err
		}
		if c == nil || c.Archived {
			return notFound(op, id)
		}
		return setActiveID(t, id)
	})
}

// ActiveConversationID returns the stored active pointer without healing it.
func (db *DB) ActiveConversationID(ctx context.Context) (string, error) {
	var id string
	err := db.read(ctx, "active conversation", func(t txn) error {
		var err error
		id, err = getActiveID(t)
		return err
	})
	return id, err
}

// MarkSeen records that the conversation has been viewed up to its latest update.
func (db *DB) MarkSeen(ctx context.Context, id string) error {
	const op = "mark seen"
	return db.write(ctx, op, func(t txn) error {
		if err := requireWritable(t, op, id); err != nil {
			return err
		}
		_, err := t.exec(`UPDATE conversations SET last_seen_at_ms = updated_at_ms WHERE id = ?`, id)
		return err
	})
}

// RenameConversation sets a manual title. Manual titles are never replaced
// by generated ones.
func (db *DB) RenameConversation(ctx context.Context, id, title string) error {
	const op = "rename conversation"
	title = strings.TrimSpace(title)
	if title == "" {
		return invalidInput(op, "title must not be blank")
	}
	return db.write(ctx, op, func(t txn) error {
		if err := requireWritable(t, op, id); err != nil {
			return err
		}
		_, err := t.exec(`UPDATE conversations SET title = ?, title_auto = 1 WHERE id = ?`, title, id)
		return err
	})
}

// ClearMessages deletes every message of the conversation.
func (db *DB) ClearMessages(ctx context.Context, id string) error {
	const op = "clear messages"
	return db.write(ctx, op, func(t txn) error {
		if err := requireWritable(t, op, id); err != nil {
			return err
		}
		if _, err := t.exec(`DELETE FROM messages WHERE conversation_id = ?`, id); err != nil {
			return err
		}
		now := db.nowMs()
		_, err := t.exec(`UPDATE conversations SET updated_at_ms = ?, last_seen_at_ms = ? WHERE id = ?`, now, now, id)
		return err
	})
}

// DeleteConversation archives the conversation. If it was active, the most
// recently updated remaining conversation (or a new placeholder) becomes
// active in the same transaction.
func (db *DB) DeleteConversation(ctx context.Context, id string) (*Bootstrap, error) {
	const op = "delete conversation"
	err := db.write(ctx, op, func(t txn) error {
		c, err := getConversation(t, id)
		if err != nil {
			return err
		}
		if c == nil || c.Archived {
			return notFound(op, id)
		}
		if _, err := t.exec(`UPDATE conversations SET archived = 1 WHERE id = ?`, id); err != nil {
			return err
		}
		_, err = db.ensureActive(t)
		return err
	})
	if err != nil {
		return nil, err
	}
	db.log.Info().Str("conversation", id).Msg("conversation archived")
	return db.Bootstrap(ctx)
}

// SyncFromFrontendMessages makes the stored log match msgs. System messages
// are ignored; the i-th remaining message is stored with seq i+1 and rows
// past the new length are deleted. Stored reasoning survives for rows that
// remain assistant messages.
func (db *DB) SyncFromFrontendMessages(ctx context.Context, id string, msgs []ChatMessage) error {
	const op = "sync messages"
	if strings.TrimSpace(id) == "" {
		return invalidInput(op, "conversation id required")
	}

	var turns []ChatMessage
	for _, m := range msgs {
		switch m.Role {
		case "system":
			continue
		case "user", "assistant", "tool":
			turns = append(turns, m)
		default:
			return invalidInput(op, "unknown message role "+m.Role)
		}
	}

	return db.write(ctx, op, func(t txn) error {
		c, err := getConversation(t, id)
		if err != nil {
			return err
		}
		if c == nil {
			if c, err = db.insertConversation(t, id, PlaceholderTitle, false); err != nil {
				return err
			}
		} else if c.Archived {
			return archived(op, id)
		}

		if _, err := t.exec(`DELETE FROM messages WHERE conversation_id = ? AND seq > ?`, id, len(turns)); err != nil {
			return err
		}

		now := db.nowMs()
		for i, m := range turns {
			seq := int64(i + 1)
			if _, err := t.exec(`
				INSERT INTO messages (id, conversation_id, seq, role, content, reasoning, created_at_ms)
				VALUES (?, ?, ?, ?, ?, NULL, ?)
				ON CONFLICT (id) DO UPDATE SET
					role = excluded.role,
					content = excluded.content,
					reasoning = CASE WHEN excluded.role = 'assistant' THEN messages.reasoning ELSE NULL END`,
				MessageID(id, seq), id, seq, m.Role, m.Content, now); err != nil {
				return err
			}
		}

		if _, err := t.exec(`UPDATE conversations SET updated_at_ms = ? WHERE id = ?`, now, id); err != nil {
			return err
		}

		if c.Title == PlaceholderTitle && !c.TitleAuto {
			if title := provisionalTitle(turns); title != "" {
				_, err := t.exec(`UPDATE conversations SET title = ? WHERE id = ? AND title_auto = 0 AND title = ?`,
					title, id, PlaceholderTitle)
				return err
			}
		}
		return nil
	})
}

// AppendAssistantMessage appends an assistant reply with the next seq and
// schedules title generation.
func (db *DB) AppendAssistantMessage(ctx context.Context, id, content string, reasoning *string) (*Message, error) {
	const op = "append assistant message"
	msg := &Message{ConversationID: id, Role: "assistant", Content: content, Reasoning: reasoning}

	err := db.write(ctx, op, func(t txn) error {
		if err := requireWritable(t, op, id); err != nil {
			return err
		}

		now := db.nowMs()
		var r sql.NullString
		if reasoning != nil {
			r = sql.NullString{String: *reasoning, Valid: true}
		}

		// seq is computed inside the INSERT so no read-then-write window exists.
		err := t.queryRow(`
			INSERT INTO messages (id, conversation_id, seq, role, content, reasoning, created_at_ms)
			SELECT CAST(? AS TEXT) || ':' || CAST(COALESCE(MAX(seq), 0) + 1 AS TEXT),
				CAST(? AS TEXT), COALESCE(MAX(seq), 0) + 1, 'assistant',
				CAST(? AS TEXT), CAST(? AS TEXT), CAST(? AS BIGINT)
			FROM messages WHERE conversation_id = ?
			RETURNING seq`,
			id, id, content, r, now, id).Scan(&msg.Seq)
		if err != nil {
			return err
		}
		msg.ID = MessageID(id, msg.Seq)
		msg.CreatedAtMs = now

		_, err = t.exec(`UPDATE conversations SET updated_at_ms = ? WHERE id = ?`, now, id)
		return err
	})
	if err != nil {
		return nil, err
	}

	if db.titles != nil {
		db.titles.Trigger(id)
	}
	return msg, nil
}

// --- helpers (run inside read or write) ---

// ensureActive returns a valid active id, healing the pointer when it is
// empty or references a missing or archived conversation.
func (db *DB) ensureActive(t txn) (string, error) {
	id, err := getActiveID(t)
	if err != nil {
		return "", err
	}
	if id != "" {
		c, err := getConversation(t, id)
		if err != nil {
			return "", err
		}
		if c != nil && !c.Archived {
			return id, nil
		}
	}

	err = t.queryRow(`SELECT id FROM conversations WHERE archived = 0 ORDER BY updated_at_ms DESC, id DESC LIMIT 1`).Scan(&id)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		c, err := db.insertConversation(t, NewConversationID(), PlaceholderTitle, false)
		if err != nil {
			return "", err
		}
		id = c.ID
	case err != nil:
		return "", err
	}
	return id, setActiveID(t, id)
}

func (db *DB) insertConversation(t txn, id, title string, manual bool) (*Conversation, error) {
	now := db.nowMs()
	c := &Conversation{
		ID:           id,
		Title:        title,
		TitleAuto:    manual,
		CreatedAtMs:  now,
		UpdatedAtMs:  now,
		LastSeenAtMs: now,
	}
	_, err := t.exec(`
		INSERT INTO conversations (id, title, title_auto, created_at_ms, updated_at_ms, last_seen_at_ms, archived)
		VALUES (?, ?, ?, ?, ?, ?, 0)`,
		c.ID, c.Title, boolInt(manual), now, now, now)
	if err != nil {
		return nil, err
	}
	return c, nil
}

func getConversation(t txn, id string) (*Conversation, error) {
	if id == "" {
		return nil, nil
	}
	var c Conversation
	row := t.queryRow(`SELECT `+conversationColumns+` FROM conversations c WHERE c.id = ?`, id)
	if err := scanConversation(row, &c, nil); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &c, nil
}

// requireWritable fails with NotFound for missing and Archived for
// archived conversations.
func requireWritable(t txn, op, id string) error {
	c, err := getConversation(t, id)
	if err != nil {
		return err
	}
	if c == nil {
		return notFound(op, id)
	}
	if c.Archived {
		return archived(op, id)
	}
	return nil
}

func loadSummary(t txn, op, id string) (*ConversationSummary, error) {
	var s ConversationSummary
	row := t.queryRow(`
		SELECT `+conversationColumns+`,
			(SELECT COUNT(*) FROM messages m WHERE m.conversation_id = c.id)
		FROM conversations c WHERE c.id = ?`, id)
	if err := scanConversation(row, &s.Conversation, &s.MessageCount); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, notFound(op, id)
		}
		return nil, err
	}
	if s.Archived {
		return nil, notFound(op, id)
	}

	active, err := getActiveID(t)
	if err != nil {
		return nil, err
	}
	s.IsActive = s.ID == active
	s.HasUnseen = s.UpdatedAtMs > s.LastSeenAtMs
	return &s, nil
}

func getActiveID(t txn) (string, error) {
	var id string
	err := t.queryRow(`SELECT value FROM app_state WHERE key = ?`, activeConversationKey).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return id, err
}

func setActiveID(t txn, id string) error {
	_, err := t.exec(`
		INSERT INTO app_state (key, value) VALUES (?, ?)
		ON CONFLICT (key) DO UPDATE SET value = excluded.value`,
		activeConversationKey, id)
	return err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanConversation(s scanner, c *Conversation, count *int) error {
	var titleAuto, archivedFlag int
	dest := []any{&c.ID, &c.Title, &titleAuto, &c.CreatedAtMs, &c.UpdatedAtMs, &c.LastSeenAtMs, &archivedFlag}
	if count != nil {
		dest = append(dest, count)
	}
	if err := s.Scan(dest...); err != nil {
		return err
	}
	c.TitleAuto = titleAuto != 0
	c.Archived = archivedFlag != 0
	return nil
}

func scanMessages(rows *sql.Rows) ([]Message, error) {
	defer rows.Close()
	msgs := []Message{}
	for rows.Next() {
		var m Message
		var reasoning sql.NullString
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.Seq, &m.Role, &m.Content, &reasoning, &m.CreatedAtMs); err != nil {
			return nil, err
		}
		if reasoning.Valid {
			r := reasoning.String
			m.Reasoning = &r
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// provisionalTitle derives a title from the first user message.
func provisionalTitle(turns []ChatMessage) string {
	for _, m := range turns {
		if m.Role == "user" {
			return truncateTitle(firstLine(m.Content))
		}
	}
	return ""
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	return strings.TrimSpace(s)
}

// truncateTitle limits s to titleRuneLimit runes, marking cuts with "…".
func truncateTitle(s string) string {
	if utf8.RuneCountInString(s) <= titleRuneLimit {
		return s
	}
	r := []rune(s)
	return strings.TrimSpace(string(r[:titleRuneLimit])) + "…"
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
