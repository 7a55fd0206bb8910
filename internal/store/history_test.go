package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func strptr(s string) *string { return &s }

func seqs(msgs []Message) []int64 {
	out := make([]int64, len(msgs))
	for i, m := range msgs {
		out[i] = m.Seq
	}
	return out
}

func TestSyncThenAppend(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	require.NoError(t, db.SyncFromFrontendMessages(ctx, "conv_1", []ChatMessage{{Role: "user", Content: "hi"}}))

	msg, err := db.AppendAssistantMessage(ctx, "conv_1", "hello", nil)
	require.NoError(t, err)
	assert.Equal(t, int64(2), msg.Seq)
	assert.Equal(t, "conv_1:2", msg.ID)

	detail, err := db.GetConversation(ctx, "conv_1")
	require.NoError(t, err)
	require.Len(t, detail.Messages, 2)
	assert.Equal(t, "user", detail.Messages[0].Role)
	assert.Equal(t, "hi", detail.Messages[0].Content)
	assert.Equal(t, "conv_1:1", detail.Messages[0].ID)
	assert.Equal(t, "assistant", detail.Messages[1].Role)
	assert.Equal(t, "hello", detail.Messages[1].Content)
	assert.Nil(t, detail.Messages[1].Reasoning)
	assert.Equal(t, 2, detail.MessageCount)
}

func TestSync_Idempotent(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	msgs := []ChatMessage{
		{Role: "system", Content: "ignored"},
		{Role: "user", Content: "one"},
		{Role: "assistant", Content: "two"},
		{Role: "user", Content: "three"},
	}
	require.NoError(t, db.SyncFromFrontendMessages(ctx, "conv_a", msgs))
	first, err := db.GetConversation(ctx, "conv_a")
	require.NoError(t, err)

	require.NoError(t, db.SyncFromFrontendMessages(ctx, "conv_a", msgs))
	second, err := db.GetConversation(ctx, "conv_a")
	require.NoError(t, err)

	require.Len(t, second.Messages, 3)
	assert.Equal(t, []int64{1, 2, 3}, seqs(second.Messages))
	for i := range first.Messages {
		assert.Equal(t, first.Messages[i].ID, second.Messages[i].ID)
		assert.Equal(t, first.Messages[i].Content, second.Messages[i].Content)
		assert.Equal(t, first.Messages[i].Role, second.Messages[i].Role)
	}
}

func TestSync_TruncatesAndPreservesReasoning(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	require.NoError(t, db.SyncFromFrontendMessages(ctx, "conv_t", []ChatMessage{{Role: "user", Content: "q1"}}))
	_, err := db.AppendAssistantMessage(ctx, "conv_t", "a1", strptr("thought 1"))
	require.NoError(t, err)
	require.NoError(t, db.SyncFromFrontendMessages(ctx, "conv_t", []ChatMessage{
		{Role: "user", Content: "q1"},
		{Role: "assistant", Content: "a1"},
		{Role: "user", Content: "q2"},
	}))
	_, err = db.AppendAssistantMessage(ctx, "conv_t", "a2", strptr("thought 2"))
	require.NoError(t, err)

	// Regenerate from the second question: drop the last answer.
	require.NoError(t, db.SyncFromFrontendMessages(ctx, "conv_t", []ChatMessage{
		{Role: "user", Content: "q1"},
		{Role: "assistant", Content: "a1"},
		{Role: "user", Content: "q2 edited"},
	}))

	detail, err := db.GetConversation(ctx, "conv_t")
	require.NoError(t, err)
	require.Len(t, detail.Messages, 3)
	assert.Equal(t, []int64{1, 2, 3}, seqs(detail.Messages))
	require.NotNil(t, detail.Messages[1].Reasoning)
	assert.Equal(t, "thought 1", *detail.Messages[1].Reasoning)
	assert.Equal(t, "q2 edited", detail.Messages[2].Content)

	// A role change clears reasoning.
	require.NoError(t, db.SyncFromFrontendMessages(ctx, "conv_t", []ChatMessage{
		{Role: "user", Content: "q1"},
		{Role: "user", Content: "not an answer"},
	}))
	detail, err = db.GetConversation(ctx, "conv_t")
	require.NoError(t, err)
	require.Len(t, detail.Messages, 2)
	assert.Nil(t, detail.Messages[1].Reasoning)

	next, err := db.AppendAssistantMessage(ctx, "conv_t", "a", nil)
	require.NoError(t, err)
	assert.Equal(t, int64(3), next.Seq)
}

func TestSync_RejectsArchivedAndBadRole(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	require.NoError(t, db.SyncFromFrontendMessages(ctx, "conv_x", []ChatMessage{{Role: "user", Content: "hi"}}))
	_, err := db.DeleteConversation(ctx, "conv_x")
	require.NoError(t, err)

	err = db.SyncFromFrontendMessages(ctx, "conv_x", []ChatMessage{{Role: "user", Content: "hi"}})
	assert.ErrorIs(t, err, ErrArchived)

	err = db.SyncFromFrontendMessages(ctx, "conv_y", []ChatMessage{{Role: "narrator", Content: "hi"}})
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestSync_ProvisionalTitle(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	long := strings.Repeat("a", 60)
	require.NoError(t, db.SyncFromFrontendMessages(ctx, "conv_p", []ChatMessage{{Role: "user", Content: "  " + long + "\nsecond line"}}))

	detail, err := db.GetConversation(ctx, "conv_p")
	require.NoError(t, err)
	assert.Equal(t, strings.Repeat("a", 48)+"…", detail.Title)
	assert.False(t, detail.TitleAuto)

	// Only placeholders are replaced.
	require.NoError(t, db.SyncFromFrontendMessages(ctx, "conv_p", []ChatMessage{{Role: "user", Content: "other"}}))
	detail, err = db.GetConversation(ctx, "conv_p")
	require.NoError(t, err)
	assert.Equal(t, strings.Repeat("a", 48)+"…", detail.Title)
}

func TestAppend_Errors(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	_, err := db.AppendAssistantMessage(ctx, "conv_missing", "x", nil)
	assert.ErrorIs(t, err, ErrNotFound)

	c, err := db.CreateConversation(ctx, "", false)
	require.NoError(t, err)
	_, err = db.DeleteConversation(ctx, c.ID)
	require.NoError(t, err)

	_, err = db.AppendAssistantMessage(ctx, c.ID, "x", nil)
	assert.ErrorIs(t, err, ErrArchived)
}

func TestAppend_ConcurrentSeqs(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	convs := []string{"conv_c1", "conv_c2", "conv_c3"}
	for _, id := range convs {
		require.NoError(t, db.SyncFromFrontendMessages(ctx, id, []ChatMessage{{Role: "user", Content: "start"}}))
	}

	const perConv = 8
	var wg sync.WaitGroup
	errs := make(chan error, len(convs)*perConv)
	for _, id := range convs {
		for i := 0; i < perConv; i++ {
			wg.Add(1)
			go func(id string, i int) {
				defer wg.Done()
				_, err := db.AppendAssistantMessage(ctx, id, fmt.Sprintf("reply %d", i), nil)
				errs <- err
			}(id, i)
		}
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	for _, id := range convs {
		detail, err := db.GetConversation(ctx, id)
		require.NoError(t, err)
		want := make([]int64, perConv+1)
		for i := range want {
			want[i] = int64(i + 1)
		}
		assert.Equal(t, want, seqs(detail.Messages), id)
	}
}

func TestBootstrap_CreatesActive(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	boot, err := db.Bootstrap(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, boot.ActiveConversationID)
	require.Len(t, boot.Conversations, 1)
	assert.Equal(t, boot.ActiveConversationID, boot.Conversations[0].ID)
	assert.True(t, boot.Conversations[0].IsActive)
	assert.Equal(t, PlaceholderTitle, boot.Conversations[0].Title)
	assert.True(t, strings.HasPrefix(boot.ActiveConversationID, "conv_"))

	again, err := db.Bootstrap(ctx)
	require.NoError(t, err)
	assert.Equal(t, boot.ActiveConversationID, again.ActiveConversationID)
	assert.Len(t, again.Conversations, 1)
}

func TestBootstrap_HealsDanglingPointer(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	older, err := db.CreateConversation(ctx, "older", false)
	require.NoError(t, err)
	newer, err := db.CreateConversation(ctx, "newer", false)
	require.NoError(t, err)
	_, err = db.sql.Exec(`INSERT INTO app_state (key, value) VALUES ('active_conversation_id', 'conv_gone')`)
	require.NoError(t, err)

	boot, err := db.Bootstrap(ctx)
	require.NoError(t, err)
	assert.Equal(t, newer.ID, boot.ActiveConversationID)
	assert.NotEqual(t, older.ID, boot.ActiveConversationID)
}

func TestRenameSettlesTitle(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	sum, err := db.CreateConversation(ctx, "", true)
	require.NoError(t, err)
	wire, err := json.Marshal(sum.Conversation)
	require.NoError(t, err)
	assert.Contains(t, string(wire), `"titleAuto":false`)

	require.NoError(t, db.RenameConversation(ctx, sum.ID, "Trip"))
	detail, err := db.GetConversation(ctx, sum.ID)
	require.NoError(t, err)
	wire, err = json.Marshal(detail.Conversation)
	require.NoError(t, err)
	assert.Contains(t, string(wire), `"titleAuto":true`, "a manual title is settled")

	require.NoError(t, db.SyncFromFrontendMessages(ctx, sum.ID, []ChatMessage{{Role: "user", Content: "where to?"}}))
	detail, err = db.GetConversation(ctx, sum.ID)
	require.NoError(t, err)
	assert.Equal(t, "Trip", detail.Title)
}

func TestListConversations(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	a, err := db.CreateConversation(ctx, "", true)
	require.NoError(t, err)
	b, err := db.CreateConversation(ctx, "Named", false)
	require.NoError(t, err)
	assert.True(t, b.TitleAuto, "explicit titles are manual")

	require.NoError(t, db.SyncFromFrontendMessages(ctx, a.ID, []ChatMessage{{Role: "user", Content: "hey"}}))

	list, err := db.ListConversations(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, a.ID, list[0].ID, "most recently updated first")
	assert.True(t, list[0].IsActive)
	assert.True(t, list[0].HasUnseen)
	assert.Equal(t, 1, list[0].MessageCount)
	assert.Equal(t, b.ID, list[1].ID)
	assert.False(t, list[1].IsActive)
	assert.False(t, list[1].HasUnseen)

	require.NoError(t, db.MarkSeen(ctx, a.ID))
	list, err = db.ListConversations(ctx)
	require.NoError(t, err)
	assert.False(t, list[0].HasUnseen)
}

func TestListConversations_Bounded(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	for i := 0; i < listLimit+5; i++ {
		_, err := db.CreateConversation(ctx, "", false)
		require.NoError(t, err)
	}
	list, err := db.ListConversations(ctx)
	require.NoError(t, err)
	assert.Len(t, list, listLimit)
}

func TestGetConversation_NotFound(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	_, err := db.GetConversation(ctx, "conv_nope")
	assert.ErrorIs(t, err, ErrNotFound)

	c, err := db.CreateConversation(ctx, "", false)
	require.NoError(t, err)
	_, err = db.DeleteConversation(ctx, c.ID)
	require.NoError(t, err)
	_, err = db.GetConversation(ctx, c.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestGetConversationPage(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	var msgs []ChatMessage
	for i := 1; i <= 7; i++ {
		msgs = append(msgs, ChatMessage{Role: "user", Content: fmt.Sprintf("m%d", i)})
	}
	require.NoError(t, db.SyncFromFrontendMessages(ctx, "conv_pg", msgs))

	page, err := db.GetConversationPage(ctx, "conv_pg", 0, 3)
	require.NoError(t, err)
	assert.Equal(t, []int64{5, 6, 7}, seqs(page.Messages))
	assert.True(t, page.HasMore)

	page, err = db.GetConversationPage(ctx, "conv_pg", 5, 3)
	require.NoError(t, err)
	assert.Equal(t, []int64{2, 3, 4}, seqs(page.Messages))
	assert.True(t, page.HasMore)

	page, err = db.GetConversationPage(ctx, "conv_pg", 2, 3)
	require.NoError(t, err)
	assert.Equal(t, []int64{1}, seqs(page.Messages))
	assert.False(t, page.HasMore)

	page, err = db.GetConversationPage(ctx, "conv_pg", 0, 0)
	require.NoError(t, err)
	assert.Len(t, page.Messages, 7)
	assert.False(t, page.HasMore)
}

func TestSetActiveConversationID(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	c, err := db.CreateConversation(ctx, "", false)
	require.NoError(t, err)
	require.NoError(t, db.SetActiveConversationID(ctx, c.ID))

	id, err := db.ActiveConversationID(ctx)
	require.NoError(t, err)
	assert.Equal(t, c.ID, id)

	assert.ErrorIs(t, db.SetActiveConversationID(ctx, "conv_nope"), ErrNotFound)
}

func TestRenameConversation(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	c, err := db.CreateConversation(ctx, "", false)
	require.NoError(t, err)

	assert.ErrorIs(t, db.RenameConversation(ctx, c.ID, "   "), ErrInvalidInput)
	assert.ErrorIs(t, db.RenameConversation(ctx, "conv_nope", "x"), ErrNotFound)

	require.NoError(t, db.RenameConversation(ctx, c.ID, "  Travel  "))
	detail, err := db.GetConversation(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, "Travel", detail.Title)
	assert.True(t, detail.TitleAuto)
}

func TestClearMessages(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	require.NoError(t, db.SyncFromFrontendMessages(ctx, "conv_cl", []ChatMessage{{Role: "user", Content: "hi"}}))
	_, err := db.AppendAssistantMessage(ctx, "conv_cl", "hello", nil)
	require.NoError(t, err)
	before, err := db.GetConversation(ctx, "conv_cl")
	require.NoError(t, err)

	require.NoError(t, db.ClearMessages(ctx, "conv_cl"))

	detail, err := db.GetConversation(ctx, "conv_cl")
	require.NoError(t, err)
	assert.Empty(t, detail.Messages)
	assert.Greater(t, detail.UpdatedAtMs, before.UpdatedAtMs)
	assert.Equal(t, detail.UpdatedAtMs, detail.LastSeenAtMs)

	msg, err := db.AppendAssistantMessage(ctx, "conv_cl", "fresh", nil)
	require.NoError(t, err)
	assert.Equal(t, int64(1), msg.Seq)
}

func TestDeleteConversation_OnlyActive(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	boot, err := db.Bootstrap(ctx)
	require.NoError(t, err)
	only := boot.ActiveConversationID

	boot, err = db.DeleteConversation(ctx, only)
	require.NoError(t, err)
	assert.NotEqual(t, only, boot.ActiveConversationID)
	require.Len(t, boot.Conversations, 1)
	assert.Equal(t, boot.ActiveConversationID, boot.Conversations[0].ID)
	assert.Equal(t, 0, boot.Conversations[0].MessageCount)
	assert.Equal(t, PlaceholderTitle, boot.Conversations[0].Title)

	_, err = db.DeleteConversation(ctx, only)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDeleteConversation_RepointsToMostRecent(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	a, err := db.CreateConversation(ctx, "a", false)
	require.NoError(t, err)
	b, err := db.CreateConversation(ctx, "b", false)
	require.NoError(t, err)
	c, err := db.CreateConversation(ctx, "c", true)
	require.NoError(t, err)

	// Touch a so it becomes the most recent after c.
	require.NoError(t, db.SyncFromFrontendMessages(ctx, a.ID, []ChatMessage{{Role: "user", Content: "x"}}))

	boot, err := db.DeleteConversation(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, a.ID, boot.ActiveConversationID)
	assert.Len(t, boot.Conversations, 2)

	// Deleting a non-active conversation leaves the pointer alone.
	boot, err = db.DeleteConversation(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, a.ID, boot.ActiveConversationID)
}

func TestArchivedRejectsWrites(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	c, err := db.CreateConversation(ctx, "", false)
	require.NoError(t, err)
	_, err = db.DeleteConversation(ctx, c.ID)
	require.NoError(t, err)

	assert.ErrorIs(t, db.RenameConversation(ctx, c.ID, "x"), ErrArchived)
	assert.ErrorIs(t, db.ClearMessages(ctx, c.ID), ErrArchived)
	assert.ErrorIs(t, db.MarkSeen(ctx, c.ID), ErrArchived)
	assert.ErrorIs(t, db.SetActiveConversationID(ctx, c.ID), ErrNotFound)
}
