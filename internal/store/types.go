package store

import "strconv"

// PlaceholderTitle is used for conversations that have no title yet.
const PlaceholderTitle = "New chat"

const (
	listLimit        = 50
	defaultPageLimit = 50
	maxPageLimit     = 200
	titleRuneLimit   = 48
)

// Conversation is a stored conversation row.
type Conversation struct {
	ID           string `json:"id"`
	Title        string `json:"title"`
	// TitleAuto is true once the title is settled, either generated or set
	// by hand. Title generation only runs while it is false.
	TitleAuto    bool   `json:"titleAuto"`
	CreatedAtMs  int64  `json:"createdAtMs"`
	UpdatedAtMs  int64  `json:"updatedAtMs"`
	LastSeenAtMs int64  `json:"lastSeenAtMs"`
	Archived     bool   `json:"archived"`
}

// ConversationSummary is a conversation annotated for listing.
type ConversationSummary struct {
	Conversation
	MessageCount int  `json:"messageCount"`
	IsActive     bool `json:"isActive"`
	HasUnseen    bool `json:"hasUnseen"`
}

// Message is a stored message row.
type Message struct {
	ID             string  `json:"id"`
	ConversationID string  `json:"conversationId"`
	Seq            int64   `json:"seq"`
	Role           string  `json:"role"`
	Content        string  `json:"content"`
	Reasoning      *string `json:"reasoning,omitempty"`
	CreatedAtMs    int64   `json:"createdAtMs"`
}

// ConversationDetail is a conversation with (a page of) its messages.
type ConversationDetail struct {
	ConversationSummary
	Messages []Message `json:"messages"`
	HasMore  bool      `json:"hasMore"`
}

// Bootstrap is the snapshot a client needs on start.
type Bootstrap struct {
	ActiveConversationID string                `json:"activeConversationId"`
	Conversations        []ConversationSummary `json:"conversations"`
}

// ChatMessage is a caller-supplied message used to resynchronize history.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// MessageID derives the deterministic message id for a sequence number.
func MessageID(conversationID string, seq int64) string {
	return conversationID + ":" + strconv.FormatInt(seq, 10)
}
