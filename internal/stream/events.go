// Package stream tracks running chat streams and delivers their events.
package stream

// TokenKind distinguishes answer text from model reasoning.
type TokenKind string

const (
	KindText      TokenKind = "text"
	KindReasoning TokenKind = "reasoning"
)

// Token is an incremental piece of output. Every request ends with exactly
// one token where Done is true.
type Token struct {
	RequestID string    `json:"requestId"`
	Kind      TokenKind `json:"kind"`
	Delta     string    `json:"delta"`
	Done      bool      `json:"done"`
}

// Done signals that a request has finished, normally or not.
type Done struct {
	RequestID      string `json:"requestId"`
	ConversationID string `json:"conversationId,omitempty"`
}

// Failure carries a human-readable cause for a failed request.
type Failure struct {
	RequestID string `json:"requestId"`
	Error     string `json:"error"`
}

// Emitter delivers stream events to whoever started the request.
type Emitter interface {
	EmitToken(Token)
	EmitDone(Done)
	EmitError(Failure)
}

// EmitterFuncs adapts plain functions to Emitter. Nil fields are skipped.
type EmitterFuncs struct {
	Token func(Token)
	Done  func(Done)
	Error func(Failure)
}

func (e EmitterFuncs) EmitToken(t Token) {
	if e.Token != nil {
		e.Token(t)
	}
}

func (e EmitterFuncs) EmitDone(d Done) {
	if e.Done != nil {
		e.Done(d)
	}
}

func (e EmitterFuncs) EmitError(f Failure) {
	if e.Error != nil {
		e.Error(f)
	}
}
