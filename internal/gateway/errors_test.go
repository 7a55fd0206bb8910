package gateway

import (
	"errors"
	"fmt"
	"testing"

	"github.com/soyeahso/chatline/internal/chat"
	"github.com/soyeahso/chatline/internal/llm"
	"github.com/soyeahso/chatline/internal/store"
	"github.com/soyeahso/chatline/internal/stream"
	"github.com/stretchr/testify/assert"
)

func TestErrorShape(t *testing.T) {
	storeErr := func(kind store.Kind) error {
		return fmt.Errorf("op: %w", &store.Error{Kind: kind, Op: "op", Err: errors.New("cause")})
	}

	tests := []struct {
		name      string
		err       error
		code      string
		retryable bool
	}{
		{"chat unavailable", errChatUnavailable, CodeUnavailable, false},
		{"history unavailable", errHistoryUnavailable, CodeUnavailable, false},
		{"missing request id", chat.ErrRequestIDRequired, CodeInvalidParams, false},
		{"bad options", fmt.Errorf("%w: header", llm.ErrInvalidOptions), CodeInvalidParams, false},
		{"busy", fmt.Errorf("conversation: %w", stream.ErrBusy), CodeBusy, false},
		{"not found", storeErr(store.KindNotFound), CodeNotFound, false},
		{"archived", storeErr(store.KindArchived), CodeArchived, false},
		{"locked", storeErr(store.KindLocked), CodeLocked, true},
		{"invalid input", storeErr(store.KindInvalidInput), CodeInvalidParams, false},
		{"database", storeErr(store.KindDatabase), CodeDatabase, false},
		{"store internal", storeErr(store.KindInternal), CodeInternal, false},
		{"unknown", errors.New("boom"), CodeInternal, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			shape := errorShape(tt.err)
			assert.Equal(t, tt.code, shape.Code)
			assert.Equal(t, tt.retryable, shape.Retryable)
			assert.Equal(t, tt.err.Error(), shape.Message)
		})
	}
}
