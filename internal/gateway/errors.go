package gateway

import (
	"errors"

	"github.com/soyeahso/chatline/internal/chat"
	"github.com/soyeahso/chatline/internal/store"
	"github.com/soyeahso/chatline/internal/stream"
)

var (
	errChatUnavailable    = errors.New("no model provider configured")
	errHistoryUnavailable = errors.New("history store is not available")
)

// errorShape maps service and store errors to wire error codes.
func errorShape(err error) ErrorShape {
	shape := ErrorShape{Code: CodeInternal, Message: err.Error()}

	var storeErr *store.Error
	switch {
	case errors.Is(err, errChatUnavailable), errors.Is(err, errHistoryUnavailable):
		shape.Code = CodeUnavailable
	case chat.IsInvalidRequest(err):
		shape.Code = CodeInvalidParams
	case errors.Is(err, stream.ErrBusy):
		shape.Code = CodeBusy
	case errors.As(err, &storeErr):
		switch storeErr.Kind {
		case store.KindNotFound:
			shape.Code = CodeNotFound
		case store.KindArchived:
			shape.Code = CodeArchived
		case store.KindLocked:
			shape.Code = CodeLocked
			shape.Retryable = true
		case store.KindInvalidInput:
			shape.Code = CodeInvalidParams
		case store.KindDatabase:
			shape.Code = CodeDatabase
		}
	}
	return shape
}
