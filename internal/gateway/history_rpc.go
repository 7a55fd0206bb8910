package gateway

import (
	"context"
	"strings"

	"github.com/soyeahso/chatline/internal/store"
)

// History is the history store surface behind history.* methods.
type History interface {
	Bootstrap(ctx context.Context) (*store.Bootstrap, error)
	ListConversations(ctx context.Context) ([]store.ConversationSummary, error)
	GetConversation(ctx context.Context, id string) (*store.ConversationDetail, error)
	GetConversationPage(ctx context.Context, id string, beforeSeq int64, limit int) (*store.ConversationDetail, error)
	CreateConversation(ctx context.Context, title string, setActive bool) (*store.ConversationSummary, error)
	SetActiveConversationID(ctx context.Context, id string) error
	MarkSeen(ctx context.Context, id string) error
	RenameConversation(ctx context.Context, id, title string) error
	ClearMessages(ctx context.Context, id string) error
	DeleteConversation(ctx context.Context, id string) (*store.Bootstrap, error)
}

type conversationParams struct {
	ConversationID string `json:"conversationId"`
	Title          string `json:"title"`
	BeforeSeq      int64  `json:"beforeSeq"`
	Limit          int    `json:"limit"`
}

// historyParams decodes params and checks the history store is present.
// When needID is set, conversationId must be non-empty.
func (s *Server) historyParams(rc *RequestContext, needID bool) (conversationParams, bool) {
	var p conversationParams
	if s.history == nil {
		rc.Fail(errHistoryUnavailable)
		return p, false
	}
	if err := rc.Params(&p); err != nil {
		rc.RespondError(CodeInvalidParams, err.Error())
		return p, false
	}
	p.ConversationID = strings.TrimSpace(p.ConversationID)
	if needID && p.ConversationID == "" {
		rc.RespondError(CodeInvalidParams, "conversationId required")
		return p, false
	}
	return p, true
}

// reply sends v, or the mapped error when err is set.
func reply(rc *RequestContext, v any, err error) {
	if err != nil {
		rc.Fail(err)
		return
	}
	rc.Respond(v)
}

func (s *Server) rpcHistoryBootstrap(rc *RequestContext) {
	if _, ok := s.historyParams(rc, false); !ok {
		return
	}
	boot, err := s.history.Bootstrap(rc.Ctx)
	reply(rc, boot, err)
}

func (s *Server) rpcHistoryList(rc *RequestContext) {
	if _, ok := s.historyParams(rc, false); !ok {
		return
	}
	list, err := s.history.ListConversations(rc.Ctx)
	reply(rc, list, err)
}

func (s *Server) rpcHistoryGet(rc *RequestContext) {
	p, ok := s.historyParams(rc, true)
	if !ok {
		return
	}
	detail, err := s.history.GetConversation(rc.Ctx, p.ConversationID)
	reply(rc, detail, err)
}

func (s *Server) rpcHistoryGetPage(rc *RequestContext) {
	p, ok := s.historyParams(rc, true)
	if !ok {
		return
	}
	detail, err := s.history.GetConversationPage(rc.Ctx, p.ConversationID, p.BeforeSeq, p.Limit)
	reply(rc, detail, err)
}

func (s *Server) rpcHistoryNew(rc *RequestContext) {
	p, ok := s.historyParams(rc, false)
	if !ok {
		return
	}
	summary, err := s.history.CreateConversation(rc.Ctx, p.Title, true)
	reply(rc, summary, err)
}

func (s *Server) rpcHistorySetActive(rc *RequestContext) {
	p, ok := s.historyParams(rc, true)
	if !ok {
		return
	}
	reply(rc, okResult, s.history.SetActiveConversationID(rc.Ctx, p.ConversationID))
}

func (s *Server) rpcHistoryMarkSeen(rc *RequestContext) {
	p, ok := s.historyParams(rc, true)
	if !ok {
		return
	}
	reply(rc, okResult, s.history.MarkSeen(rc.Ctx, p.ConversationID))
}

func (s *Server) rpcHistoryClear(rc *RequestContext) {
	p, ok := s.historyParams(rc, true)
	if !ok {
		return
	}
	reply(rc, okResult, s.history.ClearMessages(rc.Ctx, p.ConversationID))
}

func (s *Server) rpcHistoryRename(rc *RequestContext) {
	p, ok := s.historyParams(rc, true)
	if !ok {
		return
	}
	reply(rc, okResult, s.history.RenameConversation(rc.Ctx, p.ConversationID, p.Title))
}

// rpcHistoryDelete archives a conversation. Through the chat service a
// running stream on it is aborted first.
func (s *Server) rpcHistoryDelete(rc *RequestContext) {
	p, ok := s.historyParams(rc, true)
	if !ok {
		return
	}
	var (
		boot *store.Bootstrap
		err  error
	)
	if s.chat != nil {
		boot, err = s.chat.DeleteConversation(rc.Ctx, p.ConversationID)
	} else {
		boot, err = s.history.DeleteConversation(rc.Ctx, p.ConversationID)
	}
	reply(rc, boot, err)
}
