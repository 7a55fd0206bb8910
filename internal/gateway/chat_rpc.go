package gateway

import (
	"errors"

	"github.com/soyeahso/chatline/internal/chat"
	"github.com/soyeahso/chatline/internal/stream"
)

// clientEmitter forwards stream events to one connection. Events wait on
// ready so the chat.start response always precedes them.
type clientEmitter struct {
	server *Server
	client *Client
	ready  <-chan struct{}
}

func (e *clientEmitter) send(event string, payload any) {
	if e.ready != nil {
		<-e.ready
	}
	err := e.client.SendEvent(event, payload, e.server.eventSeq.Add(1))
	if err != nil && !errors.Is(err, ErrClientClosed) {
		e.server.log.Warn().Err(err).Str("connId", e.client.ConnID).Str("event", event).Msg("failed to send event")
	}
}

func (e *clientEmitter) EmitToken(t stream.Token) { e.send(EventChatToken, t) }
func (e *clientEmitter) EmitDone(d stream.Done) { e.send(EventChatDone, d) }
func (e *clientEmitter) EmitError(f stream.Failure) { e.send(EventChatError, f) }

func (s *Server) rpcChatStart(rc *RequestContext) {
	if s.chat == nil {
		rc.Fail(errChatUnavailable)
		return
	}
	var req chat.StartRequest
	if err := rc.Params(&req); err != nil {
		rc.RespondError(CodeInvalidParams, err.Error())
		return
	}

	ready := make(chan struct{})
	defer close(ready)
	emitter := &clientEmitter{server: s, client: rc.Client, ready: ready}

	if err := s.chat.Start(rc.Ctx, req, emitter); err != nil {
		rc.Fail(err)
		return
	}
	rc.Respond(map[string]any{"ok": true, "requestId": req.RequestID})
}

type abortParams struct {
	RequestID      string `json:"requestId"`
	ConversationID string `json:"conversationId"`
}

func (s *Server) rpcChatAbort(rc *RequestContext) {
	if s.chat == nil {
		rc.Fail(errChatUnavailable)
		return
	}
	var p abortParams
	if err := rc.Params(&p); err != nil {
		rc.RespondError(CodeInvalidParams, err.Error())
		return
	}
	if p.RequestID == "" {
		rc.RespondError(CodeInvalidParams, "requestId required")
		return
	}
	rc.Respond(okResult)
	s.chat.Abort(p.RequestID, &clientEmitter{server: s, client: rc.Client})
}

func (s *Server) rpcChatAbortConversation(rc *RequestContext) {
	if s.chat == nil {
		rc.Fail(errChatUnavailable)
		return
	}
	var p abortParams
	if err := rc.Params(&p); err != nil {
		rc.RespondError(CodeInvalidParams, err.Error())
		return
	}
	if p.ConversationID == "" {
		rc.RespondError(CodeInvalidParams, "conversationId required")
		return
	}
	rc.Respond(okResult)
	s.chat.AbortConversation(p.ConversationID, &clientEmitter{server: s, client: rc.Client})
}
