package gateway

import (
	"net/http"
	"strings"
	"time"

	"github.com/soyeahso/chatline/internal/config"
)

// okResult is the payload of methods that only acknowledge.
var okResult = map[string]bool{"ok": true}

// safeConfigPrefixes lists config path prefixes that can be read via RPC.
// All other paths are denied by default (allowlist).
var safeConfigPrefixes = []string{
	"provider.kind",
	"provider.model",
	"provider.titleModel",
	"chat",
	"history.mode",
	"gateway.port",
	"gateway.bind",
	"gateway.customBindHost",
	"gateway.controlUi",
	"gateway.rateLimit",
	"logging",
}

func isAllowedConfigPath(key string) bool {
	for _, prefix := range safeConfigPrefixes {
		if key == prefix || strings.HasPrefix(key, prefix+".") {
			return true
		}
	}
	return false
}

// registerHTTPRoutes sets up all HTTP routes on the server mux.
func (s *Server) registerHTTPRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /ws", s.handleWebSocket)

	// Catch-all for unknown routes
	mux.HandleFunc("/", handleNotFound)
}

// registerRPCHandlers sets up all JSON-RPC method handlers.
func (s *Server) registerRPCHandlers() {
	s.Handle("health", s.rpcHealth)
	s.Handle("config.get", s.rpcConfigGet)

	s.Handle("chat.start", s.rpcChatStart)
	s.Handle("chat.abort", s.rpcChatAbort)
	s.Handle("chat.abortConversation", s.rpcChatAbortConversation)

	s.Handle("history.bootstrap", s.rpcHistoryBootstrap)
	s.Handle("history.listConversations", s.rpcHistoryList)
	s.Handle("history.getConversation", s.rpcHistoryGet)
	s.Handle("history.getConversationPage", s.rpcHistoryGetPage)
	s.Handle("history.newConversation", s.rpcHistoryNew)
	s.Handle("history.setActiveConversation", s.rpcHistorySetActive)
	s.Handle("history.markSeen", s.rpcHistoryMarkSeen)
	s.Handle("history.clearConversation", s.rpcHistoryClear)
	s.Handle("history.deleteConversation", s.rpcHistoryDelete)
	s.Handle("history.renameConversation", s.rpcHistoryRename)
}

func (s *Server) rpcHealth(rc *RequestContext) {
	resp := HealthResponse{
		Status:  "ok",
		Version: s.version,
		Clients: s.clients.Count(),
		Chat:    s.chat != nil,
		History: s.history != nil,
	}
	if s.chat != nil {
		resp.Streams = s.chat.Registry().Len()
	}
	if !s.startedAt.IsZero() {
		resp.UptimeMs = time.Since(s.startedAt).Milliseconds()
	}
	rc.Respond(resp)
}

type configGetParams struct {
	Key string `json:"key"`
}

func (s *Server) rpcConfigGet(rc *RequestContext) {
	var p configGetParams
	if err := rc.Params(&p); err != nil {
		rc.RespondError(CodeInvalidParams, err.Error())
		return
	}
	if p.Key == "" {
		rc.RespondError(CodeInvalidParams, "key is required")
		return
	}
	path, err := config.ParseConfigPath(p.Key)
	if err != nil {
		rc.RespondError(CodeInvalidParams, err.Error())
		return
	}
	if !isAllowedConfigPath(p.Key) {
		rc.RespondError(CodeForbidden, "access denied for config path: "+p.Key)
		return
	}

	s.mu.RLock()
	val, ok := config.GetValueAtPath(s.configRaw, path)
	s.mu.RUnlock()

	if !ok {
		rc.RespondError(CodeNotFound, "key not found: "+p.Key)
		return
	}
	rc.Respond(map[string]any{"key": p.Key, "value": val})
}
