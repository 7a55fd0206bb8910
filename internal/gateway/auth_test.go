package gateway

import (
	"net/http/httptest"
	"testing"

	"github.com/soyeahso/chatline/internal/config"
	"github.com/stretchr/testify/assert"
)

func TestSafeEqual(t *testing.T) {
	assert.True(t, safeEqual("secret", "secret"))
	assert.True(t, safeEqual("", ""))
	assert.False(t, safeEqual("secret", "wrong"))
	assert.False(t, safeEqual("short", "longer-string"))
	assert.False(t, safeEqual("secret", ""))
}

func TestResolveAuth(t *testing.T) {
	t.Setenv("CHATLINE_GATEWAY_TOKEN", "")
	t.Setenv("CHATLINE_GATEWAY_PASSWORD", "")

	auth := ResolveAuth(config.GatewayConfig{Auth: config.GatewayAuth{Mode: "token", Token: " cfg-token "}})
	assert.Equal(t, ResolvedAuth{Mode: AuthToken, Token: "cfg-token", Loopback: true}, auth)

	auth = ResolveAuth(config.GatewayConfig{Bind: "lan", Auth: config.GatewayAuth{Password: "cfg-pass"}})
	assert.Equal(t, AuthPassword, auth.Mode)
	assert.False(t, auth.Loopback)

	auth = ResolveAuth(config.GatewayConfig{})
	assert.Equal(t, AuthToken, auth.Mode)
}

func TestResolveAuth_EnvFallback(t *testing.T) {
	t.Setenv("CHATLINE_GATEWAY_TOKEN", "env-token")
	t.Setenv("CHATLINE_GATEWAY_PASSWORD", "env-pass")

	auth := ResolveAuth(config.GatewayConfig{Auth: config.GatewayAuth{Mode: "token"}})
	assert.Equal(t, "env-token", auth.Token)
	assert.Equal(t, "env-pass", auth.Password)

	// Config wins over the environment.
	auth = ResolveAuth(config.GatewayConfig{Auth: config.GatewayAuth{Mode: "token", Token: "cfg-token"}})
	assert.Equal(t, "cfg-token", auth.Token)
}

func TestAuthorize(t *testing.T) {
	tokenAuth := ResolvedAuth{Mode: AuthToken, Token: "secret"}
	passAuth := ResolvedAuth{Mode: AuthPassword, Password: "pass123"}

	tests := []struct {
		name   string
		server ResolvedAuth
		client *ConnectAuth
		ok     bool
		reason string
	}{
		{"token ok", tokenAuth, &ConnectAuth{Token: "secret"}, true, ""},
		{"token mismatch", tokenAuth, &ConnectAuth{Token: "nope"}, false, "token_mismatch"},
		{"token missing", tokenAuth, &ConnectAuth{Password: "secret"}, false, "token required"},
		{"server token unset", ResolvedAuth{Mode: AuthToken}, &ConnectAuth{Token: "x"}, false, "server token not configured"},
		{"password ok", passAuth, &ConnectAuth{Password: "pass123"}, true, ""},
		{"password mismatch", passAuth, &ConnectAuth{Password: "bad"}, false, "password_mismatch"},
		{"password missing", passAuth, &ConnectAuth{}, false, "password required"},
		{"server password unset", ResolvedAuth{Mode: AuthPassword}, &ConnectAuth{Password: "x"}, false, "server password not configured"},
		{"no credentials", tokenAuth, nil, false, "no credentials provided"},
		{"none on loopback", ResolvedAuth{Mode: AuthNone, Loopback: true}, nil, true, ""},
		{"none off loopback", ResolvedAuth{Mode: AuthNone}, nil, false, "auth mode none requires a loopback bind"},
		{"unknown mode", ResolvedAuth{Mode: "oauth"}, &ConnectAuth{Token: "x"}, false, "unknown auth mode: oauth"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := Authorize(tt.server, tt.client)
			assert.Equal(t, tt.ok, res.OK)
			assert.Equal(t, tt.reason, res.Reason)
			if tt.ok {
				assert.Equal(t, tt.server.Mode, res.Method)
			}
		})
	}
}

func TestCheckWebSocketOrigin(t *testing.T) {
	tests := []struct {
		name    string
		allowed []string
		origin  string
		want    bool
	}{
		{"no origin header", nil, "", true},
		{"empty allow list", nil, "http://evil.com", false},
		{"wildcard", []string{"*"}, "http://anything.com", true},
		{"match", []string{"http://one.com", "http://two.com"}, "http://two.com", true},
		{"no match", []string{"http://one.com"}, "http://three.com", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/ws", nil)
			if tt.origin != "" {
				req.Header.Set("Origin", tt.origin)
			}
			assert.Equal(t, tt.want, checkWebSocketOrigin(tt.allowed)(req))
		})
	}
}
