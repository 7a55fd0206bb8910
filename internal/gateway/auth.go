package gateway

import (
	"crypto/subtle"
	"os"
	"strings"

	"github.com/soyeahso/chatline/internal/config"
)

// Auth modes.
const (
	AuthToken    = "token"
	AuthPassword = "password"
	AuthNone     = "none"
)

// AuthResult is the outcome of an authentication attempt.
type AuthResult struct {
	OK     bool   `json:"ok"`
	Method string `json:"method,omitempty"` // AuthToken | AuthPassword | AuthNone
	Reason string `json:"reason,omitempty"`
}

// ResolvedAuth is the gateway's effective auth setup.
type ResolvedAuth struct {
	Mode     string
	Token    string
	Password string
	Loopback bool // the gateway is only reachable from this host
}

// ResolveAuth merges the gateway config with CHATLINE_GATEWAY_TOKEN and
// CHATLINE_GATEWAY_PASSWORD. Config values win over the environment.
func ResolveAuth(gw config.GatewayConfig) ResolvedAuth {
	auth := ResolvedAuth{
		Mode:     gw.Auth.Mode,
		Token:    strings.TrimSpace(gw.Auth.Token),
		Password: gw.Auth.Password,
		Loopback: gw.LoopbackOnly(),
	}
	if auth.Token == "" {
		auth.Token = strings.TrimSpace(os.Getenv("CHATLINE_GATEWAY_TOKEN"))
	}
	if auth.Password == "" {
		auth.Password = os.Getenv("CHATLINE_GATEWAY_PASSWORD")
	}

	if auth.Mode == "" {
		if auth.Password != "" {
			auth.Mode = AuthPassword
		} else {
			auth.Mode = AuthToken
		}
	}
	return auth
}

// Authorize checks the credentials of a connect request.
func Authorize(serverAuth ResolvedAuth, clientAuth *ConnectAuth) AuthResult {
	switch serverAuth.Mode {
	case AuthNone:
		if !serverAuth.Loopback {
			return AuthResult{OK: false, Reason: "auth mode none requires a loopback bind"}
		}
		return AuthResult{OK: true, Method: AuthNone}

	case AuthToken:
		if serverAuth.Token == "" {
			return AuthResult{OK: false, Reason: "server token not configured"}
		}
		if clientAuth == nil {
			return AuthResult{OK: false, Reason: "no credentials provided"}
		}
		if clientAuth.Token == "" {
			return AuthResult{OK: false, Reason: "token required"}
		}
		if !safeEqual(clientAuth.Token, serverAuth.Token) {
			return AuthResult{OK: false, Reason: "token_mismatch"}
		}
		return AuthResult{OK: true, Method: AuthToken}

	case AuthPassword:
		if serverAuth.Password == "" {
			return AuthResult{OK: false, Reason: "server password not configured"}
		}
		if clientAuth == nil {
			return AuthResult{OK: false, Reason: "no credentials provided"}
		}
		if clientAuth.Password == "" {
			return AuthResult{OK: false, Reason: "password required"}
		}
		if !safeEqual(clientAuth.Password, serverAuth.Password) {
			return AuthResult{OK: false, Reason: "password_mismatch"}
		}
		return AuthResult{OK: true, Method: AuthPassword}

	default:
		return AuthResult{OK: false, Reason: "unknown auth mode: " + serverAuth.Mode}
	}
}

// safeEqual compares in constant time, including the length check.
func safeEqual(a, b string) bool {
	lenMatch := subtle.ConstantTimeEq(int32(len(a)), int32(len(b)))
	cmp := subtle.ConstantTimeCompare([]byte(a), []byte(b))
	return subtle.ConstantTimeSelect(lenMatch, cmp, 0) == 1
}
