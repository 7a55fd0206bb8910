package llm

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// ErrInvalidOptions wraps every RequestOptions validation failure.
var ErrInvalidOptions = errors.New("invalid request options")

// RequestOptions lets a caller adjust the upstream request without touching
// credentials.
type RequestOptions struct {
	Path    string            `json:"path,omitempty"`    // relative path replacing "chat/completions"
	Headers map[string]string `json:"headers,omitempty"` // extra headers
	Query   map[string]string `json:"query,omitempty"`   // extra query parameters
}

// blockedHeaders may only be set from configuration.
var blockedHeaders = map[string]bool{
	"authorization":       true,
	"proxy-authorization": true,
	"x-api-key":           true,
	"api-key":             true,
	"cookie":              true,
}

// Validate checks the options before they are used to build a request.
func (o *RequestOptions) Validate() error {
	if o == nil {
		return nil
	}

	if o.Path != "" {
		if err := validateRelativePath(o.Path); err != nil {
			return err
		}
	}

	for name, value := range o.Headers {
		if !isHeaderToken(name) {
			return fmt.Errorf("%w: header name %q is not valid", ErrInvalidOptions, name)
		}
		if blockedHeaders[strings.ToLower(name)] {
			return fmt.Errorf("%w: header %q is not allowed", ErrInvalidOptions, name)
		}
		if strings.ContainsAny(value, "\r\n\x00") {
			return fmt.Errorf("%w: header %q has control characters", ErrInvalidOptions, name)
		}
	}

	for key := range o.Query {
		if strings.TrimSpace(key) == "" {
			return fmt.Errorf("%w: empty query parameter name", ErrInvalidOptions)
		}
	}
	return nil
}

func validateRelativePath(p string) error {
	if strings.ContainsAny(p, "\r\n\x00\\?#") {
		return fmt.Errorf("%w: path %q has forbidden characters", ErrInvalidOptions, p)
	}
	if strings.HasPrefix(p, "//") {
		return fmt.Errorf("%w: path %q must be relative", ErrInvalidOptions, p)
	}
	u, err := url.Parse(p)
	if err != nil {
		return fmt.Errorf("%w: path %q: %v", ErrInvalidOptions, p, err)
	}
	if u.Scheme != "" || u.Host != "" {
		return fmt.Errorf("%w: path %q must be relative", ErrInvalidOptions, p)
	}
	for _, seg := range strings.Split(strings.Trim(p, "/"), "/") {
		if seg == ".." || seg == "." {
			return fmt.Errorf("%w: path %q has dot segments", ErrInvalidOptions, p)
		}
	}
	return nil
}

// isHeaderToken reports whether s is a valid RFC 7230 token.
func isHeaderToken(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case strings.ContainsRune("!#$%&'*+-.^_`|~", r):
		default:
			return false
		}
	}
	return true
}
