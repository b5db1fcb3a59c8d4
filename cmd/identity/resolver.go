// Package identity resolves the authenticated user behind an inbound request.
//
// Courier does not verify credentials. An upstream session layer (reverse proxy,
// auth gateway) authenticates the caller and forwards the user id in a trusted
// header. This package only extracts and sanity-checks that value.
package identity

import (
	"errors"
	"net/http"
	"strings"
)

// DefaultHeader is the trusted header carrying the authenticated user id.
const DefaultHeader = "X-Courier-User"

const maxUserIDLen = 128

var (
	// ErrUnauthenticated is returned when no user id is present on the request.
	ErrUnauthenticated = errors.New("unauthenticated")

	// ErrInvalidUserID is returned when the forwarded user id is malformed.
	ErrInvalidUserID = errors.New("invalid user id")
)

// Resolver returns the authenticated user id for a request.
type Resolver interface {
	Resolve(r *http.Request) (string, error)
}

// HeaderResolver trusts a header set by the upstream session layer.
//
// AllowQuery additionally accepts ?user_id= for browsers that cannot set headers on
// WebSocket upgrades. It is a dev-only knob.
type HeaderResolver struct {
	Header     string
	AllowQuery bool
}

// NewHeaderResolver constructs a HeaderResolver; an empty header falls back to DefaultHeader.
func NewHeaderResolver(header string, allowQuery bool) HeaderResolver {
	header = strings.TrimSpace(header)
	if header == "" {
		header = DefaultHeader
	}
	return HeaderResolver{Header: header, AllowQuery: allowQuery}
}

// Resolve implements Resolver.
func (h HeaderResolver) Resolve(r *http.Request) (string, error) {
	if r == nil {
		return "", ErrUnauthenticated
	}
	header := h.Header
	if header == "" {
		header = DefaultHeader
	}

	raw := strings.TrimSpace(r.Header.Get(header))
	if raw == "" && h.AllowQuery {
		raw = strings.TrimSpace(r.URL.Query().Get("user_id"))
	}
	if raw == "" {
		return "", ErrUnauthenticated
	}
	if !ValidUserID(raw) {
		return "", ErrInvalidUserID
	}
	return raw, nil
}

// ValidUserID reports whether s is an acceptable opaque user id.
func ValidUserID(s string) bool {
	if s == "" || len(s) > maxUserIDLen {
		return false
	}
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case r == '-', r == '_', r == '.', r == ':', r == '@':
		default:
			return false
		}
	}
	return true
}
