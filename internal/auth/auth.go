// Package auth resolves bearer tokens to the identity a connection acts as.
package auth

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"chatsync/internal/syncerr"
)

// TokenCookieName is the cookie a browser session carries its token in.
const TokenCookieName = "chatsync_token"

// Identity is the authenticated principal behind a connection.
type Identity struct {
	UserID      string `json:"userId"`
	WorkspaceID string `json:"workspaceId"`
}

// Sessions looks up the identity for a session token.
type Sessions interface {
	GetSession(ctx context.Context, token string) (Identity, error)
}

// StaticSessions is a fixed token table loaded from configuration.
type StaticSessions struct {
	tokens map[string]Identity
}

// ParseStatic builds a token table from "token=user@workspace" entries.
func ParseStatic(entries []string) (*StaticSessions, error) {
	s := &StaticSessions{tokens: make(map[string]Identity, len(entries))}
	for _, entry := range entries {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		token, principal, ok := strings.Cut(entry, "=")
		if !ok {
			return nil, fmt.Errorf("token entry %q: want token=user@workspace", entry)
		}
		user, ws, ok := strings.Cut(principal, "@")
		token, user, ws = strings.TrimSpace(token), strings.TrimSpace(user), strings.TrimSpace(ws)
		if !ok || token == "" || user == "" || ws == "" {
			return nil, fmt.Errorf("token entry %q: want token=user@workspace", entry)
		}
		if strings.Contains(ws, ":") {
			return nil, fmt.Errorf("token entry %q: workspace must not contain ':'", entry)
		}
		s.tokens[token] = Identity{UserID: user, WorkspaceID: ws}
	}
	return s, nil
}

func (s *StaticSessions) GetSession(ctx context.Context, token string) (Identity, error) {
	if err := ctx.Err(); err != nil {
		return Identity{}, err
	}
	id, ok := s.tokens[strings.TrimSpace(token)]
	if !ok {
		return Identity{}, syncerr.Auth("unknown or expired session", nil)
	}
	return id, nil
}

// Len reports how many tokens are configured.
func (s *StaticSessions) Len() int { return len(s.tokens) }

// TokenFromRequest reads the token from the Authorization header, the
// token query parameter or the session cookie, in that order.
func TokenFromRequest(r *http.Request) string {
	if r == nil {
		return ""
	}
	if h := r.Header.Get("Authorization"); h != "" {
		if token, ok := strings.CutPrefix(h, "Bearer "); ok {
			return strings.TrimSpace(token)
		}
	}
	if token := strings.TrimSpace(r.URL.Query().Get("token")); token != "" {
		return token
	}
	if c, err := r.Cookie(TokenCookieName); err == nil {
		return strings.TrimSpace(c.Value)
	}
	return ""
}
