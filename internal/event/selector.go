package event

import (
	"fmt"
	"strings"
)

// SelectorKind is the namespace a selector addresses.
type SelectorKind string

const (
	KindRoom SelectorKind = "room"
	KindUser SelectorKind = "user"
	KindConn SelectorKind = "conn"
)

// Selector addresses a room, a user or a single connection inside a workspace.
// Its Key is the broker channel the envelope is published on.
type Selector struct {
	Kind      SelectorKind `json:"kind" msgpack:"kind"`
	Workspace string       `json:"workspace" msgpack:"workspace"`
	ID        string       `json:"id" msgpack:"id"`
}

func Room(workspace, roomID string) Selector {
	return Selector{Kind: KindRoom, Workspace: workspace, ID: roomID}
}

func User(workspace, userID string) Selector {
	return Selector{Kind: KindUser, Workspace: workspace, ID: userID}
}

func Conn(workspace, connID string) Selector {
	return Selector{Kind: KindConn, Workspace: workspace, ID: connID}
}

// Key renders {ws}:{room}, {ws}:user:{uid} or {ws}:conn:{cid}.
func (s Selector) Key() string {
	switch s.Kind {
	case KindUser:
		return s.Workspace + ":user:" + s.ID
	case KindConn:
		return s.Workspace + ":conn:" + s.ID
	default:
		return s.Workspace + ":" + s.ID
	}
}

func (s Selector) String() string { return s.Key() }

// Validate rejects selectors that would render an ambiguous key.
func (s Selector) Validate() error {
	if strings.TrimSpace(s.Workspace) == "" {
		return fmt.Errorf("selector workspace is required")
	}
	if strings.TrimSpace(s.ID) == "" {
		return fmt.Errorf("selector id is required")
	}
	if strings.Contains(s.Workspace, ":") {
		return fmt.Errorf("workspace %q must not contain ':'", s.Workspace)
	}
	// Workspaces become glob patterns for pattern subscriptions.
	if strings.ContainsAny(s.Workspace, "*?[]\\") {
		return fmt.Errorf("workspace %q must not contain glob characters", s.Workspace)
	}
	switch s.Kind {
	case KindRoom:
		if s.ID == "user" || s.ID == "conn" || strings.Contains(s.ID, ":") {
			return fmt.Errorf("room id %q is reserved or contains ':'", s.ID)
		}
	case KindUser, KindConn:
	default:
		return fmt.Errorf("unknown selector kind %q", s.Kind)
	}
	return nil
}

// ParseSelector inverts Key.
func ParseSelector(key string) (Selector, error) {
	ws, rest, ok := strings.Cut(key, ":")
	if !ok || ws == "" || rest == "" {
		return Selector{}, fmt.Errorf("malformed selector key %q", key)
	}
	var sel Selector
	switch {
	case strings.HasPrefix(rest, "user:"):
		sel = User(ws, strings.TrimPrefix(rest, "user:"))
	case strings.HasPrefix(rest, "conn:"):
		sel = Conn(ws, strings.TrimPrefix(rest, "conn:"))
	default:
		sel = Room(ws, rest)
	}
	if err := sel.Validate(); err != nil {
		return Selector{}, err
	}
	return sel, nil
}

// WorkspacePattern is the subscription pattern covering every selector in a workspace.
func WorkspacePattern(workspace string) string {
	return workspace + ":*"
}
