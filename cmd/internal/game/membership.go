package game

import (
	"fmt"
	"strings"

	"tablesync/shared/patch"
)

// Role is a member's role inside one game.
type Role string

const (
	RoleGM     Role = "gm"
	RolePlayer Role = "player"
)

// playersKey is the top-level document member holding the player map.
const playersKey = "players"

// Member is one entry of the document's player map.
type Member struct {
	Username string `json:"username"`
	Role     Role   `json:"role"`
	IsGuest  bool   `json:"isGuest"`
}

// NewGameDocument returns the initial tree of a freshly created game.
func NewGameDocument(name, ownerID string, owner Member) map[string]any {
	if owner.Role == "" {
		owner.Role = RoleGM
	}
	return map[string]any{
		"name": name,
		playersKey: map[string]any{
			ownerID: memberValue(owner),
		},
	}
}

func memberValue(m Member) map[string]any {
	return map[string]any{
		"username": m.Username,
		"role":     string(m.Role),
		"isGuest":  m.IsGuest,
	}
}

func playersOf(doc any) (map[string]any, bool) {
	root, ok := doc.(map[string]any)
	if !ok {
		return nil, false
	}
	players, ok := root[playersKey].(map[string]any)
	return players, ok
}

// memberOf reports whether id is present in doc's player map.
func memberOf(doc any, id string) (Member, bool) {
	if strings.TrimSpace(id) == "" {
		return Member{}, false
	}
	players, ok := playersOf(doc)
	if !ok {
		return Member{}, false
	}
	raw, ok := players[id]
	if !ok {
		return Member{}, false
	}

	var m Member
	if e, ok := raw.(map[string]any); ok {
		m.Username, _ = e["username"].(string)
		if r, _ := e["role"].(string); r != "" {
			m.Role = Role(r)
		}
		m.IsGuest, _ = e["isGuest"].(bool)
	}
	if m.Role == "" {
		m.Role = RolePlayer
	}
	return m, true
}

func memberCount(doc any) int {
	players, _ := playersOf(doc)
	return len(players)
}

// addMemberPatch returns nil when id is already present.
func addMemberPatch(doc any, id string, m Member) (patch.Patch, error) {
	if strings.TrimSpace(id) == "" {
		return nil, fmt.Errorf("%w: empty member id", ErrInvalidMember)
	}
	if _, ok := memberOf(doc, id); ok {
		return nil, nil
	}
	if m.Role == "" {
		m.Role = RolePlayer
	}

	if _, ok := playersOf(doc); !ok {
		op, err := patch.Add(patch.Pointer(playersKey), map[string]any{id: memberValue(m)})
		if err != nil {
			return nil, err
		}
		return patch.Patch{op}, nil
	}
	op, err := patch.Add(patch.Pointer(playersKey, id), memberValue(m))
	if err != nil {
		return nil, err
	}
	return patch.Patch{op}, nil
}

// removeMemberPatch returns nil when id is absent.
func removeMemberPatch(doc any, id string) patch.Patch {
	if _, ok := memberOf(doc, id); !ok {
		return nil
	}
	return patch.Patch{patch.Remove(patch.Pointer(playersKey, id))}
}
