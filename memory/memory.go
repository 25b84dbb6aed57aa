package memory

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Identity carries the caller's org and user for every memory access.
// All reads and writes are scoped by it; cross-org reads return empty.
type Identity struct {
	OrgID  string `json:"org_id"`
	UserID string `json:"user_id"`
}

// Validate checks the identity carries both parts.
func (id Identity) Validate() error {
	if id.OrgID == "" || id.UserID == "" {
		return errors.New("memory access requires org_id and user_id")
	}
	return nil
}

// Scopes with defined sharing rules. Unknown scopes default to
// user-private.
const (
	ScopeKB      = "kb"      // shared across an org
	ScopeSession = "session" // private to one user
)

// orgShared reports whether a scope is readable by every user in the org.
func orgShared(scope string) bool {
	return scope == ScopeKB
}

// Entry is one stored memory record.
type Entry struct {
	Scope       string         `json:"scope"`
	Key         string         `json:"key"`
	Content     string         `json:"content"`
	ContentHash string         `json:"content_hash"`
	Meta        map[string]any `json:"meta,omitempty"`
	OrgID       string         `json:"org_id"`
	UserID      string         `json:"user_id"`
	CreatedAt   time.Time      `json:"created_at"`
}

// Tier is the common contract all four memory tiers implement.
type Tier interface {
	Store(id Identity, scope, key, content string, meta map[string]any) error
	Retrieve(id Identity, scope, key string) (*Entry, bool, error)
	Search(id Identity, scope, query string, k int) ([]*Entry, error)
	Delete(id Identity, scope, key string) (bool, error)
	Clear(id Identity, scope, pattern string) (int, error)
}

// ContentHash derives the dedup hash for semantic entries.
func ContentHash(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}

// partition builds the isolation prefix for an identity and scope.
// Org-shared scopes omit the user segment so entries are visible across
// the org; private scopes include it.
func partition(id Identity, scope string) string {
	if orgShared(scope) {
		return fmt.Sprintf("org:%s:scope:%s", id.OrgID, scope)
	}
	return fmt.Sprintf("org:%s:scope:%s:user:%s", id.OrgID, scope, id.UserID)
}

// matchPattern implements the simple glob used by Clear: a bare "*"
// matches everything, a trailing "*" matches a prefix, otherwise exact.
func matchPattern(pattern, key string) bool {
	if pattern == "" || pattern == "*" {
		return true
	}
	if strings.HasSuffix(pattern, "*") {
		return strings.HasPrefix(key, strings.TrimSuffix(pattern, "*"))
	}
	return pattern == key
}

// Manager bundles the four tiers behind one facade.
type Manager struct {
	Working    Tier
	Episodic   Tier
	Semantic   *SemanticMemory
	Procedural Tier
}

// TierByName resolves a tier for agent memory_scopes declarations.
func (m *Manager) TierByName(name string) (Tier, error) {
	switch name {
	case "working":
		return m.Working, nil
	case "episodic":
		return m.Episodic, nil
	case "semantic":
		return m.Semantic, nil
	case "procedural":
		return m.Procedural, nil
	default:
		return nil, fmt.Errorf("unknown memory tier %q", name)
	}
}
