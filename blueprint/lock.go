package blueprint

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
)

// LockNew is the sentinel presented when creating a blueprint.
const LockNew = "__new__"

// ErrVersionConflict is returned when the presented version lock does not
// match the stored one.
var ErrVersionConflict = errors.New("version lock mismatch")

// ErrLockRequired is returned when a mutation presents no version lock.
var ErrLockRequired = errors.New("version lock required")

// ComputeLock derives the opaque version-lock token from blueprint content.
// The lock itself and the assigned id are excluded so that storing a
// blueprint does not change its lock.
func ComputeLock(b *Blueprint) (string, error) {
	content := struct {
		SchemaVersion string      `json:"schema_version"`
		Metadata      Metadata    `json:"metadata"`
		Nodes         []*NodeSpec `json:"nodes"`
	}{
		SchemaVersion: b.SchemaVersion,
		Metadata:      b.Metadata,
		Nodes:         b.Nodes,
	}

	// encoding/json sorts map keys, so the digest is deterministic.
	data, err := json.Marshal(content)
	if err != nil {
		return "", fmt.Errorf("failed to serialize blueprint for lock: %w", err)
	}

	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}
