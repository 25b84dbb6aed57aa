package blueprint

import (
	"encoding/json"
	"fmt"

	jsonpatch "github.com/evanphx/json-patch/v5"
)

// Draft is a blueprint under construction by an external builder. It holds
// a base snapshot plus an ordered list of RFC 6902 patches. Drafts tolerate
// pending connections; full validation happens at Finalize.
type Draft struct {
	ID      string            `json:"id"`
	Base    *Blueprint        `json:"base"`
	Patches []json.RawMessage `json:"patches,omitempty"`

	// PendingOutputs names outputs the builder has not wired yet.
	PendingOutputs []string `json:"pending_outputs,omitempty"`

	// NextSuggestions is populated by external planners; the core leaves
	// it empty.
	NextSuggestions []string `json:"next_suggestions,omitempty"`
}

// NewDraft starts a draft from a base blueprint.
func NewDraft(id string, base *Blueprint) *Draft {
	return &Draft{ID: id, Base: base}
}

// ApplyPatch validates and appends one JSON patch document. The patch is
// applied immediately against the materialized view to reject malformed
// operations early; the draft keeps the patch chain for auditability.
func (d *Draft) ApplyPatch(patch []byte) error {
	decoded, err := jsonpatch.DecodePatch(patch)
	if err != nil {
		return fmt.Errorf("invalid patch document: %w", err)
	}

	current, err := d.materialize()
	if err != nil {
		return err
	}

	if _, err := decoded.Apply(current); err != nil {
		return fmt.Errorf("patch does not apply: %w", err)
	}

	d.Patches = append(d.Patches, json.RawMessage(patch))
	return nil
}

// materialize applies the patch chain to the base and returns raw JSON.
func (d *Draft) materialize() ([]byte, error) {
	current, err := json.Marshal(d.Base)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize draft base: %w", err)
	}

	for i, raw := range d.Patches {
		decoded, err := jsonpatch.DecodePatch(raw)
		if err != nil {
			return nil, fmt.Errorf("patch %d is invalid: %w", i+1, err)
		}
		current, err = decoded.Apply(current)
		if err != nil {
			return nil, fmt.Errorf("patch %d does not apply: %w", i+1, err)
		}
	}

	return current, nil
}

// Finalize materializes the draft into a blueprint. The caller must run
// full compilation on the result; finalization only guarantees the patch
// chain applies and the JSON decodes.
func (d *Draft) Finalize() (*Blueprint, error) {
	if len(d.PendingOutputs) > 0 {
		return nil, fmt.Errorf("draft has %d pending outputs", len(d.PendingOutputs))
	}

	data, err := d.materialize()
	if err != nil {
		return nil, err
	}

	var bp Blueprint
	if err := json.Unmarshal(data, &bp); err != nil {
		return nil, fmt.Errorf("materialized draft is not a valid blueprint: %w", err)
	}

	bp.ApplyDefaults()
	return &bp, nil
}
