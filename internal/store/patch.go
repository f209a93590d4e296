package store

import "encoding/json"

// applyPatch deep-merges a patch document into the JSON projection of an
// entity and decodes the result back. Fields tagged json:"-" are dropped by
// the round trip, so callers must restore them along with immutable fields.
func applyPatch[T any](current *T, patch map[string]any) error {
	raw, err := json.Marshal(current)
	if err != nil {
		return err
	}
	doc := make(map[string]any)
	if err := json.Unmarshal(raw, &doc); err != nil {
		return err
	}
	merged := DeepMerge(doc, patch)
	data, err := json.Marshal(merged)
	if err != nil {
		return err
	}
	var updated T
	if err := json.Unmarshal(data, &updated); err != nil {
		return err
	}
	*current = updated
	return nil
}
