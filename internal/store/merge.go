package store

import "encoding/json"

// DeepMerge merges patch into base recursively. Nested objects merge key by
// key; any other value in patch replaces the base value. A nil value in
// patch deletes the key. This is applied in the repository layer so partial
// patches of nested documents (git_state, permission_config) never lose
// sibling keys.
func DeepMerge(base, patch map[string]any) map[string]any {
	if base == nil {
		base = make(map[string]any)
	}
	for key, pv := range patch {
		if pv == nil {
			delete(base, key)
			continue
		}
		pm, pIsMap := pv.(map[string]any)
		if !pIsMap {
			base[key] = pv
			continue
		}
		bm, bIsMap := base[key].(map[string]any)
		if !bIsMap {
			bm = make(map[string]any)
		}
		base[key] = DeepMerge(bm, pm)
	}
	return base
}

// MergeJSON deep-merges a patch document into a raw JSON document and
// returns the merged JSON. Empty base is treated as an empty object.
func MergeJSON(base json.RawMessage, patch map[string]any) (json.RawMessage, error) {
	doc := make(map[string]any)
	if len(base) > 0 {
		if err := json.Unmarshal(base, &doc); err != nil {
			return nil, err
		}
	}
	merged := DeepMerge(doc, patch)
	return json.Marshal(merged)
}
