// internal/syncer/changelog.go
package syncer

import (
	"encoding/json"
	"fmt"

	"work-items-sync/internal/model"
)

// applyChangelogPolicy returns the changelog to persist. The first non-empty
// changelog seen for an item is kept for good: later records, whether they
// omit it, null it or carry a different one, never replace it.
func applyChangelogPolicy(stored []byte, incoming model.Field[[]model.ChangelogEntry]) ([]byte, error) {
	if changelogCaptured(stored) {
		return stored, nil
	}
	if !incoming.HasValue() {
		return stored, nil
	}
	raw, err := json.Marshal(incoming.Value)
	if err != nil {
		return nil, fmt.Errorf("encode changelog: %w", err)
	}
	return raw, nil
}

func changelogCaptured(stored []byte) bool {
	if len(stored) == 0 {
		return false
	}
	var entries []json.RawMessage
	if err := json.Unmarshal(stored, &entries); err != nil {
		// Not a list; treat whatever is there as captured rather than overwrite it.
		return string(stored) != "null"
	}
	return len(entries) > 0
}
