package local

import (
	"encoding/json"
	"fmt"

	"github.com/steveyegge/docsync/internal/model"
	"github.com/steveyegge/docsync/internal/persistence"
)

func encodeJSON(v any) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %T: %w", v, err)
	}
	return b, nil
}

func decodeJSON(b []byte, v any) error {
	if err := json.Unmarshal(b, v); err != nil {
		return fmt.Errorf("failed to decode %T: %w", v, err)
	}
	return nil
}

// documentKeyBytes encodes key as (collection path, document id) so a prefix
// scan over a collection path returns exactly its direct children.
func documentKeyBytes(b *persistence.KeyBuilder, key model.DocumentKey) *persistence.KeyBuilder {
	return b.String(key.CollectionPath().String()).String(key.ID())
}

func readDocumentKey(r *persistence.KeyReader) (model.DocumentKey, error) {
	collection, err := r.String()
	if err != nil {
		return model.DocumentKey{}, err
	}
	id, err := r.String()
	if err != nil {
		return model.DocumentKey{}, err
	}
	return model.ParseDocumentKey(collection + "/" + id)
}

func encodeInt(n int64) []byte { return persistence.Key().Int(n).Bytes() }

func decodeInt(b []byte) (int64, error) { return persistence.ReadKey(b).Int() }
