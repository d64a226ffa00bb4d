package local

import (
	"github.com/steveyegge/docsync/internal/model"
	"github.com/steveyegge/docsync/internal/mutation"
	"github.com/steveyegge/docsync/internal/persistence"
)

// DocumentOverlayCache stores one user's net local mutation per document.
type DocumentOverlayCache struct {
	userID string
}

// NewDocumentOverlayCache returns the overlay cache of userID.
func NewDocumentOverlayCache(userID string) *DocumentOverlayCache {
	return &DocumentOverlayCache{userID: userID}
}

func (c *DocumentOverlayCache) overlayKey(key model.DocumentKey) []byte {
	return documentKeyBytes(persistence.Key().String(c.userID), key).Bytes()
}

// GetOverlay returns the overlay for key, or nil.
func (c *DocumentOverlayCache) GetOverlay(txn persistence.Txn, key model.DocumentKey) (*mutation.Overlay, error) {
	b, ok, err := txn.Get(persistence.Overlays, c.overlayKey(key))
	if err != nil || !ok {
		return nil, err
	}
	o := &mutation.Overlay{}
	return o, decodeJSON(b, o)
}

// GetOverlays returns the overlays that exist for keys.
func (c *DocumentOverlayCache) GetOverlays(txn persistence.Txn, keys model.DocumentKeySet) (map[model.DocumentKey]*mutation.Overlay, error) {
	out := map[model.DocumentKey]*mutation.Overlay{}
	var err error
	keys.Ascend(func(k model.DocumentKey) bool {
		var o *mutation.Overlay
		if o, err = c.GetOverlay(txn, k); err != nil {
			return false
		}
		if o != nil {
			out[k] = o
		}
		return true
	})
	return out, err
}

// SaveOverlays stores each mutation as the overlay of its document, tagged
// with largestBatchID. A nil mutation removes the overlay.
func (c *DocumentOverlayCache) SaveOverlays(txn persistence.Txn, largestBatchID int, overlays map[model.DocumentKey]*mutation.Mutation) error {
	for key, m := range overlays {
		if m == nil {
			if err := txn.Delete(persistence.Overlays, c.overlayKey(key)); err != nil {
				return err
			}
			continue
		}
		b, err := encodeJSON(&mutation.Overlay{LargestBatchID: largestBatchID, Mutation: m})
		if err != nil {
			return err
		}
		if err := txn.Put(persistence.Overlays, c.overlayKey(key), b); err != nil {
			return err
		}
	}
	return nil
}

// RemoveOverlaysForBatchID removes the overlays of keys that were last
// written by batchID.
func (c *DocumentOverlayCache) RemoveOverlaysForBatchID(txn persistence.Txn, keys model.DocumentKeySet, batchID int) error {
	var err error
	keys.Ascend(func(k model.DocumentKey) bool {
		var o *mutation.Overlay
		if o, err = c.GetOverlay(txn, k); err != nil {
			return false
		}
		if o != nil && o.LargestBatchID == batchID {
			err = txn.Delete(persistence.Overlays, c.overlayKey(k))
		}
		return err == nil
	})
	return err
}

// GetOverlaysForCollection returns the overlays of documents directly in
// collection whose largest batch id is greater than sinceBatchID.
func (c *DocumentOverlayCache) GetOverlaysForCollection(txn persistence.Txn, collection model.ResourcePath, sinceBatchID int) (map[model.DocumentKey]*mutation.Overlay, error) {
	out := map[model.DocumentKey]*mutation.Overlay{}
	prefix := persistence.Key().String(c.userID).String(collection.String()).Bytes()
	err := txn.Scan(persistence.Overlays, prefix, func(_, v []byte) (bool, error) {
		o := &mutation.Overlay{}
		if err := decodeJSON(v, o); err != nil {
			return false, err
		}
		if o.LargestBatchID > sinceBatchID {
			out[o.Key()] = o
		}
		return true, nil
	})
	return out, err
}

// Count returns the number of overlays stored for the user.
func (c *DocumentOverlayCache) Count(txn persistence.Txn) (int, error) {
	n := 0
	err := txn.Scan(persistence.Overlays, persistence.Key().String(c.userID).Bytes(), func(_, _ []byte) (bool, error) {
		n++
		return true, nil
	})
	return n, err
}
