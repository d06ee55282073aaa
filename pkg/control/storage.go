package control

import (
	"fmt"

	"github.com/snopsgo/snops/pkg/env"
	"github.com/snopsgo/snops/pkg/ids"
)

// PersistStorage is the durable record of one storage document,
// keyed by storageKey.
type PersistStorage struct {
	Document env.StorageDocument `json:"document"`
}

func storageKey(network ids.NetworkID, storage ids.StorageID) string {
	return string(network) + "/" + string(storage)
}

// registerStorage records sd in memory and persists it, overwriting
// any prior document with the same network/id.
func (c *Control) registerStorage(sd env.StorageDocument) error {
	key := storageKey(sd.Network, sd.ID)

	c.mu.Lock()
	c.storages[key] = sd
	c.mu.Unlock()

	if err := c.storageTree.Put(key, PersistStorage{Document: sd}); err != nil {
		return fmt.Errorf("control: persist storage %s: %w", key, err)
	}
	return nil
}

// GetStorage looks up a previously registered storage document.
func (c *Control) GetStorage(network ids.NetworkID, storage ids.StorageID) (env.StorageDocument, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	sd, ok := c.storages[storageKey(network, storage)]
	return sd, ok
}

// ListStorage returns every registered storage document.
func (c *Control) ListStorage() []env.StorageDocument {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]env.StorageDocument, 0, len(c.storages))
	for _, sd := range c.storages {
		out = append(out, sd)
	}
	return out
}
