package vecserver

import (
	"encoding/json"
	"fmt"
	"time"

	"go.etcd.io/bbolt"

	"github.com/luciopablogutierrez/sintomas-diagnostico-ai-app/internal/vectorstore"
)

var collectionsBucket = []byte("collections")

// catalogEntry is the persisted metadata of one collection.
type catalogEntry struct {
	Descriptor vectorstore.CollectionDescriptor `json:"descriptor"`
	Index      *vectorstore.IndexSpec           `json:"index,omitempty"`
	CreatedAt  time.Time                        `json:"created_at"`
}

// catalog stores collection schemas and index specs in bbolt. Load state
// is not persisted, so a restarted server starts with nothing loaded.
type catalog struct {
	db *bbolt.DB
}

func openCatalog(path string) (*catalog, error) {
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open catalog: %w", err)
	}
	if err := db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(collectionsBucket)
		return err
	}); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init catalog: %w", err)
	}
	return &catalog{db: db}, nil
}

func (c *catalog) put(e catalogEntry) error {
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	return c.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(collectionsBucket).Put([]byte(e.Descriptor.Name), data)
	})
}

func (c *catalog) get(name string) (catalogEntry, bool, error) {
	var (
		e     catalogEntry
		found bool
	)
	err := c.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(collectionsBucket).Get([]byte(name))
		if data == nil {
			return nil
		}
		found = true
		return json.Unmarshal(data, &e)
	})
	return e, found, err
}

func (c *catalog) delete(name string) error {
	return c.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(collectionsBucket).Delete([]byte(name))
	})
}

func (c *catalog) list() ([]catalogEntry, error) {
	var out []catalogEntry
	err := c.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(collectionsBucket).ForEach(func(k, v []byte) error {
			var e catalogEntry
			if err := json.Unmarshal(v, &e); err != nil {
				return fmt.Errorf("decode catalog entry %q: %w", k, err)
			}
			out = append(out, e)
			return nil
		})
	})
	return out, err
}

func (c *catalog) close() error {
	return c.db.Close()
}
