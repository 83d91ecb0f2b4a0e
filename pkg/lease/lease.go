package lease

import (
	"encoding/json"
	"fmt"

	bolt "go.etcd.io/bbolt"

	"github.com/sashimono/agent/pkg/types"
)

// MomentSeconds is the lease accounting unit: one moment is 3600 seconds
const MomentSeconds = 3600

var bucketLeases = []byte("leases")

// Registry is a read-heavy cache of external lease metadata, keyed by
// container name. It only annotates list responses, so it is kept out of the
// relational instance table.
type Registry struct {
	db *bolt.DB
}

// Open opens (creating if needed) the lease cache at path
func Open(path string) (*Registry, error) {
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open lease cache: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketLeases)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create lease bucket: %w", err)
	}

	return &Registry{db: db}, nil
}

// Close closes the cache
func (r *Registry) Close() error {
	return r.db.Close()
}

// Put stores lease metadata for a container. A zero ExpiryTimestamp with a
// positive moment count is derived as created + moments*3600.
func (r *Registry) Put(l *types.Lease, moments int64) error {
	if l.ExpiryTimestamp == 0 && moments > 0 {
		l.ExpiryTimestamp = l.CreatedTimestamp + moments*MomentSeconds
	}

	return r.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketLeases)
		data, err := json.Marshal(l)
		if err != nil {
			return err
		}
		return b.Put([]byte(l.ContainerName), data)
	})
}

// Get returns the lease for a container name, or nil when none is recorded
func (r *Registry) Get(containerName string) (*types.Lease, error) {
	var lease *types.Lease
	err := r.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketLeases)
		data := b.Get([]byte(containerName))
		if data == nil {
			return nil
		}
		var l types.Lease
		if err := json.Unmarshal(data, &l); err != nil {
			return err
		}
		lease = &l
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read lease for %s: %w", containerName, err)
	}
	return lease, nil
}

// Delete drops the lease recorded for a container, if any
func (r *Registry) Delete(containerName string) error {
	return r.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketLeases).Delete([]byte(containerName))
	})
}
