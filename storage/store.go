// Package storage persists the agent inventory and measurement schedules in
// bbolt so a restarted agent can resume without a full re-discovery.
package storage

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/btree"
	"go.etcd.io/bbolt"

	"github.com/yairfalse/vahti/pkg/resource"
	"github.com/yairfalse/vahti/types"
)

// DBFile is the name of the database file inside the data directory.
const DBFile = "vahti.db"

var (
	bucketResources = []byte("resources")
	bucketSchedules = []byte("schedules")
	bucketMeta      = []byte("meta")

	keyRevision = []byte("current_revision")
)

// ErrNotFound is returned for ids the store does not hold.
var ErrNotFound = errors.New("not found")

// InventoryStore keeps the last committed view of every resource. Each
// write bumps a store-wide revision; the in-memory index records the
// revision a resource was last written at.
type InventoryStore struct {
	mu sync.RWMutex

	index *btree.BTreeG[*ResourceState]
	db    *bbolt.DB

	currentRev int64
	path       string
}

// ResourceState is the index entry for one stored resource.
type ResourceState struct {
	ResourceID string
	ParentID   string
	Type       string
	Status     resource.InventoryStatus
	Revision   int64
}

func stateLess(a, b *ResourceState) bool {
	return a.ResourceID < b.ResourceID
}

// Open opens (or creates) the store in dir.
func Open(dir string) (*InventoryStore, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	path := filepath.Join(dir, DBFile)

	db, err := bbolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, bucket := range [][]byte{bucketResources, bucketSchedules, bucketMeta} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	s := &InventoryStore{
		index: btree.NewG(32, stateLess),
		db:    db,
		path:  path,
	}
	if err := s.rebuildIndex(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to rebuild index: %w", err)
	}
	return s, nil
}

// OpenReadOnly opens an existing store for inspection. It gives up after
// timeout if an agent holds the database.
func OpenReadOnly(dir string, timeout time.Duration) (*InventoryStore, error) {
	path := filepath.Join(dir, DBFile)
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("inventory database: %w", err)
	}
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{ReadOnly: true, Timeout: timeout})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	s := &InventoryStore{
		index: btree.NewG(32, stateLess),
		db:    db,
		path:  path,
	}
	if err := s.rebuildIndex(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to rebuild index: %w", err)
	}
	return s, nil
}

// Close closes the database.
func (s *InventoryStore) Close() error {
	return s.db.Close()
}

// SaveResources writes resources in one transaction and returns the new revision.
func (s *InventoryStore) SaveResources(resources []resource.Resource) (int64, error) {
	if len(resources) == 0 {
		return s.CurrentRevision(), nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	rev := s.currentRev + 1
	err := s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketResources)
		for _, r := range resources {
			if r.ID == "" {
				return fmt.Errorf("resource %s has no id", r.Identity())
			}
			value, err := json.Marshal(r)
			if err != nil {
				return err
			}
			if err := bucket.Put([]byte(r.ID), value); err != nil {
				return err
			}
		}
		return putRevision(tx, rev)
	})
	if err != nil {
		return 0, err
	}

	s.currentRev = rev
	for _, r := range resources {
		s.index.ReplaceOrInsert(&ResourceState{
			ResourceID: r.ID,
			ParentID:   r.ParentID,
			Type:       r.Type,
			Status:     r.Status,
			Revision:   rev,
		})
	}
	return rev, nil
}

// SaveResource writes a single resource.
func (s *InventoryStore) SaveResource(r resource.Resource) (int64, error) {
	return s.SaveResources([]resource.Resource{r})
}

// DeleteResources removes resources and their schedules. Unknown ids are ignored.
func (s *InventoryStore) DeleteResources(ids []string) (int64, error) {
	if len(ids) == 0 {
		return s.CurrentRevision(), nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	rev := s.currentRev + 1
	err := s.db.Update(func(tx *bbolt.Tx) error {
		resources := tx.Bucket(bucketResources)
		schedules := tx.Bucket(bucketSchedules)
		for _, id := range ids {
			if err := resources.Delete([]byte(id)); err != nil {
				return err
			}
			if err := schedules.Delete([]byte(id)); err != nil {
				return err
			}
		}
		return putRevision(tx, rev)
	})
	if err != nil {
		return 0, err
	}

	s.currentRev = rev
	for _, id := range ids {
		s.index.Delete(&ResourceState{ResourceID: id})
	}
	return rev, nil
}

// GetResource reads one resource.
func (s *InventoryStore) GetResource(id string) (resource.Resource, error) {
	var r resource.Resource
	err := s.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket(bucketResources).Get([]byte(id))
		if v == nil {
			return fmt.Errorf("resource %s: %w", id, ErrNotFound)
		}
		return json.Unmarshal(v, &r)
	})
	return r, err
}

// LoadResources returns every stored resource ordered by id.
func (s *InventoryStore) LoadResources() ([]resource.Resource, error) {
	var out []resource.Resource
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketResources).ForEach(func(k, v []byte) error {
			var r resource.Resource
			if err := json.Unmarshal(v, &r); err != nil {
				return fmt.Errorf("corrupt resource %s: %w", k, err)
			}
			out = append(out, r)
			return nil
		})
	})
	return out, err
}

// GetResourceState returns the index entry of a resource.
func (s *InventoryStore) GetResourceState(id string) (*ResourceState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	state, found := s.index.Get(&ResourceState{ResourceID: id})
	if !found {
		return nil, fmt.Errorf("resource %s: %w", id, ErrNotFound)
	}
	cp := *state
	return &cp, nil
}

// ChangedSince returns the index entries written after rev.
func (s *InventoryStore) ChangedSince(rev int64) []ResourceState {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []ResourceState
	s.index.Ascend(func(state *ResourceState) bool {
		if state.Revision > rev {
			out = append(out, *state)
		}
		return true
	})
	return out
}

// SaveSchedules replaces the stored schedules of a resource.
func (s *InventoryStore) SaveSchedules(resourceID string, schedules []types.MeasurementSchedule) error {
	value, err := json.Marshal(schedules)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketSchedules).Put([]byte(resourceID), value)
	})
}

// LoadSchedules returns the stored schedules keyed by resource id.
func (s *InventoryStore) LoadSchedules() (map[string][]types.MeasurementSchedule, error) {
	out := make(map[string][]types.MeasurementSchedule)
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketSchedules).ForEach(func(k, v []byte) error {
			var schedules []types.MeasurementSchedule
			if err := json.Unmarshal(v, &schedules); err != nil {
				return fmt.Errorf("corrupt schedules for %s: %w", k, err)
			}
			out[string(k)] = schedules
			return nil
		})
	})
	return out, err
}

// CurrentRevision returns the current revision number.
func (s *InventoryStore) CurrentRevision() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.currentRev
}

// Stats reports the resource count, the revision and the database file size.
func (s *InventoryStore) Stats() (resourceCount int, currentRev int64, dbSizeBytes int64) {
	s.mu.RLock()
	resourceCount = s.index.Len()
	currentRev = s.currentRev
	s.mu.RUnlock()

	if info, err := os.Stat(s.path); err == nil {
		dbSizeBytes = info.Size()
	}
	return resourceCount, currentRev, dbSizeBytes
}

func (s *InventoryStore) rebuildIndex() error {
	return s.db.View(func(tx *bbolt.Tx) error {
		if data := tx.Bucket(bucketMeta).Get(keyRevision); data != nil {
			s.currentRev = bytesToInt64(data)
		}
		return tx.Bucket(bucketResources).ForEach(func(k, v []byte) error {
			var r resource.Resource
			if err := json.Unmarshal(v, &r); err != nil {
				return fmt.Errorf("corrupt resource %s: %w", k, err)
			}
			// Per-resource revisions are not persisted; after a restart
			// everything counts as written at the current revision.
			s.index.ReplaceOrInsert(&ResourceState{
				ResourceID: r.ID,
				ParentID:   r.ParentID,
				Type:       r.Type,
				Status:     r.Status,
				Revision:   s.currentRev,
			})
			return nil
		})
	})
}

func putRevision(tx *bbolt.Tx, rev int64) error {
	return tx.Bucket(bucketMeta).Put(keyRevision, int64ToBytes(rev))
}

func int64ToBytes(n int64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, uint64(n))
	return b
}

func bytesToInt64(b []byte) int64 {
	if len(b) != 8 {
		return 0
	}
	return int64(binary.BigEndian.Uint64(b))
}
