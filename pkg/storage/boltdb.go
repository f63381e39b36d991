package storage

import (
	"encoding/json"
	"fmt"
	"path/filepath"

	"github.com/opensci-hpc/pilotmgr/pkg/fabric"
	bolt "go.etcd.io/bbolt"
)

var (
	bucketUnits  = []byte("units")
	bucketPilots = []byte("pilots")
)

// BoltStore implements fabric.Store using a local BoltDB file, one
// session per database.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens (creating if necessary) a BoltDB-backed store
// under dataDir.
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "pilotmgr.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketUnits, bucketPilots} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

// Close closes the database.
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// UpsertUnit creates or overwrites a unit document.
func (s *BoltStore) UpsertUnit(doc *fabric.UnitDoc) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketUnits)
		data, err := json.Marshal(doc)
		if err != nil {
			return err
		}
		return b.Put([]byte(doc.UID), data)
	})
}

// DeleteUnit removes a unit document by uid.
func (s *BoltStore) DeleteUnit(uid string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketUnits)
		return b.Delete([]byte(uid))
	})
}

// GetUnit retrieves a unit document by uid.
func (s *BoltStore) GetUnit(uid string) (*fabric.UnitDoc, error) {
	var doc fabric.UnitDoc
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketUnits)
		data := b.Get([]byte(uid))
		if data == nil {
			return fmt.Errorf("unit not found: %s", uid)
		}
		return json.Unmarshal(data, &doc)
	})
	if err != nil {
		return nil, err
	}
	return &doc, nil
}

// ListUnits returns every unit document in the store.
func (s *BoltStore) ListUnits() ([]*fabric.UnitDoc, error) {
	var docs []*fabric.UnitDoc
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketUnits)
		return b.ForEach(func(k, v []byte) error {
			var doc fabric.UnitDoc
			if err := json.Unmarshal(v, &doc); err != nil {
				return err
			}
			docs = append(docs, &doc)
			return nil
		})
	})
	return docs, err
}

// PendingUnits returns unit documents owned by umgr with
// control == fabric.ControlUmgrPending: the unit-pull query pattern.
func (s *BoltStore) PendingUnits(umgr string) ([]*fabric.UnitDoc, error) {
	var docs []*fabric.UnitDoc
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketUnits)
		return b.ForEach(func(k, v []byte) error {
			var doc fabric.UnitDoc
			if err := json.Unmarshal(v, &doc); err != nil {
				return err
			}
			if doc.Umgr == umgr && doc.Control == fabric.ControlUmgrPending {
				docs = append(docs, &doc)
			}
			return nil
		})
	})
	return docs, err
}

// ClaimUnits atomically sets control = fabric.ControlUmgr on the given
// uids, in a single transaction, so a concurrent unit-pull does not
// refetch the same batch.
func (s *BoltStore) ClaimUnits(uids []string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketUnits)
		for _, uid := range uids {
			data := b.Get([]byte(uid))
			if data == nil {
				continue
			}
			var doc fabric.UnitDoc
			if err := json.Unmarshal(data, &doc); err != nil {
				return err
			}
			doc.Control = fabric.ControlUmgr
			updated, err := json.Marshal(&doc)
			if err != nil {
				return err
			}
			if err := b.Put([]byte(uid), updated); err != nil {
				return err
			}
		}
		return nil
	})
}

// UpsertPilot creates or overwrites a pilot document.
func (s *BoltStore) UpsertPilot(doc *fabric.PilotDoc) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketPilots)
		data, err := json.Marshal(doc)
		if err != nil {
			return err
		}
		return b.Put([]byte(doc.UID), data)
	})
}

// GetPilot retrieves a pilot document by uid.
func (s *BoltStore) GetPilot(uid string) (*fabric.PilotDoc, error) {
	var doc fabric.PilotDoc
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketPilots)
		data := b.Get([]byte(uid))
		if data == nil {
			return fmt.Errorf("pilot not found: %s", uid)
		}
		return json.Unmarshal(data, &doc)
	})
	if err != nil {
		return nil, err
	}
	return &doc, nil
}

// ListPilots returns every pilot document in the store.
func (s *BoltStore) ListPilots() ([]*fabric.PilotDoc, error) {
	var docs []*fabric.PilotDoc
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketPilots)
		return b.ForEach(func(k, v []byte) error {
			var doc fabric.PilotDoc
			if err := json.Unmarshal(v, &doc); err != nil {
				return err
			}
			docs = append(docs, &doc)
			return nil
		})
	})
	return docs, err
}
