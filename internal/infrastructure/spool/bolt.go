// Package spool is the audit dead-letter file.
//
// Rows whose insert into financial_audit_log failed are appended here under a
// monotonically increasing key and replayed in that order once storage is back.
package spool

import (
	"encoding/binary"
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	bolt "github.com/boltdb/bolt"

	"liveeconomy/internal/model"
)

const bucketName = "audit_dead_letter"

type BoltSpool struct {
	db *bolt.DB
}

// Open opens or creates the spool file at path.
func Open(path string) (*BoltSpool, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}

	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, err
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(bucketName))
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltSpool{db: db}, nil
}

func (s *BoltSpool) Close() error {
	return s.db.Close()
}

// Put appends entry. The row keeps its original CreatedAt so replay preserves the event time.
func (s *BoltSpool) Put(entry *model.AuditEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketName))
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		return b.Put(itob(seq), data)
	})
}

// Len returns the number of spooled rows.
func (s *BoltSpool) Len() (int, error) {
	n := 0
	err := s.db.View(func(tx *bolt.Tx) error {
		n = tx.Bucket([]byte(bucketName)).Stats().KeyN
		return nil
	})
	return n, err
}

// Drain hands up to limit rows, oldest first, to fn and deletes those fn accepted.
// It stops at the first rejection so replay order is kept.
func (s *BoltSpool) Drain(limit int, fn func(*model.AuditEntry) error) (int, error) {
	type item struct {
		key   []byte
		entry *model.AuditEntry
	}
	var batch []item

	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket([]byte(bucketName)).Cursor()
		for k, v := c.First(); k != nil && len(batch) < limit; k, v = c.Next() {
			var e model.AuditEntry
			if err := json.Unmarshal(v, &e); err != nil {
				return err
			}
			key := make([]byte, len(k))
			copy(key, k)
			batch = append(batch, item{key: key, entry: &e})
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	var done [][]byte
	var fnErr error
	for _, it := range batch {
		// ids are assigned by the audit table on replay
		it.entry.ID = 0
		if fnErr = fn(it.entry); fnErr != nil {
			break
		}
		done = append(done, it.key)
	}

	if len(done) > 0 {
		err = s.db.Update(func(tx *bolt.Tx) error {
			b := tx.Bucket([]byte(bucketName))
			for _, k := range done {
				if err := b.Delete(k); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			return 0, err
		}
	}

	return len(done), fnErr
}

func itob(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b
}
