package queue

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"go.etcd.io/bbolt"
)

const opsBucket = "ops"

// BoltBackend stores queue records in a bbolt file, one key per operation id.
type BoltBackend struct {
	db *bbolt.DB
}

// OpenBolt opens (creating if needed) the queue file at path.
func OpenBolt(path string) (*BoltBackend, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("queue path is required")
	}
	cleanPath := filepath.Clean(path)
	if dir := filepath.Dir(cleanPath); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("create queue dir: %w", err)
		}
	}
	db, err := bbolt.Open(cleanPath, 0o600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open queue db: %w", err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists([]byte(opsBucket)); err != nil {
			return fmt.Errorf("create ops bucket: %w", err)
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return &BoltBackend{db: db}, nil
}

func (b *BoltBackend) Load() ([]Record, error) {
	var out []Record
	err := b.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(opsBucket))
		if bucket == nil {
			return fmt.Errorf("ops bucket is missing")
		}
		return bucket.ForEach(func(k, v []byte) error {
			var rec Record
			if err := json.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("unmarshal %s: %w", k, err)
			}
			out = append(out, rec)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out, nil
}

func (b *BoltBackend) Put(rec Record) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}
	return b.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(opsBucket))
		if bucket == nil {
			return fmt.Errorf("ops bucket is missing")
		}
		return bucket.Put([]byte(rec.ID), payload)
	})
}

func (b *BoltBackend) Delete(id string) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(opsBucket))
		if bucket == nil {
			return fmt.Errorf("ops bucket is missing")
		}
		return bucket.Delete([]byte(id))
	})
}

func (b *BoltBackend) Close() error {
	if b == nil || b.db == nil {
		return nil
	}
	return b.db.Close()
}
