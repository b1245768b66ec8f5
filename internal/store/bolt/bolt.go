// Package bolt implements the domain.KV contract on a bbolt database.
// Each logical namespace maps to one bucket; bbolt's transactional
// writes give the per-key atomicity the limit store relies on.
package bolt

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"go.etcd.io/bbolt"

	"github.com/routined/routined/internal/domain"
)

// KV is a bbolt-backed key-value store.
type KV struct {
	db *bbolt.DB
}

// Open opens (or creates) the database file at path.
func Open(path string) (*KV, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt db: %w", err)
	}
	return &KV{db: db}, nil
}

// Get returns the value for key in namespace, or nil when absent.
func (kv *KV) Get(namespace, key string) ([]byte, error) {
	var out []byte
	err := kv.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(namespace))
		if b == nil {
			return nil
		}
		if v := b.Get([]byte(key)); v != nil {
			out = append([]byte(nil), v...)
		}
		return nil
	})
	return out, err
}

// Put stores value under key in namespace.
func (kv *KV) Put(namespace, key string, value []byte) error {
	return kv.db.Update(func(tx *bbolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists([]byte(namespace))
		if err != nil {
			return err
		}
		return b.Put([]byte(key), value)
	})
}

// Delete removes key from namespace.
func (kv *KV) Delete(namespace, key string) error {
	return kv.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(namespace))
		if b == nil {
			return nil
		}
		return b.Delete([]byte(key))
	})
}

// GetInt64 returns the integer value for key.
func (kv *KV) GetInt64(namespace, key string) (int64, bool, error) {
	raw, err := kv.Get(namespace, key)
	if err != nil || raw == nil {
		return 0, false, err
	}
	n, err := strconv.ParseInt(string(raw), 10, 64)
	if err != nil {
		return 0, false, fmt.Errorf("non-integer value under %s/%s: %w", namespace, key, err)
	}
	return n, true, nil
}

// PutInt64 stores an integer value under key.
func (kv *KV) PutInt64(namespace, key string, value int64) error {
	return kv.Put(namespace, key, []byte(strconv.FormatInt(value, 10)))
}

// Keys lists all keys present in namespace.
func (kv *KV) Keys(namespace string) ([]string, error) {
	var keys []string
	err := kv.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(namespace))
		if b == nil {
			return nil
		}
		return b.ForEach(func(k, _ []byte) error {
			keys = append(keys, string(k))
			return nil
		})
	})
	return keys, err
}

// Close releases the database file.
func (kv *KV) Close() error {
	return kv.db.Close()
}

var _ domain.KV = (*KV)(nil)
