// Package metrics keeps operational counters and gauges in a local
// bbolt file under the application workdir so they survive restarts
// without requiring an external metrics stack.
package metrics

import (
	"encoding/binary"
	"path/filepath"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"
)

const (
	gaugeBucket   = "gauges"
	counterBucket = "counters"
)

var (
	mu sync.Mutex
	db *bolt.DB
)

// InitMetrics opens the metrics store under workdir.
func InitMetrics(workdir string) error {
	mu.Lock()
	defer mu.Unlock()
	if db != nil {
		return nil
	}
	path := filepath.Join(workdir, "metrics.db")
	bdb, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 3 * time.Second})
	if err != nil {
		return err
	}
	err = bdb.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists([]byte(gaugeBucket)); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists([]byte(counterBucket))
		return err
	})
	if err != nil {
		_ = bdb.Close()
		return err
	}
	db = bdb
	return nil
}

// SetGauge stores the latest value for name.
func SetGauge(name string, value int64) {
	mu.Lock()
	defer mu.Unlock()
	if db == nil {
		return
	}
	_ = db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(gaugeBucket)).Put([]byte(name), encodeInt64(value))
	})
}

// IncrCounter adds delta to the named counter.
func IncrCounter(name string, delta int64) {
	mu.Lock()
	defer mu.Unlock()
	if db == nil {
		return
	}
	_ = db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(counterBucket))
		cur := decodeInt64(b.Get([]byte(name)))
		return b.Put([]byte(name), encodeInt64(cur+delta))
	})
}

// GetCounter reads the named counter, zero if absent.
func GetCounter(name string) int64 {
	mu.Lock()
	defer mu.Unlock()
	if db == nil {
		return 0
	}
	var v int64
	_ = db.View(func(tx *bolt.Tx) error {
		v = decodeInt64(tx.Bucket([]byte(counterBucket)).Get([]byte(name)))
		return nil
	})
	return v
}

// GetGauge reads the named gauge, zero if absent.
func GetGauge(name string) int64 {
	mu.Lock()
	defer mu.Unlock()
	if db == nil {
		return 0
	}
	var v int64
	_ = db.View(func(tx *bolt.Tx) error {
		v = decodeInt64(tx.Bucket([]byte(gaugeBucket)).Get([]byte(name)))
		return nil
	})
	return v
}

// Close releases the metrics store.
func Close() error {
	mu.Lock()
	defer mu.Unlock()
	if db == nil {
		return nil
	}
	err := db.Close()
	db = nil
	return err
}

func encodeInt64(v int64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(v))
	return buf
}

func decodeInt64(b []byte) int64 {
	if len(b) != 8 {
		return 0
	}
	return int64(binary.BigEndian.Uint64(b))
}
