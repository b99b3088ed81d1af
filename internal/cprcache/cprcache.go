// Package cprcache implements the CPR pair cache (C3): a short-TTL
// key-value store holding the most recent even- or odd-parity CPR
// latitude/longitude half received for an ICAO address, awaiting its
// opposite-parity sibling so the batcher's handler can complete a
// position decode. It is backed by buntdb (the teacher's embedded,
// TTL-native key-value store), kept in-process because pairing happens
// within a single ingest replica on a sub-second window.
package cprcache

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/tidwall/buntdb"
)

// Cache is a TTL key-value store scoped to CPR half-entries.
type Cache struct {
	db *buntdb.DB
}

// Open opens (creating if necessary) a buntdb file at path for the CPR
// pair cache. An empty path opens an in-memory database, suitable for
// tests.
func Open(path string) (*Cache, error) {
	if path == "" {
		path = ":memory:"
	} else if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("cprcache: create dir: %w", err)
		}
	}
	db, err := buntdb.Open(path)
	if err != nil {
		return nil, fmt.Errorf("cprcache: open: %w", err)
	}
	return &Cache{db: db}, nil
}

func (c *Cache) Close() error {
	if c == nil || c.db == nil {
		return nil
	}
	return c.db.Close()
}

// LatKey and LonKey reproduce original_source's CPR half-entry key format
// exactly: "{icao:x}:lat_cpr:{parity}" / "{icao:x}:lon_cpr:{parity}".
func LatKey(icao uint32, parity uint8) string {
	return fmt.Sprintf("%x:lat_cpr:%d", icao, parity)
}

func LonKey(icao uint32, parity uint8) string {
	return fmt.Sprintf("%x:lon_cpr:%d", icao, parity)
}

// MultipleSet deposits a batch of key-value pairs under a shared TTL, the
// CPR-pair-cache analogue of dedup.Cache.MultipleSet.
func (c *Cache) MultipleSet(pairs map[string]string, ttl time.Duration) error {
	return c.db.Update(func(tx *buntdb.Tx) error {
		for k, v := range pairs {
			if _, _, err := tx.Set(k, v, &buntdb.SetOptions{Expires: true, TTL: ttl}); err != nil {
				return err
			}
		}
		return nil
	})
}

// MultipleGet returns one value per requested key, in the same order;
// missing or expired keys yield an empty string at that position.
func (c *Cache) MultipleGet(keys []string) ([]string, error) {
	out := make([]string, len(keys))
	err := c.db.View(func(tx *buntdb.Tx) error {
		for i, k := range keys {
			v, err := tx.Get(k)
			if err != nil {
				if err == buntdb.ErrNotFound {
					continue
				}
				return err
			}
			out[i] = v
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
