// Package store caches fragment analysis reports in LevelDB, keyed by the
// container contents, the entry offset and the load base.
package store

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/syndtr/goleveldb/leveldb"
	leveldbstorage "github.com/syndtr/goleveldb/leveldb/storage"
	"github.com/syndtr/goleveldb/leveldb/util"
	"golang.org/x/crypto/blake2b"

	"github.com/colorfulnotion/fragvm/log"
	"github.com/colorfulnotion/fragvm/segmenter"
)

// KeySize is the encoded length of a Key.
const KeySize = blake2b.Size256 + 8

// Key identifies one analysis: blake2b-256 of the container file, then the
// entry offset and load base, both big endian so keys sort by entry.
type Key struct {
	Container [blake2b.Size256]byte
	Entry     uint32
	LoadBase  uint32
}

func ContainerHash(data []byte) [blake2b.Size256]byte {
	return blake2b.Sum256(data)
}

func NewKey(data []byte, entry int, loadBase uint32) Key {
	return Key{Container: ContainerHash(data), Entry: uint32(entry), LoadBase: loadBase}
}

func (k Key) Bytes() []byte {
	out := make([]byte, 0, KeySize)
	out = append(out, k.Container[:]...)
	out = binary.BigEndian.AppendUint32(out, k.Entry)
	return binary.BigEndian.AppendUint32(out, k.LoadBase)
}

func ParseKey(b []byte) (Key, error) {
	var k Key
	if len(b) != KeySize {
		return k, fmt.Errorf("cache key is %d bytes, want %d", len(b), KeySize)
	}
	copy(k.Container[:], b)
	k.Entry = binary.BigEndian.Uint32(b[blake2b.Size256:])
	k.LoadBase = binary.BigEndian.Uint32(b[blake2b.Size256+4:])
	return k, nil
}

func (k Key) String() string {
	return fmt.Sprintf("%x@%04X/0x%08X", k.Container[:8], k.Entry, k.LoadBase)
}

// Cache is safe for concurrent use; LevelDB handles its own locking.
type Cache struct {
	db *leveldb.DB
}

// Open opens or creates the cache at path. An empty path keeps the cache
// in memory.
func Open(path string) (*Cache, error) {
	var db *leveldb.DB
	var err error
	if path == "" {
		db, err = leveldb.Open(leveldbstorage.NewMemStorage(), nil)
	} else {
		db, err = leveldb.OpenFile(path, nil)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open cache at %s: %w", path, err)
	}
	log.Debug(log.StoreModule, "opened cache", "path", path)
	return &Cache{db: db}, nil
}

// Get returns (nil, false, nil) when k is absent.
func (c *Cache) Get(k Key) (*segmenter.Report, bool, error) {
	data, err := c.db.Get(k.Bytes(), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		log.Trace(log.StoreModule, "miss", "key", k)
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("get %s: %w", k, err)
	}
	var r segmenter.Report
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, false, fmt.Errorf("decode report %s: %w", k, err)
	}
	log.Trace(log.StoreModule, "hit", "key", k)
	return &r, true, nil
}

func (c *Cache) Put(k Key, r *segmenter.Report) error {
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("encode report %s: %w", k, err)
	}
	return c.db.Put(k.Bytes(), data, nil)
}

func (c *Cache) Delete(k Key) error {
	return c.db.Delete(k.Bytes(), nil)
}

// List returns every key starting with prefix, in key order. A nil prefix
// lists everything.
func (c *Cache) List(prefix []byte) ([]Key, error) {
	iter := c.db.NewIterator(util.BytesPrefix(prefix), nil)
	defer iter.Release()
	var keys []Key
	for iter.Next() {
		k, err := ParseKey(iter.Key())
		if err != nil {
			log.Warn(log.StoreModule, "skipping foreign key", "key", fmt.Sprintf("%x", iter.Key()))
			continue
		}
		keys = append(keys, k)
	}
	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("list %x: %w", prefix, err)
	}
	return keys, nil
}

// Analyze returns the cached report for k, building and storing it on a miss.
func (c *Cache) Analyze(k Key, build func() (*segmenter.Fragment, error)) (*segmenter.Report, error) {
	if r, ok, err := c.Get(k); err != nil || ok {
		return r, err
	}
	f, err := build()
	if err != nil {
		return nil, err
	}
	r := f.Report()
	if err := c.Put(k, r); err != nil {
		return nil, err
	}
	return r, nil
}

func (c *Cache) Close() error {
	return c.db.Close()
}
