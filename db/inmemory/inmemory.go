// Package inmemory implements an ephemeral db.Database used by tests. It
// keeps a version counter per key, which gives its transactions the
// conflict detection that the pebble backend lacks.
package inmemory

import (
	"bytes"
	"fmt"
	"slices"
	"sync"

	"github.com/pantos-io/servicenode/db"
)

type record struct {
	value   []byte
	version uint64
	deleted bool
}

// InMemoryDB implements an ephemeral in-memory db.Database.
type InMemoryDB struct {
	mu          sync.RWMutex
	data        map[string]record
	nextVersion uint64
}

// check that InMemoryDB implements the db.Database interface
var _ db.Database = (*InMemoryDB)(nil)

// New returns a new in-memory database. Options are ignored.
func New(_ db.Options) (*InMemoryDB, error) {
	return &InMemoryDB{
		data: make(map[string]record),
	}, nil
}

func (d *InMemoryDB) Close() error   { return nil }
func (d *InMemoryDB) Compact() error { return nil }

func (d *InMemoryDB) WriteTx() db.WriteTx {
	d.mu.RLock()
	snapshot := d.nextVersion
	d.mu.RUnlock()
	return &WriteTx{
		db:       d,
		writes:   make(map[string]*[]byte),
		reads:    make(map[string]uint64),
		snapshot: snapshot,
	}
}

func (d *InMemoryDB) Get(key []byte) ([]byte, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	rec, ok := d.data[string(key)]
	if !ok || rec.deleted {
		return nil, db.ErrKeyNotFound
	}
	return bytes.Clone(rec.value), nil
}

func (d *InMemoryDB) Iterate(prefix []byte, callback func(key, value []byte) bool) error {
	d.mu.RLock()
	entries := make(map[string][]byte, len(d.data))
	for k, rec := range d.data {
		if rec.deleted || !bytes.HasPrefix([]byte(k), prefix) {
			continue
		}
		entries[k] = bytes.Clone(rec.value)
	}
	d.mu.RUnlock()
	return iterateEntries(entries, len(prefix), callback)
}

func (d *InMemoryDB) currentVersion(key string) uint64 {
	rec, ok := d.data[key]
	if !ok {
		return 0
	}
	return rec.version
}

func (d *InMemoryDB) applyWrite(key string, value []byte, deleteKey bool) {
	d.nextVersion++
	rec := d.data[key]
	rec.version = d.nextVersion
	rec.deleted = deleteKey
	if deleteKey {
		rec.value = nil
	} else {
		rec.value = bytes.Clone(value)
	}
	d.data[key] = rec
}

// WriteTx implements db.WriteTx with optimistic concurrency control: every
// key read or written records the version it was observed at, and Commit
// fails with db.ErrConflict if any of those keys changed since.
type WriteTx struct {
	db        *InMemoryDB
	writes    map[string]*[]byte // nil value marks a pending delete
	reads     map[string]uint64
	snapshot  uint64
	committed bool
	discarded bool
}

// check that WriteTx implements the db.WriteTx interface
var _ db.WriteTx = (*WriteTx)(nil)

func (tx *WriteTx) recordRead(key string, version uint64) {
	if _, ok := tx.reads[key]; ok {
		return
	}
	tx.reads[key] = version
}

func (tx *WriteTx) Get(key []byte) ([]byte, error) {
	strKey := string(key)
	if pending, ok := tx.writes[strKey]; ok {
		if pending == nil {
			return nil, db.ErrKeyNotFound
		}
		return bytes.Clone(*pending), nil
	}

	tx.db.mu.RLock()
	rec, ok := tx.db.data[strKey]
	version := tx.db.currentVersion(strKey)
	tx.db.mu.RUnlock()

	tx.recordRead(strKey, version)
	if !ok || rec.deleted {
		return nil, db.ErrKeyNotFound
	}
	return bytes.Clone(rec.value), nil
}

func (tx *WriteTx) Iterate(prefix []byte, callback func(key, value []byte) bool) error {
	tx.db.mu.RLock()
	entries := make(map[string][]byte, len(tx.db.data))
	readVersions := make(map[string]uint64, len(tx.db.data))
	for k, rec := range tx.db.data {
		if rec.deleted || !bytes.HasPrefix([]byte(k), prefix) {
			continue
		}
		entries[k] = bytes.Clone(rec.value)
		readVersions[k] = rec.version
	}
	tx.db.mu.RUnlock()

	for k, v := range tx.writes {
		if !bytes.HasPrefix([]byte(k), prefix) {
			continue
		}
		if v == nil {
			delete(entries, k)
			continue
		}
		entries[k] = bytes.Clone(*v)
	}

	for k, ver := range readVersions {
		tx.recordRead(k, ver)
	}

	return iterateEntries(entries, len(prefix), callback)
}

func (tx *WriteTx) trackCurrentVersion(strKey string) {
	if _, ok := tx.reads[strKey]; ok {
		return
	}
	tx.db.mu.RLock()
	version := tx.db.currentVersion(strKey)
	tx.db.mu.RUnlock()
	tx.recordRead(strKey, version)
}

func (tx *WriteTx) Set(key, value []byte) error {
	strKey := string(key)
	tx.trackCurrentVersion(strKey)
	valCopy := bytes.Clone(value)
	tx.writes[strKey] = &valCopy
	return nil
}

func (tx *WriteTx) Delete(key []byte) error {
	strKey := string(key)
	tx.trackCurrentVersion(strKey)
	tx.writes[strKey] = nil
	return nil
}

func (tx *WriteTx) Apply(other db.WriteTx) error {
	return other.Iterate(nil, func(k, v []byte) bool {
		return tx.Set(k, v) == nil
	})
}

func (tx *WriteTx) Commit() error {
	if tx.committed || tx.discarded {
		return fmt.Errorf("cannot commit inmemory tx: already committed or discarded")
	}

	tx.db.mu.Lock()
	defer tx.db.mu.Unlock()

	for key, readVersion := range tx.reads {
		current := tx.db.currentVersion(key)
		if readVersion > tx.snapshot || current != readVersion {
			return db.ErrConflict
		}
	}

	for key, value := range tx.writes {
		if value == nil {
			tx.db.applyWrite(key, nil, true)
			continue
		}
		tx.db.applyWrite(key, *value, false)
	}
	tx.committed = true
	return nil
}

func (tx *WriteTx) Discard() {
	tx.writes = map[string]*[]byte{}
	tx.reads = map[string]uint64{}
	tx.discarded = true
}

func iterateEntries(entries map[string][]byte, skip int, callback func(key, value []byte) bool) error {
	keys := make([]string, 0, len(entries))
	for key := range entries {
		keys = append(keys, key)
	}
	slices.Sort(keys)

	for _, key := range keys {
		if !callback([]byte(key)[skip:], entries[key]) {
			break
		}
	}
	return nil
}
