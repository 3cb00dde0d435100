// Package prefixeddb wraps a db.Database so that all keys are transparently
// stored under a fixed prefix. It is how the storage layer partitions a
// single pebble store into independent keyspaces.
package prefixeddb

import "github.com/pantos-io/servicenode/db"

// PrefixedDatabase wraps a db.Database prepending a prefix to every key.
type PrefixedDatabase struct {
	db     db.Database
	prefix []byte
}

// check that PrefixedDatabase implements the db.Database interface
var _ db.Database = (*PrefixedDatabase)(nil)

// NewPrefixedDatabase creates a PrefixedDatabase over the given database.
func NewPrefixedDatabase(database db.Database, prefix []byte) *PrefixedDatabase {
	return &PrefixedDatabase{db: database, prefix: prefix}
}

func (d *PrefixedDatabase) Close() error   { return d.db.Close() }
func (d *PrefixedDatabase) Compact() error { return d.db.Compact() }

func (d *PrefixedDatabase) Get(key []byte) ([]byte, error) {
	return d.db.Get(prefixKey(d.prefix, key))
}

func (d *PrefixedDatabase) Iterate(prefix []byte, callback func(key, value []byte) bool) error {
	return d.db.Iterate(prefixKey(d.prefix, prefix), callback)
}

func (d *PrefixedDatabase) WriteTx() db.WriteTx {
	return NewPrefixedWriteTx(d.db.WriteTx(), d.prefix)
}

// PrefixedReader wraps a db.Reader prepending a prefix to every key. It
// allows read-only access to a prefixed keyspace from either a database or
// an open transaction.
type PrefixedReader struct {
	db     db.Reader
	prefix []byte
}

// NewPrefixedReader creates a PrefixedReader over the given reader.
func NewPrefixedReader(reader db.Reader, prefix []byte) *PrefixedReader {
	return &PrefixedReader{db: reader, prefix: prefix}
}

func (r *PrefixedReader) Get(key []byte) ([]byte, error) {
	return r.db.Get(prefixKey(r.prefix, key))
}

func (r *PrefixedReader) Iterate(prefix []byte, callback func(key, value []byte) bool) error {
	return r.db.Iterate(prefixKey(r.prefix, prefix), callback)
}

// PrefixedWriteTx wraps a db.WriteTx prepending a prefix to every key.
type PrefixedWriteTx struct {
	tx     db.WriteTx
	prefix []byte
}

// check that PrefixedWriteTx implements the db.WriteTx interface
var _ db.WriteTx = (*PrefixedWriteTx)(nil)

// NewPrefixedWriteTx creates a PrefixedWriteTx over the given transaction.
func NewPrefixedWriteTx(tx db.WriteTx, prefix []byte) *PrefixedWriteTx {
	return &PrefixedWriteTx{tx: tx, prefix: prefix}
}

// Unwrap returns the wrapped transaction, so that Apply can reach the
// backend transaction behind any number of prefixed wrappers.
func (t *PrefixedWriteTx) Unwrap() db.WriteTx { return t.tx }

func (t *PrefixedWriteTx) Get(key []byte) ([]byte, error) {
	return t.tx.Get(prefixKey(t.prefix, key))
}

func (t *PrefixedWriteTx) Iterate(prefix []byte, callback func(key, value []byte) bool) error {
	return t.tx.Iterate(prefixKey(t.prefix, prefix), callback)
}

func (t *PrefixedWriteTx) Set(key, value []byte) error {
	return t.tx.Set(prefixKey(t.prefix, key), value)
}

func (t *PrefixedWriteTx) Delete(key []byte) error {
	return t.tx.Delete(prefixKey(t.prefix, key))
}

func (t *PrefixedWriteTx) Apply(other db.WriteTx) error { return t.tx.Apply(other) }
func (t *PrefixedWriteTx) Commit() error                { return t.tx.Commit() }
func (t *PrefixedWriteTx) Discard()                     { t.tx.Discard() }

func prefixKey(prefix, key []byte) []byte {
	out := make([]byte, 0, len(prefix)+len(key))
	return append(append(out, prefix...), key...)
}
