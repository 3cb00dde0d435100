package db

import "fmt"

var (
	// ErrKeyNotFound is returned by Get when the key does not exist.
	ErrKeyNotFound = fmt.Errorf("key not found")
	// ErrConflict is returned by WriteTx.Commit when the transaction
	// conflicts with another concurrently committed transaction.
	ErrConflict = fmt.Errorf("conflict while committing transaction")
)

// Available database backends.
const (
	TypePebble = "pebble"
	TypeInMem  = "inmem"
)

// Options defines generic parameters for opening a database.
type Options struct {
	Path string
}

// Reader contains the read-side methods of the key-value store.
type Reader interface {
	// Get retrieves the value for the given key. If the key does not
	// exist, it returns ErrKeyNotFound.
	Get(key []byte) ([]byte, error)
	// Iterate calls callback with all key-value pairs whose key starts
	// with prefix, ordered lexicographically by key. The prefix is
	// stripped from the keys passed to the callback. Iteration stops
	// early when the callback returns false.
	Iterate(prefix []byte, callback func(key, value []byte) bool) error
}

// Database is a key-value store with transactional writes. Implementations
// live in the subpackages and are selected through metadb.New.
type Database interface {
	Reader
	// WriteTx creates a new write transaction.
	WriteTx() WriteTx
	// Close closes the database, releasing its resources.
	Close() error
	// Compact triggers a compaction of the underlying store, if the
	// backend supports it.
	Compact() error
}

// WriteTx is a transaction over the database. Writes only become visible
// once Commit returns without error. Every WriteTx must be closed with
// Commit or Discard; calling Discard after a successful Commit is a no-op,
// which allows the usual `defer tx.Discard()` pattern.
type WriteTx interface {
	Reader
	// Set adds a key-value pair, overwriting any previous value.
	Set(key []byte, value []byte) error
	// Delete removes the key. Deleting a non-existing key is not an
	// error.
	Delete(key []byte) error
	// Apply copies the pending writes of the given transaction into this
	// one.
	Apply(WriteTx) error
	// Commit atomically persists the pending writes. Backends with
	// conflict detection return ErrConflict when another transaction
	// committed overlapping keys first.
	Commit() error
	// Discard drops the pending writes.
	Discard()
}

// UnwrapWriteTx resolves the backend transaction behind any number of
// prefixed wrappers.
func UnwrapWriteTx(tx WriteTx) WriteTx {
	for {
		unwrapped, ok := tx.(interface{ Unwrap() WriteTx })
		if !ok {
			return tx
		}
		tx = unwrapped.Unwrap()
	}
}
