/*
Package storage provides the persistent storage layer for the service node.

# Storage Organization

The storage uses a key-value database with prefixed namespaces to organize
the different types of data:

## Transfers
  - t/  : internal transfer ID (8-byte big-endian) → Transfer record
  - tk/ : task UUID (16 bytes) → internal transfer ID

## Transfer uniqueness indexes
  - sn/ : forwarder contract ID + sender address + sender nonce → internal ID
    (sender nonce uniqueness; released when a transfer fails or reverts)
  - bn/ : source blockchain ID + blockchain nonce → internal ID
    (one holder per blockchain nonce; maintained by the nonce allocator)
  - oc/ : hub contract ID + on-chain transfer ID → internal ID
  - tx/ : source blockchain ID + transaction hash → internal ID

## Bids
  - b/  : source blockchain ID + destination blockchain ID + execution time
    → Bid record (fully replaced per chain pair on each bid engine tick)

## Contract registry
  - c/  : contract kind + blockchain ID + address → contract ID
  - ci/ : contract ID (8-byte big-endian) → ContractRecord
    (append-only; rows are created on first reference and reused)

## Task queue
  - q/  : queue name + task UUID → TaskRecord (durable scheduler tasks)

## Counters
  - seq/: name → next sequence value (transfer and contract IDs)
*/
package storage

import (
	"encoding/binary"
	"errors"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/pantos-io/servicenode/db"
	"github.com/pantos-io/servicenode/db/prefixeddb"
	"github.com/pantos-io/servicenode/log"
)

var (
	ErrNotFound             = errors.New("not found")
	ErrKeyAlreadyExists     = errors.New("key already exists")
	ErrSenderNonceNotUnique = errors.New("sender nonce not unique")

	// Prefixes
	transferPrefix        = []byte("t/")
	transferTaskPrefix    = []byte("tk/")
	senderNoncePrefix     = []byte("sn/")
	blockchainNoncePrefix = []byte("bn/")
	onChainIDPrefix       = []byte("oc/")
	transactionIDPrefix   = []byte("tx/")
	bidPrefix             = []byte("b/")
	contractPrefix        = []byte("c/")
	contractIDPrefix      = []byte("ci/")
	taskQueuePrefix       = []byte("q/")
	sequencePrefix        = []byte("seq/")

	transferSeqKey = []byte("transfer")
	contractSeqKey = []byte("contract")
)

// Storage manages the transfer records, bids, contract registry and the
// durable task queue. All mutations are serialized through a global lock,
// which keeps multi-key updates (uniqueness indexes, the nonce allocator
// swap) atomic on top of the key-value store.
type Storage struct {
	db         db.Database
	globalLock sync.Mutex
	taskCache  *lru.Cache[string, uint64] // task UUID → internal transfer ID
}

// New creates a new Storage instance on top of the given database.
func New(database db.Database) *Storage {
	taskCache, err := lru.New[string, uint64](1000)
	if err != nil {
		log.Fatalf("failed to create LRU cache: %v", err)
	}
	return &Storage{
		db:        database,
		taskCache: taskCache,
	}
}

// Close closes the storage.
func (s *Storage) Close() {
	if err := s.db.Close(); err != nil {
		log.Warnw("failed to close storage", "error", err)
	}
}

// setArtifact stores an artifact under the given prefix and key,
// overwriting any previous value.
func (s *Storage) setArtifact(prefix, key []byte, artifact any) error {
	data, err := EncodeArtifact(artifact)
	if err != nil {
		return err
	}
	wTx := prefixeddb.NewPrefixedDatabase(s.db, prefix).WriteTx()
	defer wTx.Discard()
	if err := wTx.Set(key, data); err != nil {
		return err
	}
	return wTx.Commit()
}

// getArtifact retrieves an artifact from the storage and decodes it into
// out. It returns ErrNotFound if the key does not exist.
func (s *Storage) getArtifact(prefix, key []byte, out any) error {
	data, err := prefixeddb.NewPrefixedReader(s.db, prefix).Get(key)
	if err != nil {
		return ErrNotFound
	}
	return DecodeArtifact(data, out)
}

// deleteArtifact removes an artifact from the storage.
func (s *Storage) deleteArtifact(prefix, key []byte) error {
	wTx := prefixeddb.NewPrefixedDatabase(s.db, prefix).WriteTx()
	defer wTx.Discard()
	if err := wTx.Delete(key); err != nil {
		return err
	}
	return wTx.Commit()
}

// listArtifacts retrieves all the keys for a given prefix.
func (s *Storage) listArtifacts(prefix []byte) ([][]byte, error) {
	var keys [][]byte
	if err := prefixeddb.NewPrefixedReader(s.db, prefix).Iterate(nil, func(k, _ []byte) bool {
		kcopy := make([]byte, len(k))
		copy(kcopy, k)
		keys = append(keys, kcopy)
		return true
	}); err != nil {
		return nil, err
	}
	return keys, nil
}

// nextSequence returns the next value of the named sequence within the
// given transaction, starting at 1.
func nextSequence(wTx db.WriteTx, name []byte) (uint64, error) {
	seqTx := prefixeddb.NewPrefixedWriteTx(wTx, sequencePrefix)
	var next uint64 = 1
	if data, err := seqTx.Get(name); err == nil {
		next = binary.BigEndian.Uint64(data) + 1
	} else if !errors.Is(err, db.ErrKeyNotFound) {
		return 0, err
	}
	if err := seqTx.Set(name, encodeUint64(next)); err != nil {
		return 0, err
	}
	return next, nil
}

func encodeUint64(v uint64) []byte {
	out := make([]byte, 8)
	binary.BigEndian.PutUint64(out, v)
	return out
}

func encodeUint32(v uint32) []byte {
	out := make([]byte, 4)
	binary.BigEndian.PutUint32(out, v)
	return out
}
