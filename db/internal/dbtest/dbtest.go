// Package dbtest provides a reusable test suite for db.Database backends.
package dbtest

import (
	"errors"
	"testing"

	qt "github.com/frankban/quicktest"
	"github.com/pantos-io/servicenode/db"
)

// TestWriteTx checks the basic read-your-writes and commit semantics of a
// write transaction.
func TestWriteTx(t *testing.T, database db.Database) {
	wTx := database.WriteTx()
	defer wTx.Discard()

	_, err := wTx.Get([]byte("a"))
	qt.Assert(t, err, qt.ErrorIs, db.ErrKeyNotFound)

	qt.Assert(t, wTx.Set([]byte("a"), []byte("b")), qt.IsNil)

	v, err := wTx.Get([]byte("a"))
	qt.Assert(t, err, qt.IsNil)
	qt.Assert(t, v, qt.DeepEquals, []byte("b"))

	qt.Assert(t, wTx.Commit(), qt.IsNil)
	// Discard after Commit should not be a problem
	wTx.Discard()

	// get the committed value from a fresh transaction
	wTx = database.WriteTx()
	defer wTx.Discard()

	v, err = wTx.Get([]byte("a"))
	qt.Assert(t, err, qt.IsNil)
	qt.Assert(t, v, qt.DeepEquals, []byte("b"))

	qt.Assert(t, wTx.Delete([]byte("a")), qt.IsNil)
	_, err = wTx.Get([]byte("a"))
	qt.Assert(t, err, qt.ErrorIs, db.ErrKeyNotFound)

	// the deletion is not visible outside the transaction until committed
	v, err = database.Get([]byte("a"))
	qt.Assert(t, err, qt.IsNil)
	qt.Assert(t, v, qt.DeepEquals, []byte("b"))

	qt.Assert(t, wTx.Commit(), qt.IsNil)
	_, err = database.Get([]byte("a"))
	qt.Assert(t, err, qt.ErrorIs, db.ErrKeyNotFound)
}

// TestIterate checks prefix iteration ordering, prefix stripping and early
// termination.
func TestIterate(t *testing.T, database db.Database) {
	wTx := database.WriteTx()
	defer wTx.Discard()
	for _, kv := range [][2]string{
		{"t/a", "0"}, {"t/b", "1"}, {"t/c", "2"}, {"u/a", "3"},
	} {
		qt.Assert(t, wTx.Set([]byte(kv[0]), []byte(kv[1])), qt.IsNil)
	}
	qt.Assert(t, wTx.Commit(), qt.IsNil)

	var keys, values []string
	err := database.Iterate([]byte("t/"), func(k, v []byte) bool {
		keys = append(keys, string(k))
		values = append(values, string(v))
		return true
	})
	qt.Assert(t, err, qt.IsNil)
	qt.Assert(t, keys, qt.DeepEquals, []string{"a", "b", "c"})
	qt.Assert(t, values, qt.DeepEquals, []string{"0", "1", "2"})

	// stop early
	count := 0
	err = database.Iterate(nil, func(k, v []byte) bool {
		count++
		return count < 2
	})
	qt.Assert(t, err, qt.IsNil)
	qt.Assert(t, count, qt.Equals, 2)
}

// TestWriteTxApply checks that the writes of one transaction can be merged
// into another before committing.
func TestWriteTxApply(t *testing.T, database db.Database) {
	keyA, valueA := []byte("ka"), []byte("va")
	keyB, valueB := []byte("kb"), []byte("vb")

	wTxA := database.WriteTx()
	defer wTxA.Discard()
	qt.Assert(t, wTxA.Set(keyA, valueA), qt.IsNil)

	wTxB := database.WriteTx()
	defer wTxB.Discard()
	qt.Assert(t, wTxB.Set(keyB, valueB), qt.IsNil)

	qt.Assert(t, wTxB.Apply(wTxA), qt.IsNil)
	qt.Assert(t, wTxB.Commit(), qt.IsNil)

	for _, kv := range [][2][]byte{{keyA, valueA}, {keyB, valueB}} {
		v, err := database.Get(kv[0])
		qt.Assert(t, err, qt.IsNil)
		qt.Assert(t, v, qt.DeepEquals, kv[1])
	}
}

// TestWriteTxApplyPrefixed checks that applying a raw transaction through a
// prefixed one merges the raw keys untouched: Apply always operates on the
// backend keyspace.
func TestWriteTxApplyPrefixed(t *testing.T, database, prefixedDatabase db.Database) {
	keyA, valueA := []byte("ka"), []byte("va")

	wTx := database.WriteTx()
	defer wTx.Discard()
	qt.Assert(t, wTx.Set(keyA, valueA), qt.IsNil)

	wTxPrefixed := prefixedDatabase.WriteTx()
	defer wTxPrefixed.Discard()

	qt.Assert(t, wTxPrefixed.Apply(wTx), qt.IsNil)
	qt.Assert(t, wTxPrefixed.Commit(), qt.IsNil)

	v, err := database.Get(keyA)
	qt.Assert(t, err, qt.IsNil)
	qt.Assert(t, v, qt.DeepEquals, valueA)
}

// TestConcurrentWriteTx checks conflict detection between two overlapping
// transactions. Only backends with MVCC semantics pass it.
func TestConcurrentWriteTx(t *testing.T, database db.Database) {
	wTxA := database.WriteTx()
	defer wTxA.Discard()
	wTxB := database.WriteTx()
	defer wTxB.Discard()

	qt.Assert(t, wTxA.Set([]byte("k"), []byte("a")), qt.IsNil)
	qt.Assert(t, wTxB.Set([]byte("k"), []byte("b")), qt.IsNil)

	qt.Assert(t, wTxA.Commit(), qt.IsNil)
	err := wTxB.Commit()
	if !errors.Is(err, db.ErrConflict) {
		t.Fatalf("expected %v, got %v", db.ErrConflict, err)
	}
}
