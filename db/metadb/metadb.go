// Package metadb instantiates the configured database backend.
package metadb

import (
	"fmt"
	"testing"

	"github.com/pantos-io/servicenode/db"
	"github.com/pantos-io/servicenode/db/inmemory"
	"github.com/pantos-io/servicenode/db/pebbledb"
)

// New creates a database of the given type rooted at dir.
func New(typ, dir string) (db.Database, error) {
	switch typ {
	case db.TypePebble:
		return pebbledb.New(db.Options{Path: dir})
	case db.TypeInMem:
		return inmemory.New(db.Options{Path: dir})
	default:
		return nil, fmt.Errorf("invalid database type %q, available types: %q %q",
			typ, db.TypePebble, db.TypeInMem)
	}
}

// NewTest returns a pebble database in a temporary directory, closed and
// removed when the test finishes.
func NewTest(tb testing.TB) db.Database {
	database, err := New(db.TypePebble, tb.TempDir())
	if err != nil {
		tb.Fatal(err)
	}
	tb.Cleanup(func() {
		if err := database.Close(); err != nil {
			tb.Error(err)
		}
	})
	return database
}
