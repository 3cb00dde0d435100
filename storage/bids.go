package storage

import (
	"bytes"

	"github.com/pantos-io/servicenode/db/prefixeddb"
	"github.com/pantos-io/servicenode/types"
)

// Bid is a fee offer of the service node for transfers between a pair of
// blockchains. The fee buys an execution within ExecutionTime seconds; a bid
// served to a user stays acceptable for ValidPeriod seconds.
type Bid struct {
	SourceBlockchain      types.Blockchain
	DestinationBlockchain types.Blockchain
	ExecutionTime         int64
	ValidPeriod           int64
	Fee                   *types.BigInt
}

func bidPairKey(source, destination types.Blockchain) []byte {
	return append(encodeUint32(uint32(source)), encodeUint32(uint32(destination))...)
}

// ReplaceBids atomically swaps the stored bids for the given blockchain pair
// with the provided ones. Bids of other pairs are untouched.
func (s *Storage) ReplaceBids(source, destination types.Blockchain, bids []*Bid) error {
	s.globalLock.Lock()
	defer s.globalLock.Unlock()

	pair := bidPairKey(source, destination)
	var stale [][]byte
	if err := prefixeddb.NewPrefixedReader(s.db, bidPrefix).Iterate(pair, func(k, _ []byte) bool {
		stale = append(stale, append(bytes.Clone(pair), k...))
		return true
	}); err != nil {
		return err
	}

	wTx := prefixeddb.NewPrefixedDatabase(s.db, bidPrefix).WriteTx()
	defer wTx.Discard()
	for _, key := range stale {
		if err := wTx.Delete(key); err != nil {
			return err
		}
	}
	for _, bid := range bids {
		bid.SourceBlockchain = source
		bid.DestinationBlockchain = destination
		data, err := EncodeArtifact(bid)
		if err != nil {
			return err
		}
		key := append(bytes.Clone(pair), encodeUint64(uint64(bid.ExecutionTime))...)
		if err := wTx.Set(key, data); err != nil {
			return err
		}
	}
	return wTx.Commit()
}

// Bids returns the stored bids for the given blockchain pair, ordered by
// ascending execution time.
func (s *Storage) Bids(source, destination types.Blockchain) ([]*Bid, error) {
	var bids []*Bid
	var decodeErr error
	if err := prefixeddb.NewPrefixedReader(s.db, bidPrefix).Iterate(bidPairKey(source, destination),
		func(_, v []byte) bool {
			bid := &Bid{}
			if decodeErr = DecodeArtifact(v, bid); decodeErr != nil {
				return false
			}
			bids = append(bids, bid)
			return true
		}); err != nil {
		return nil, err
	}
	if decodeErr != nil {
		return nil, decodeErr
	}
	return bids, nil
}
