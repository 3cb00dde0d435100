package storage

import (
	"encoding/binary"
	"time"

	"github.com/pantos-io/servicenode/db/prefixeddb"
	"github.com/pantos-io/servicenode/types"
)

func blockchainNonceKey(chain types.Blockchain, nonce uint64) []byte {
	return append(encodeUint32(uint32(chain)), encodeUint64(nonce)...)
}

// nonceIndexValue encodes the holder and its status. The status is kept in
// the index so that reclaimable nonces can be found without loading every
// transfer record on the chain.
func nonceIndexValue(id uint64, status types.TransferStatus) []byte {
	return append(encodeUint64(id), encodeUint32(uint32(status))...)
}

// AssignTransferNonce assigns a blockchain nonce to the transfer, preferring
// the lowest nonce held by a failed or still accepted transfer on the same
// chain. Reusing such a nonce keeps the gap it would otherwise leave in the
// service node's transaction sequence from blocking later transactions. If no
// nonce is reclaimable, the next nonce after the highest one ever assigned is
// used, or latestBlockchainNonce when the chain is already ahead of it. The
// transfer moves to status ACCEPTED_NEW_NONCE_ASSIGNED.
func (s *Storage) AssignTransferNonce(id uint64, latestBlockchainNonce uint64) (uint64, error) {
	s.globalLock.Lock()
	defer s.globalLock.Unlock()

	wTx := s.db.WriteTx()
	defer wTx.Discard()
	transfer, err := transferTx(wTx, id)
	if err != nil {
		return 0, err
	}
	chainKey := encodeUint32(uint32(transfer.SourceBlockchain))
	nonceTx := prefixeddb.NewPrefixedWriteTx(wTx, blockchainNoncePrefix)

	var (
		maxAssigned   *uint64
		reclaimNonce  *uint64
		reclaimHolder uint64
	)
	if err := nonceTx.Iterate(chainKey, func(k, v []byte) bool {
		nonce := binary.BigEndian.Uint64(k)
		holder := binary.BigEndian.Uint64(v[:8])
		status := types.TransferStatus(binary.BigEndian.Uint32(v[8:12]))
		if maxAssigned == nil || nonce > *maxAssigned {
			n := nonce
			maxAssigned = &n
		}
		if status == types.TransferAccepted || status == types.TransferFailed {
			if reclaimNonce == nil || nonce < *reclaimNonce {
				n := nonce
				reclaimNonce = &n
				reclaimHolder = holder
			}
		}
		return true
	}); err != nil {
		return 0, err
	}

	now := time.Now().Unix()
	var nonce uint64
	switch {
	case reclaimNonce != nil:
		nonce = *reclaimNonce
		if reclaimHolder != id {
			// the previous holder gives up the nonce but keeps its status
			prev, err := transferTx(wTx, reclaimHolder)
			if err != nil {
				return 0, err
			}
			prev.BlockchainNonce = nil
			prev.Updated = now
			if err := storeTransferTx(wTx, prev); err != nil {
				return 0, err
			}
		}
	case maxAssigned != nil && *maxAssigned >= latestBlockchainNonce:
		nonce = *maxAssigned + 1
	default:
		nonce = latestBlockchainNonce
	}

	// drop the slot of a nonce the transfer held before
	if transfer.BlockchainNonce != nil && *transfer.BlockchainNonce != nonce {
		if err := nonceTx.Delete(blockchainNonceKey(transfer.SourceBlockchain, *transfer.BlockchainNonce)); err != nil {
			return 0, err
		}
	}
	transfer.BlockchainNonce = &nonce
	transfer.Status = types.TransferAcceptedNewNonceAssigned
	transfer.Updated = now
	if err := storeTransferTx(wTx, transfer); err != nil {
		return 0, err
	}
	if err := nonceTx.Set(blockchainNonceKey(transfer.SourceBlockchain, nonce),
		nonceIndexValue(id, transfer.Status)); err != nil {
		return 0, err
	}
	if err := wTx.Commit(); err != nil {
		return 0, err
	}
	return nonce, nil
}

// ResetTransferNonce releases the blockchain nonce of the transfer so that a
// fresh one is assigned on the next submission attempt. The status is left
// untouched.
func (s *Storage) ResetTransferNonce(id uint64) error {
	s.globalLock.Lock()
	defer s.globalLock.Unlock()

	wTx := s.db.WriteTx()
	defer wTx.Discard()
	transfer, err := transferTx(wTx, id)
	if err != nil {
		return err
	}
	if transfer.BlockchainNonce == nil {
		return nil
	}
	nonceTx := prefixeddb.NewPrefixedWriteTx(wTx, blockchainNoncePrefix)
	if err := nonceTx.Delete(blockchainNonceKey(transfer.SourceBlockchain, *transfer.BlockchainNonce)); err != nil {
		return err
	}
	transfer.BlockchainNonce = nil
	transfer.Updated = time.Now().Unix()
	if err := storeTransferTx(wTx, transfer); err != nil {
		return err
	}
	return wTx.Commit()
}
