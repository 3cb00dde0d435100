package storage

import (
	"testing"

	qt "github.com/frankban/quicktest"

	"github.com/pantos-io/servicenode/types"
)

func TestAssignTransferNonce(t *testing.T) {
	c := qt.New(t)
	stg := newTestStorage(t)
	defer stg.Close()

	t1, err := stg.CreateTransfer(mkTransferParams(testSender, 1))
	c.Assert(err, qt.IsNil)
	t2, err := stg.CreateTransfer(mkTransferParams(testSender, 2))
	c.Assert(err, qt.IsNil)
	t3, err := stg.CreateTransfer(mkTransferParams(testSender, 3))
	c.Assert(err, qt.IsNil)

	// the first assignment adopts the blockchain's nonce
	nonce, err := stg.AssignTransferNonce(t1.ID, 5)
	c.Assert(err, qt.IsNil)
	c.Assert(nonce, qt.Equals, uint64(5))
	stored, err := stg.Transfer(t1.ID)
	c.Assert(err, qt.IsNil)
	c.Assert(*stored.BlockchainNonce, qt.Equals, uint64(5))
	c.Assert(stored.Status, qt.Equals, types.TransferAcceptedNewNonceAssigned)

	// the blockchain has not moved, continue after the highest assigned nonce
	nonce, err = stg.AssignTransferNonce(t2.ID, 5)
	c.Assert(err, qt.IsNil)
	c.Assert(nonce, qt.Equals, uint64(6))

	// the blockchain is ahead of every assigned nonce, jump to it
	nonce, err = stg.AssignTransferNonce(t3.ID, 10)
	c.Assert(err, qt.IsNil)
	c.Assert(nonce, qt.Equals, uint64(10))
}

func TestAssignTransferNonce_Reclaim(t *testing.T) {
	c := qt.New(t)
	stg := newTestStorage(t)
	defer stg.Close()

	transfers := make([]*Transfer, 6)
	for i := range transfers {
		transfer, err := stg.CreateTransfer(mkTransferParams(testSender, uint64(i)))
		c.Assert(err, qt.IsNil)
		transfers[i] = transfer
	}
	for i, transfer := range transfers[:3] {
		nonce, err := stg.AssignTransferNonce(transfer.ID, 5)
		c.Assert(err, qt.IsNil)
		c.Assert(nonce, qt.Equals, uint64(5+i))
	}
	c.Assert(stg.UpdateTransferStatus(transfers[0].ID, types.TransferSubmitted), qt.IsNil)
	c.Assert(stg.UpdateTransferStatus(transfers[1].ID, types.TransferFailed), qt.IsNil)
	c.Assert(stg.UpdateTransferStatus(transfers[2].ID, types.TransferFailed), qt.IsNil)

	// the lowest nonce held by a failed transfer is reclaimed first
	nonce, err := stg.AssignTransferNonce(transfers[3].ID, 8)
	c.Assert(err, qt.IsNil)
	c.Assert(nonce, qt.Equals, uint64(6))
	stored, err := stg.Transfer(transfers[3].ID)
	c.Assert(err, qt.IsNil)
	c.Assert(*stored.BlockchainNonce, qt.Equals, uint64(6))
	c.Assert(stored.Status, qt.Equals, types.TransferAcceptedNewNonceAssigned)

	// the previous holder lost the nonce but keeps its status
	prev, err := stg.Transfer(transfers[1].ID)
	c.Assert(err, qt.IsNil)
	c.Assert(prev.BlockchainNonce, qt.IsNil)
	c.Assert(prev.Status, qt.Equals, types.TransferFailed)

	nonce, err = stg.AssignTransferNonce(transfers[4].ID, 8)
	c.Assert(err, qt.IsNil)
	c.Assert(nonce, qt.Equals, uint64(7))

	// nothing left to reclaim, fall back to the blockchain's nonce
	nonce, err = stg.AssignTransferNonce(transfers[5].ID, 8)
	c.Assert(err, qt.IsNil)
	c.Assert(nonce, qt.Equals, uint64(8))
}

func TestAssignTransferNonce_SelfReclaim(t *testing.T) {
	c := qt.New(t)
	stg := newTestStorage(t)
	defer stg.Close()

	transfer, err := stg.CreateTransfer(mkTransferParams(testSender, 1))
	c.Assert(err, qt.IsNil)
	nonce, err := stg.AssignTransferNonce(transfer.ID, 5)
	c.Assert(err, qt.IsNil)
	c.Assert(nonce, qt.Equals, uint64(5))
	c.Assert(stg.UpdateTransferStatus(transfer.ID, types.TransferFailed), qt.IsNil)

	// a failed transfer reclaims its own nonce on a retry
	nonce, err = stg.AssignTransferNonce(transfer.ID, 9)
	c.Assert(err, qt.IsNil)
	c.Assert(nonce, qt.Equals, uint64(5))
	stored, err := stg.Transfer(transfer.ID)
	c.Assert(err, qt.IsNil)
	c.Assert(*stored.BlockchainNonce, qt.Equals, uint64(5))
	c.Assert(stored.Status, qt.Equals, types.TransferAcceptedNewNonceAssigned)
}

func TestResetTransferNonce(t *testing.T) {
	c := qt.New(t)
	stg := newTestStorage(t)
	defer stg.Close()

	transfer, err := stg.CreateTransfer(mkTransferParams(testSender, 1))
	c.Assert(err, qt.IsNil)
	_, err = stg.AssignTransferNonce(transfer.ID, 5)
	c.Assert(err, qt.IsNil)

	c.Assert(stg.ResetTransferNonce(transfer.ID), qt.IsNil)
	stored, err := stg.Transfer(transfer.ID)
	c.Assert(err, qt.IsNil)
	c.Assert(stored.BlockchainNonce, qt.IsNil)
	c.Assert(stored.Status, qt.Equals, types.TransferAcceptedNewNonceAssigned)

	// resetting again is a no-op
	c.Assert(stg.ResetTransferNonce(transfer.ID), qt.IsNil)

	// the released slot no longer counts as assigned
	other, err := stg.CreateTransfer(mkTransferParams(testSender, 2))
	c.Assert(err, qt.IsNil)
	nonce, err := stg.AssignTransferNonce(other.ID, 5)
	c.Assert(err, qt.IsNil)
	c.Assert(nonce, qt.Equals, uint64(5))
}
