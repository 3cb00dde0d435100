package storage

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/pantos-io/servicenode/db"
	"github.com/pantos-io/servicenode/db/prefixeddb"
	"github.com/pantos-io/servicenode/types"
)

// Transfer is the authoritative record of a token transfer accepted by the
// service node. The immutable request fields are set on create; task ID,
// transaction references, blockchain nonce and status evolve as the
// transfer moves through its lifecycle.
type Transfer struct {
	ID                      uint64
	SourceBlockchain        types.Blockchain
	DestinationBlockchain   types.Blockchain
	SenderAddress           string
	RecipientAddress        string
	SourceTokenAddress      string
	DestinationTokenAddress string
	Amount                  *types.BigInt
	Fee                     *types.BigInt
	SenderNonce             *uint64 // released (nil) when the transfer fails or reverts
	Signature               string
	HubID                   uint64
	HubAddress              string
	ForwarderID             uint64
	ForwarderAddress        string

	TaskID            string
	OnChainTransferID *types.BigInt
	TransactionID     string
	BlockchainNonce   *uint64
	Status            types.TransferStatus
	Created           int64
	Updated           int64
}

// CreateTransferParams holds the immutable fields of a new transfer.
type CreateTransferParams struct {
	SourceBlockchain        types.Blockchain
	DestinationBlockchain   types.Blockchain
	SenderAddress           string
	RecipientAddress        string
	SourceTokenAddress      string
	DestinationTokenAddress string
	Amount                  *types.BigInt
	Fee                     *types.BigInt
	SenderNonce             uint64
	Signature               string
	HubAddress              string
	ForwarderAddress        string
}

func senderNonceKey(forwarderID uint64, senderAddress string, senderNonce uint64) []byte {
	key := encodeUint64(forwarderID)
	key = append(key, []byte(senderAddress)...)
	return append(key, encodeUint64(senderNonce)...)
}

// CreateTransfer persists a new transfer with status ACCEPTED, registering
// the referenced hub, forwarder and token contracts on first use. It
// returns ErrSenderNonceNotUnique if another transfer of the same sender
// already occupies the sender nonce at the same forwarder.
func (s *Storage) CreateTransfer(params CreateTransferParams) (*Transfer, error) {
	s.globalLock.Lock()
	defer s.globalLock.Unlock()

	wTx := s.db.WriteTx()
	defer wTx.Discard()

	// contract registry rows are created on first reference
	if _, err := contractIDTx(wTx, ContractToken, params.SourceBlockchain, params.SourceTokenAddress); err != nil {
		return nil, err
	}
	if _, err := contractIDTx(wTx, ContractToken, params.DestinationBlockchain, params.DestinationTokenAddress); err != nil {
		return nil, err
	}
	hubID, err := contractIDTx(wTx, ContractHub, params.SourceBlockchain, params.HubAddress)
	if err != nil {
		return nil, err
	}
	forwarderID, err := contractIDTx(wTx, ContractForwarder, params.SourceBlockchain, params.ForwarderAddress)
	if err != nil {
		return nil, err
	}

	// the sender nonce must be unique per forwarder and sender among all
	// transfers that have not failed or reverted
	nonceTx := prefixeddb.NewPrefixedWriteTx(wTx, senderNoncePrefix)
	nonceKey := senderNonceKey(forwarderID, params.SenderAddress, params.SenderNonce)
	if _, err := nonceTx.Get(nonceKey); err == nil {
		return nil, ErrSenderNonceNotUnique
	} else if !errors.Is(err, db.ErrKeyNotFound) {
		return nil, err
	}

	id, err := nextSequence(wTx, transferSeqKey)
	if err != nil {
		return nil, err
	}
	now := time.Now().Unix()
	senderNonce := params.SenderNonce
	transfer := &Transfer{
		ID:                      id,
		SourceBlockchain:        params.SourceBlockchain,
		DestinationBlockchain:   params.DestinationBlockchain,
		SenderAddress:           params.SenderAddress,
		RecipientAddress:        params.RecipientAddress,
		SourceTokenAddress:      params.SourceTokenAddress,
		DestinationTokenAddress: params.DestinationTokenAddress,
		Amount:                  params.Amount,
		Fee:                     params.Fee,
		SenderNonce:             &senderNonce,
		Signature:               params.Signature,
		HubID:                   hubID,
		HubAddress:              params.HubAddress,
		ForwarderID:             forwarderID,
		ForwarderAddress:        params.ForwarderAddress,
		Status:                  types.TransferAccepted,
		Created:                 now,
		Updated:                 now,
	}
	if err := storeTransferTx(wTx, transfer); err != nil {
		return nil, err
	}
	if err := nonceTx.Set(nonceKey, encodeUint64(id)); err != nil {
		return nil, err
	}
	if err := wTx.Commit(); err != nil {
		return nil, err
	}
	return transfer, nil
}

// Transfer returns the transfer with the given internal ID.
func (s *Storage) Transfer(id uint64) (*Transfer, error) {
	transfer := &Transfer{}
	if err := s.getArtifact(transferPrefix, encodeUint64(id), transfer); err != nil {
		return nil, err
	}
	return transfer, nil
}

// TransferByTaskID returns the transfer associated with the given task.
func (s *Storage) TransferByTaskID(taskID uuid.UUID) (*Transfer, error) {
	if id, ok := s.taskCache.Get(taskID.String()); ok {
		return s.Transfer(id)
	}
	data, err := prefixeddb.NewPrefixedReader(s.db, transferTaskPrefix).Get(taskID[:])
	if err != nil {
		return nil, ErrNotFound
	}
	id := binary.BigEndian.Uint64(data)
	s.taskCache.Add(taskID.String(), id)
	return s.Transfer(id)
}

// UpdateTransferTaskID writes back the task ID assigned to the transfer.
func (s *Storage) UpdateTransferTaskID(id uint64, taskID uuid.UUID) error {
	s.globalLock.Lock()
	defer s.globalLock.Unlock()

	wTx := s.db.WriteTx()
	defer wTx.Discard()
	transfer, err := transferTx(wTx, id)
	if err != nil {
		return err
	}
	transfer.TaskID = taskID.String()
	transfer.Updated = time.Now().Unix()
	if err := storeTransferTx(wTx, transfer); err != nil {
		return err
	}
	indexTx := prefixeddb.NewPrefixedWriteTx(wTx, transferTaskPrefix)
	if err := indexTx.Set(taskID[:], encodeUint64(id)); err != nil {
		return err
	}
	if err := wTx.Commit(); err != nil {
		return err
	}
	s.taskCache.Add(taskID.String(), id)
	return nil
}

// UpdateTransferStatus updates the status of a transfer. When the transfer
// fails or reverts, its sender nonce is released so that the sender can use
// the nonce again.
func (s *Storage) UpdateTransferStatus(id uint64, status types.TransferStatus) error {
	s.globalLock.Lock()
	defer s.globalLock.Unlock()

	wTx := s.db.WriteTx()
	defer wTx.Discard()
	transfer, err := transferTx(wTx, id)
	if err != nil {
		return err
	}
	transfer.Status = status
	transfer.Updated = time.Now().Unix()
	if status == types.TransferFailed || status == types.TransferReverted {
		if transfer.SenderNonce != nil {
			nonceTx := prefixeddb.NewPrefixedWriteTx(wTx, senderNoncePrefix)
			nonceKey := senderNonceKey(transfer.ForwarderID, transfer.SenderAddress, *transfer.SenderNonce)
			if err := nonceTx.Delete(nonceKey); err != nil {
				return err
			}
			transfer.SenderNonce = nil
		}
	}
	if transfer.BlockchainNonce != nil {
		// keep the status stored in the blockchain nonce index current,
		// the nonce allocator relies on it to find reclaimable nonces
		nonceTx := prefixeddb.NewPrefixedWriteTx(wTx, blockchainNoncePrefix)
		nonceKey := blockchainNonceKey(transfer.SourceBlockchain, *transfer.BlockchainNonce)
		if err := nonceTx.Set(nonceKey, nonceIndexValue(id, status)); err != nil {
			return err
		}
	}
	if err := storeTransferTx(wTx, transfer); err != nil {
		return err
	}
	return wTx.Commit()
}

// UpdateTransferTransactionID records the hash of the transaction that is
// carrying the transfer on the source blockchain.
func (s *Storage) UpdateTransferTransactionID(id uint64, transactionID string) error {
	s.globalLock.Lock()
	defer s.globalLock.Unlock()

	wTx := s.db.WriteTx()
	defer wTx.Discard()
	transfer, err := transferTx(wTx, id)
	if err != nil {
		return err
	}

	indexTx := prefixeddb.NewPrefixedWriteTx(wTx, transactionIDPrefix)
	indexKey := append(encodeUint32(uint32(transfer.SourceBlockchain)), []byte(transactionID)...)
	if data, err := indexTx.Get(indexKey); err == nil {
		if holder := binary.BigEndian.Uint64(data); holder != id {
			return fmt.Errorf("transaction %s on %s already recorded for transfer %d",
				transactionID, transfer.SourceBlockchain, holder)
		}
	} else if !errors.Is(err, db.ErrKeyNotFound) {
		return err
	}

	// remove the index entry of a previously recorded transaction hash
	// (the transfer may have been resubmitted with a different one)
	if transfer.TransactionID != "" && transfer.TransactionID != transactionID {
		oldKey := append(encodeUint32(uint32(transfer.SourceBlockchain)), []byte(transfer.TransactionID)...)
		if err := indexTx.Delete(oldKey); err != nil {
			return err
		}
	}

	transfer.TransactionID = transactionID
	transfer.Updated = time.Now().Unix()
	if err := storeTransferTx(wTx, transfer); err != nil {
		return err
	}
	if err := indexTx.Set(indexKey, encodeUint64(id)); err != nil {
		return err
	}
	return wTx.Commit()
}

// UpdateOnChainTransferID records the transfer ID assigned by the hub
// contract once the transfer is confirmed on the source blockchain.
func (s *Storage) UpdateOnChainTransferID(id uint64, onChainTransferID *types.BigInt) error {
	s.globalLock.Lock()
	defer s.globalLock.Unlock()

	wTx := s.db.WriteTx()
	defer wTx.Discard()
	transfer, err := transferTx(wTx, id)
	if err != nil {
		return err
	}

	indexTx := prefixeddb.NewPrefixedWriteTx(wTx, onChainIDPrefix)
	indexKey := append(encodeUint64(transfer.HubID), onChainTransferID.Bytes()...)
	if data, err := indexTx.Get(indexKey); err == nil {
		if holder := binary.BigEndian.Uint64(data); holder != id {
			return fmt.Errorf("on-chain transfer ID %s at hub %s already recorded for transfer %d",
				onChainTransferID, transfer.HubAddress, holder)
		}
	} else if !errors.Is(err, db.ErrKeyNotFound) {
		return err
	}

	transfer.OnChainTransferID = onChainTransferID
	transfer.Updated = time.Now().Unix()
	if err := storeTransferTx(wTx, transfer); err != nil {
		return err
	}
	if err := indexTx.Set(indexKey, encodeUint64(id)); err != nil {
		return err
	}
	return wTx.Commit()
}

// transferTx loads a transfer within the given transaction.
func transferTx(wTx db.WriteTx, id uint64) (*Transfer, error) {
	data, err := prefixeddb.NewPrefixedWriteTx(wTx, transferPrefix).Get(encodeUint64(id))
	if err != nil {
		if errors.Is(err, db.ErrKeyNotFound) {
			return nil, fmt.Errorf("%w: unknown internal transfer ID %d", ErrNotFound, id)
		}
		return nil, err
	}
	transfer := &Transfer{}
	if err := DecodeArtifact(data, transfer); err != nil {
		return nil, err
	}
	return transfer, nil
}

// storeTransferTx persists a transfer within the given transaction.
func storeTransferTx(wTx db.WriteTx, transfer *Transfer) error {
	data, err := EncodeArtifact(transfer)
	if err != nil {
		return err
	}
	return prefixeddb.NewPrefixedWriteTx(wTx, transferPrefix).Set(encodeUint64(transfer.ID), data)
}
