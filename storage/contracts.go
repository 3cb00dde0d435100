package storage

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/pantos-io/servicenode/db"
	"github.com/pantos-io/servicenode/db/prefixeddb"
	"github.com/pantos-io/servicenode/types"
)

// ContractKind distinguishes the contract registry namespaces.
type ContractKind byte

const (
	ContractHub ContractKind = iota
	ContractForwarder
	ContractToken
)

func (k ContractKind) String() string {
	switch k {
	case ContractHub:
		return "hub"
	case ContractForwarder:
		return "forwarder"
	case ContractToken:
		return "token"
	}
	return fmt.Sprintf("unknown_contract_kind_%d", byte(k))
}

// ContractRecord is an entry of the on-chain contract registry. Records are
// created the first time a contract address is referenced by a transfer and
// reused afterwards.
type ContractRecord struct {
	ID         uint64
	Kind       ContractKind
	Blockchain types.Blockchain
	Address    string
}

func contractKey(kind ContractKind, blockchain types.Blockchain, address string) []byte {
	key := []byte{byte(kind)}
	key = append(key, encodeUint32(uint32(blockchain))...)
	return append(key, []byte(address)...)
}

// contractIDTx resolves the registry ID for the given contract within the
// transaction, creating the record if it does not exist yet.
func contractIDTx(wTx db.WriteTx, kind ContractKind, blockchain types.Blockchain, address string) (uint64, error) {
	lookupTx := prefixeddb.NewPrefixedWriteTx(wTx, contractPrefix)
	key := contractKey(kind, blockchain, address)
	if data, err := lookupTx.Get(key); err == nil {
		return binary.BigEndian.Uint64(data), nil
	} else if !errors.Is(err, db.ErrKeyNotFound) {
		return 0, err
	}

	id, err := nextSequence(wTx, contractSeqKey)
	if err != nil {
		return 0, err
	}
	if err := lookupTx.Set(key, encodeUint64(id)); err != nil {
		return 0, err
	}
	record := &ContractRecord{
		ID:         id,
		Kind:       kind,
		Blockchain: blockchain,
		Address:    address,
	}
	data, err := EncodeArtifact(record)
	if err != nil {
		return 0, err
	}
	recordTx := prefixeddb.NewPrefixedWriteTx(wTx, contractIDPrefix)
	if err := recordTx.Set(encodeUint64(id), data); err != nil {
		return 0, err
	}
	return id, nil
}

// Contract returns the registry record with the given ID.
func (s *Storage) Contract(id uint64) (*ContractRecord, error) {
	record := &ContractRecord{}
	if err := s.getArtifact(contractIDPrefix, encodeUint64(id), record); err != nil {
		return nil, err
	}
	return record, nil
}

// ContractID returns the registry ID of the given contract, creating the
// record if it does not exist yet.
func (s *Storage) ContractID(kind ContractKind, blockchain types.Blockchain, address string) (uint64, error) {
	s.globalLock.Lock()
	defer s.globalLock.Unlock()

	wTx := s.db.WriteTx()
	defer wTx.Discard()
	id, err := contractIDTx(wTx, kind, blockchain, address)
	if err != nil {
		return 0, err
	}
	return id, wTx.Commit()
}
