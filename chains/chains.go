// Package chains defines the interface between the service node and the
// blockchains it serves. Every supported blockchain family provides a Client
// implementation that knows how to validate addresses, read the node's
// on-chain registration state and submit token transfers to the Pantos Hub
// deployed on that chain.
package chains

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"github.com/pantos-io/servicenode/types"
)

var (
	// ErrUnsupported is returned when an operation refers to a blockchain
	// no active client has been configured for.
	ErrUnsupported = errors.New("blockchain not supported")
	// ErrInsufficientBalance is returned when the hub rejects a transfer
	// because the sender cannot cover the amount plus the fee.
	ErrInsufficientBalance = errors.New("insufficient balance of sender")
	// ErrInvalidSignature is returned when the forwarder rejects the
	// sender's transfer signature.
	ErrInvalidSignature = errors.New("invalid transfer signature")
	// ErrNonceTooLow is returned when a transaction is submitted with a
	// blockchain nonce that has already been consumed on chain.
	ErrNonceTooLow = errors.New("transaction nonce too low")
	// ErrUnderpriced is returned when the node pool rejects a transaction
	// because its fee is below the acceptance threshold.
	ErrUnderpriced = errors.New("transaction underpriced")
	// ErrMaxTotalFeeExceeded is returned when a transaction cannot be
	// resubmitted anymore because the configured total fee limit would be
	// exceeded.
	ErrMaxTotalFeeExceeded = errors.New("maximum total fee per gas exceeded")
	// ErrUnresolvableSubmission is returned when the status of a started
	// transaction submission cannot be determined anymore, for example
	// after a node restart.
	ErrUnresolvableSubmission = errors.New("transaction submission cannot be resolved")
)

// NonceAllocator assigns and releases the blockchain nonces used for
// transfer transactions. Implemented by the storage layer so that nonce
// bookkeeping survives restarts and failed transfers can hand their nonces
// over to newer ones.
type NonceAllocator interface {
	// AssignTransferNonce assigns a blockchain nonce to the given transfer,
	// either by reclaiming the minimum nonce held by a failed or still
	// unsubmitted transfer or by allocating a fresh one based on the latest
	// transaction count of the node's account.
	AssignTransferNonce(transferID, latestBlockchainNonce uint64) (uint64, error)
	// ResetTransferNonce releases the blockchain nonce held by the given
	// transfer so a later assignment can pick it up again.
	ResetTransferNonce(transferID uint64) error
}

// TransferSubmissionRequest carries the data needed to submit a
// single-chain token transfer to the hub of the source blockchain.
type TransferSubmissionRequest struct {
	TransferID       uint64
	SenderAddress    string
	RecipientAddress string
	TokenAddress     string
	Amount           *big.Int
	Fee              *big.Int
	SenderNonce      uint64
	ValidUntil       int64
	Signature        string
}

// TransferFromSubmissionRequest carries the data needed to submit the
// source-chain part of a cross-chain token transfer to the hub of the
// source blockchain.
type TransferFromSubmissionRequest struct {
	TransferID              uint64
	DestinationBlockchain   types.Blockchain
	SenderAddress           string
	RecipientAddress        string
	SourceTokenAddress      string
	DestinationTokenAddress string
	Amount                  *big.Int
	Fee                     *big.Int
	SenderNonce             uint64
	ValidUntil              int64
	Signature               string
}

// SubmissionStatus reports the progress of a transaction submission started
// with StartTransferSubmission or StartTransferFromSubmission.
type SubmissionStatus struct {
	// Completed is true once the transaction is either confirmed or
	// reverted on chain.
	Completed bool
	// Status is only meaningful once Completed is true. It is then either
	// types.TransferConfirmed or types.TransferReverted.
	Status types.TransferStatus
	// TransactionID is the hash of the included transaction, available
	// once the submission has completed.
	TransactionID string
	// OnChainTransferID is the transfer ID assigned by the hub on the
	// source blockchain, available once the transaction is confirmed.
	OnChainTransferID *types.BigInt
}

// NodeHealth reports the health of the configured RPC endpoints of a
// blockchain client.
type NodeHealth struct {
	Healthy   int `json:"healthy"`
	Unhealthy int `json:"unhealthy"`
}

// IsValidAddress reports whether the given address is well formed for the
// given blockchain. The check is purely syntactic and needs no configured
// client, so it also covers destination blockchains the node holds no
// client for.
func IsValidAddress(blockchain types.Blockchain, address string) bool {
	if blockchain == types.Solana {
		// Solana address handling is not available yet.
		return false
	}
	return common.IsHexAddress(address)
}

// IsValidRecipientAddress reports whether the given address is a well formed
// transfer recipient on the given blockchain. The zero address is not a
// valid recipient.
func IsValidRecipientAddress(blockchain types.Blockchain, address string) bool {
	if !IsValidAddress(blockchain, address) {
		return false
	}
	return common.HexToAddress(address) != (common.Address{})
}

// IsEqualAddress reports whether the two addresses refer to the same account
// on the given blockchain. The comparison is case insensitive.
func IsEqualAddress(blockchain types.Blockchain, address, otherAddress string) bool {
	if blockchain == types.Solana {
		return false
	}
	return common.HexToAddress(address) == common.HexToAddress(otherAddress)
}

// Client is the interface implemented by every supported blockchain family.
// Operations that are not available on a particular family return an error
// wrapping ErrUnsupported.
type Client interface {
	// Blockchain returns the blockchain served by the client.
	Blockchain() types.Blockchain
	// IsValidAddress reports whether the given address is well formed for
	// the client's blockchain.
	IsValidAddress(address string) bool
	// IsValidRecipientAddress reports whether the given address is a well
	// formed transfer recipient. The zero address is not a valid recipient.
	IsValidRecipientAddress(address string) bool
	// IsEqualAddress reports whether the two given addresses refer to the
	// same account on the client's blockchain.
	IsEqualAddress(address, otherAddress string) bool
	// HubAddress returns the address of the Pantos Hub contract the client
	// has been configured with.
	HubAddress() string
	// ForwarderAddress returns the address of the Pantos Forwarder
	// contract the client has been configured with.
	ForwarderAddress() string

	// IsNodeRegistered reports whether the service node is registered at
	// the hub of the client's blockchain.
	IsNodeRegistered(ctx context.Context) (bool, error)
	// IsUnbonding reports whether the service node has an active
	// unregistration with a pending deposit withdrawal at the hub.
	IsUnbonding(ctx context.Context) (bool, error)
	// ReadNodeURL reads the service node URL currently registered at the
	// hub.
	ReadNodeURL(ctx context.Context) (string, error)
	// ReadMinimumDeposit reads the minimum service node deposit required
	// by the hub.
	ReadMinimumDeposit(ctx context.Context) (*big.Int, error)
	// ReadOwnTokenBalance reads the service node's PAN token balance.
	ReadOwnTokenBalance(ctx context.Context) (*big.Int, error)
	// ReadValidatorFeeFactor reads the validator fee factor the hub
	// currently applies to transfers targeting the given blockchain.
	ReadValidatorFeeFactor(ctx context.Context, blockchain types.Blockchain) (uint64, error)

	// RegisterNode registers the service node at the hub with the given
	// node URL, deposit and withdrawal address.
	RegisterNode(ctx context.Context, url string, deposit *big.Int, withdrawalAddress string) error
	// UnregisterNode unregisters the service node from the hub, starting
	// the deposit withdrawal period.
	UnregisterNode(ctx context.Context) error
	// CancelUnregistration cancels a pending unregistration at the hub,
	// reactivating the node with its previous deposit.
	CancelUnregistration(ctx context.Context) error
	// UpdateNodeURL updates the service node URL registered at the hub.
	UpdateNodeURL(ctx context.Context, url string) error

	// StartTransferSubmission submits a single-chain token transfer to the
	// hub and returns a handle for querying the submission status later.
	StartTransferSubmission(ctx context.Context, request TransferSubmissionRequest) (uuid.UUID, error)
	// StartTransferFromSubmission submits the source part of a cross-chain
	// token transfer to the hub and returns a handle for querying the
	// submission status later.
	StartTransferFromSubmission(ctx context.Context, request TransferFromSubmissionRequest) (uuid.UUID, error)
	// TransferSubmissionStatus retrieves the status of a previously
	// started transfer submission. It returns an error wrapping
	// ErrUnresolvableSubmission if the handle cannot be resolved anymore.
	TransferSubmissionStatus(ctx context.Context, handle uuid.UUID,
		destination types.Blockchain) (*SubmissionStatus, error)

	// NodesHealth reports how many of the client's RPC endpoints are
	// currently healthy and how many have been disabled after failures.
	NodesHealth() NodeHealth
	// Close releases the resources held by the client.
	Close()
}

// Clients holds the active blockchain clients indexed by blockchain.
type Clients map[types.Blockchain]Client

// Get returns the client for the given blockchain or an error wrapping
// ErrUnsupported if no client has been configured for it.
func (c Clients) Get(blockchain types.Blockchain) (Client, error) {
	client, ok := c[blockchain]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupported, blockchain)
	}
	return client, nil
}

// Close closes all active clients.
func (c Clients) Close() {
	for _, client := range c {
		client.Close()
	}
}
