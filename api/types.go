package api

import (
	"github.com/pantos-io/servicenode/chains"
	"github.com/pantos-io/servicenode/types"
)

// TransferBid is the service node bid a sender attaches to a transfer
// request, previously obtained from the bids endpoint.
type TransferBid struct {
	Fee           *types.BigInt `json:"fee"`
	ExecutionTime int64         `json:"execution_time"`
	ValidUntil    int64         `json:"valid_until"`
	Signature     string        `json:"signature"`
}

// TransferRequest is the body of a new token transfer request.
type TransferRequest struct {
	SourceBlockchainID      types.Blockchain `json:"source_blockchain_id"`
	DestinationBlockchainID types.Blockchain `json:"destination_blockchain_id"`
	SenderAddress           string           `json:"sender_address"`
	RecipientAddress        string           `json:"recipient_address"`
	SourceTokenAddress      string           `json:"source_token_address"`
	DestinationTokenAddress string           `json:"destination_token_address"`
	Amount                  *types.BigInt    `json:"amount"`
	Nonce                   uint64           `json:"nonce"`
	ValidUntil              int64            `json:"valid_until"`
	Signature               string           `json:"signature"`
	Bid                     *TransferBid     `json:"bid"`
}

// TransferResponse carries the task ID assigned to an accepted transfer.
type TransferResponse struct {
	TaskID string `json:"task_id"`
}

// TransferStatusResponse is the public projection of a transfer returned by
// the transfer status endpoint. TransferID and TransactionID are empty
// strings until the transfer is confirmed on the source blockchain.
type TransferStatusResponse struct {
	TaskID                  string           `json:"task_id"`
	SourceBlockchainID      types.Blockchain `json:"source_blockchain_id"`
	DestinationBlockchainID types.Blockchain `json:"destination_blockchain_id"`
	SenderAddress           string           `json:"sender_address"`
	RecipientAddress        string           `json:"recipient_address"`
	SourceTokenAddress      string           `json:"source_token_address"`
	DestinationTokenAddress string           `json:"destination_token_address"`
	Amount                  *types.BigInt    `json:"amount"`
	Fee                     *types.BigInt    `json:"fee"`
	Status                  string           `json:"status"`
	TransferID              string           `json:"transfer_id"`
	TransactionID           string           `json:"transaction_id"`
}

// BidInfo is one active bid returned by the bids endpoint. The signature is
// minted at response time over the canonical bid message.
type BidInfo struct {
	Fee           *types.BigInt `json:"fee"`
	ExecutionTime int64         `json:"execution_time"`
	ValidUntil    int64         `json:"valid_until"`
	Signature     string        `json:"signature"`
}

// NodeHealthInfo reports the RPC endpoint health of one configured
// blockchain.
type NodeHealthInfo struct {
	Blockchain string `json:"blockchain"`
	chains.NodeHealth
}
