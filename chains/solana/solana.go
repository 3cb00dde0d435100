// Package solana holds the placeholder client for the Solana blockchain.
// Transfers and node management are not available yet, so every operation
// reports the blockchain as unsupported. Registration probes still answer
// so that startup checks over all configured blockchains can pass.
package solana

import (
	"context"
	"fmt"
	"math/big"

	"github.com/google/uuid"

	"github.com/pantos-io/servicenode/chains"
	"github.com/pantos-io/servicenode/types"
)

// Client is the placeholder chains.Client for Solana.
type Client struct{}

var _ chains.Client = (*Client)(nil)

// New creates the placeholder Solana client.
func New() *Client {
	return &Client{}
}

func errUnsupported(operation string) error {
	return fmt.Errorf("%w: %s on %s", chains.ErrUnsupported, operation, types.Solana)
}

// Blockchain returns the blockchain served by the client.
func (c *Client) Blockchain() types.Blockchain {
	return types.Solana
}

// IsValidAddress reports false until Solana address handling is available.
func (c *Client) IsValidAddress(address string) bool {
	return chains.IsValidAddress(types.Solana, address)
}

// IsValidRecipientAddress reports false until Solana address handling is
// available.
func (c *Client) IsValidRecipientAddress(address string) bool {
	return chains.IsValidRecipientAddress(types.Solana, address)
}

// IsEqualAddress reports false until Solana address handling is available.
func (c *Client) IsEqualAddress(address, otherAddress string) bool {
	return chains.IsEqualAddress(types.Solana, address, otherAddress)
}

// HubAddress returns an empty address since no hub is deployed on Solana.
func (c *Client) HubAddress() string {
	return ""
}

// ForwarderAddress returns an empty address since no forwarder is deployed
// on Solana.
func (c *Client) ForwarderAddress() string {
	return ""
}

// IsNodeRegistered reports that the service node is not registered.
func (c *Client) IsNodeRegistered(context.Context) (bool, error) {
	return false, nil
}

// IsUnbonding reports the blockchain as unsupported.
func (c *Client) IsUnbonding(context.Context) (bool, error) {
	return false, errUnsupported("unbonding status")
}

// ReadNodeURL reports the blockchain as unsupported.
func (c *Client) ReadNodeURL(context.Context) (string, error) {
	return "", errUnsupported("node URL")
}

// ReadMinimumDeposit reports the blockchain as unsupported.
func (c *Client) ReadMinimumDeposit(context.Context) (*big.Int, error) {
	return nil, errUnsupported("minimum deposit")
}

// ReadOwnTokenBalance reports the blockchain as unsupported.
func (c *Client) ReadOwnTokenBalance(context.Context) (*big.Int, error) {
	return nil, errUnsupported("token balance")
}

// ReadValidatorFeeFactor reports the blockchain as unsupported.
func (c *Client) ReadValidatorFeeFactor(context.Context, types.Blockchain) (uint64, error) {
	return 0, errUnsupported("validator fee factor")
}

// RegisterNode reports the blockchain as unsupported.
func (c *Client) RegisterNode(context.Context, string, *big.Int, string) error {
	return errUnsupported("node registration")
}

// UnregisterNode reports the blockchain as unsupported.
func (c *Client) UnregisterNode(context.Context) error {
	return errUnsupported("node unregistration")
}

// CancelUnregistration reports the blockchain as unsupported.
func (c *Client) CancelUnregistration(context.Context) error {
	return errUnsupported("cancelling the node unregistration")
}

// UpdateNodeURL reports the blockchain as unsupported.
func (c *Client) UpdateNodeURL(context.Context, string) error {
	return errUnsupported("node URL update")
}

// StartTransferSubmission reports the blockchain as unsupported.
func (c *Client) StartTransferSubmission(context.Context,
	chains.TransferSubmissionRequest,
) (uuid.UUID, error) {
	return uuid.Nil, errUnsupported("transfer submission")
}

// StartTransferFromSubmission reports the blockchain as unsupported.
func (c *Client) StartTransferFromSubmission(context.Context,
	chains.TransferFromSubmissionRequest,
) (uuid.UUID, error) {
	return uuid.Nil, errUnsupported("transferFrom submission")
}

// TransferSubmissionStatus reports the blockchain as unsupported.
func (c *Client) TransferSubmissionStatus(context.Context, uuid.UUID,
	types.Blockchain,
) (*chains.SubmissionStatus, error) {
	return nil, errUnsupported("transfer submission status")
}

// NodesHealth reports no configured blockchain nodes.
func (c *Client) NodesHealth() chains.NodeHealth {
	return chains.NodeHealth{}
}

// Close is a no-op.
func (c *Client) Close() {}
