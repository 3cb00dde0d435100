// Package evm implements the blockchain client for the EVM-compatible
// blockchains. It talks to the Pantos Hub contract through a pool of
// JSON-RPC endpoints and submits transactions with the service node's
// account, resubmitting them with increasing fees until inclusion.
package evm

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"github.com/pantos-io/servicenode/chains"
	"github.com/pantos-io/servicenode/chains/evm/rpc"
	ethereum "github.com/pantos-io/servicenode/crypto/signatures/ethereum"
	"github.com/pantos-io/servicenode/log"
	"github.com/pantos-io/servicenode/types"
)

// startupTimeout bounds the chain ID verification when a client is created.
const startupTimeout = 10 * time.Second

// Config holds the configuration of one EVM blockchain client.
type Config struct {
	Blockchain types.Blockchain
	// ChainID is the expected EIP-155 chain ID, verified against the
	// configured endpoints at startup.
	ChainID uint64
	// RPCURLs are the JSON-RPC endpoints of the blockchain nodes.
	RPCURLs []string
	// HubAddress is the address of the Pantos Hub contract.
	HubAddress string
	// ForwarderAddress is the address of the Pantos Forwarder contract.
	ForwarderAddress string
	// PANTokenAddress is the address of the PAN token contract.
	PANTokenAddress string
	// ProviderTimeout bounds every RPC call against the configured
	// endpoints. Zero selects the rpc package default.
	ProviderTimeout time.Duration
	// Submission holds the adaptive fee parameters for transaction
	// submissions.
	Submission SubmissionConfig
}

// Client implements chains.Client for EVM-compatible blockchains.
type Client struct {
	config     Config
	blockchain types.Blockchain
	ownAddress common.Address
	pool       *rpc.Pool
	cli        *rpc.Client
	hub        *hub
	txmgr      *txManager
	nonces     chains.NonceAllocator
}

var _ chains.Client = (*Client)(nil)

// New creates a client for one EVM blockchain. It verifies that the
// configured endpoints serve the expected chain ID and starts the
// transaction monitor, which runs until the given context is cancelled or
// the client is closed.
func New(ctx context.Context, config Config, signer *ethereum.Signer,
	nonces chains.NonceAllocator,
) (*Client, error) {
	pool, err := rpc.NewPool(config.RPCURLs...)
	if err != nil {
		return nil, fmt.Errorf("failed to create endpoint pool for %s: %w",
			config.Blockchain, err)
	}
	cli := rpc.NewClient(pool, config.Blockchain.String())
	cli.SetTimeout(config.ProviderTimeout)

	startupCtx, cancel := context.WithTimeout(ctx, startupTimeout)
	defer cancel()
	remoteChainID, err := cli.ChainID(startupCtx)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to get chain ID for %s: %w", config.Blockchain, err)
	}
	if remoteChainID.Uint64() != config.ChainID {
		pool.Close()
		return nil, fmt.Errorf("chain ID mismatch for %s: configured %d, endpoints report %s",
			config.Blockchain, config.ChainID, remoteChainID)
	}

	hub, err := newHub(common.HexToAddress(config.HubAddress),
		common.HexToAddress(config.PANTokenAddress), cli)
	if err != nil {
		pool.Close()
		return nil, err
	}

	txmgr := newTxManager(cli, signer, new(big.Int).SetUint64(config.ChainID),
		config.Blockchain.String(), config.Submission)
	txmgr.Start(ctx)

	log.Infow("blockchain client initialized",
		"blockchain", config.Blockchain.String(),
		"chainID", config.ChainID,
		"address", signer.Address().Hex(),
		"hub", config.HubAddress,
		"numEndpoints", len(config.RPCURLs))

	return &Client{
		config:     config,
		blockchain: config.Blockchain,
		ownAddress: signer.Address(),
		pool:       pool,
		cli:        cli,
		hub:        hub,
		txmgr:      txmgr,
		nonces:     nonces,
	}, nil
}

// Blockchain returns the blockchain served by the client.
func (c *Client) Blockchain() types.Blockchain {
	return c.blockchain
}

// IsValidAddress reports whether the given address is a well formed EVM
// address.
func (c *Client) IsValidAddress(address string) bool {
	return chains.IsValidAddress(c.blockchain, address)
}

// IsValidRecipientAddress reports whether the given address is a well
// formed EVM address different from the zero address.
func (c *Client) IsValidRecipientAddress(address string) bool {
	return chains.IsValidRecipientAddress(c.blockchain, address)
}

// IsEqualAddress reports whether the two addresses refer to the same
// account. The comparison is case insensitive.
func (c *Client) IsEqualAddress(address, otherAddress string) bool {
	return chains.IsEqualAddress(c.blockchain, address, otherAddress)
}

// HubAddress returns the configured Pantos Hub address.
func (c *Client) HubAddress() string {
	return c.config.HubAddress
}

// ForwarderAddress returns the configured Pantos Forwarder address.
func (c *Client) ForwarderAddress() string {
	return c.config.ForwarderAddress
}

// IsNodeRegistered reports whether the service node is registered and
// active at the hub.
func (c *Client) IsNodeRegistered(ctx context.Context) (bool, error) {
	record, err := c.hub.readServiceNodeRecord(ctx, c.ownAddress)
	if err != nil {
		return false, fmt.Errorf("unable to determine if the service node is registered on %s: %w",
			c.blockchain, err)
	}
	return record.Active, nil
}

// IsUnbonding reports whether the service node has a pending
// unregistration with the deposit not withdrawn yet.
func (c *Client) IsUnbonding(ctx context.Context) (bool, error) {
	unbonding, err := c.hub.readIsUnbonding(ctx, c.ownAddress)
	if err != nil {
		return false, fmt.Errorf("unable to determine if the service node is unbonding on %s: %w",
			c.blockchain, err)
	}
	return unbonding, nil
}

// ReadNodeURL reads the service node URL registered at the hub.
func (c *Client) ReadNodeURL(ctx context.Context) (string, error) {
	record, err := c.hub.readServiceNodeRecord(ctx, c.ownAddress)
	if err != nil {
		return "", fmt.Errorf("unable to read the service node URL on %s: %w",
			c.blockchain, err)
	}
	return record.Url, nil
}

// ReadMinimumDeposit reads the minimum service node deposit required by
// the hub.
func (c *Client) ReadMinimumDeposit(ctx context.Context) (*big.Int, error) {
	deposit, err := c.hub.readMinimumDeposit(ctx)
	if err != nil {
		return nil, fmt.Errorf("unable to read the minimum service node deposit on %s: %w",
			c.blockchain, err)
	}
	return deposit, nil
}

// ReadOwnTokenBalance reads the service node's PAN token balance.
func (c *Client) ReadOwnTokenBalance(ctx context.Context) (*big.Int, error) {
	balance, err := c.hub.readTokenBalance(ctx, c.ownAddress)
	if err != nil {
		return nil, fmt.Errorf("unable to read the service node's token balance on %s: %w",
			c.blockchain, err)
	}
	return balance, nil
}

// ReadValidatorFeeFactor reads the validator fee factor the hub currently
// applies to transfers targeting the given blockchain.
func (c *Client) ReadValidatorFeeFactor(ctx context.Context, blockchain types.Blockchain) (uint64, error) {
	record, err := c.hub.readValidatorFeeRecord(ctx, int64(blockchain))
	if err != nil {
		return 0, fmt.Errorf("unable to read the validator fee factor for %s on %s: %w",
			blockchain, c.blockchain, err)
	}
	factor := record.currentFactor(time.Now().Unix())
	if factor == nil {
		return 0, fmt.Errorf("invalid validator fee record for %s on %s", blockchain, c.blockchain)
	}
	return factor.Uint64(), nil
}

// RegisterNode registers the service node at the hub. A positive deposit
// is approved on the PAN token first, with the registration submitted at
// the following blockchain nonce.
func (c *Client) RegisterNode(ctx context.Context, url string, deposit *big.Int,
	withdrawalAddress string,
) error {
	nonce, err := c.cli.NonceAt(ctx, c.ownAddress)
	if err != nil {
		return fmt.Errorf("unable to register the service node on %s: %w", c.blockchain, err)
	}
	if deposit != nil && deposit.Sign() > 0 {
		data, err := c.hub.approveData(deposit)
		if err != nil {
			return fmt.Errorf("unable to register the service node on %s: %w", c.blockchain, err)
		}
		handle, err := c.txmgr.Submit(ctx, c.hub.panToken, data, tokenApproveGas, nonce)
		if err != nil {
			return fmt.Errorf("unable to approve the service node deposit on %s: %w",
				c.blockchain, err)
		}
		log.Infow("node deposit allowance submitted",
			"blockchain", c.blockchain.String(),
			"deposit", deposit,
			"submission", handle)
		nonce++
	}
	data, err := c.hub.registerServiceNodeData(c.ownAddress, url, deposit,
		common.HexToAddress(withdrawalAddress))
	if err != nil {
		return fmt.Errorf("unable to register the service node on %s: %w", c.blockchain, err)
	}
	handle, err := c.txmgr.Submit(ctx, c.hub.address, data, hubRegisterServiceNodeGas, nonce)
	if err != nil {
		return fmt.Errorf("unable to register the service node on %s: %w", c.blockchain, err)
	}
	log.Infow("node registration submitted",
		"blockchain", c.blockchain.String(),
		"url", url,
		"deposit", deposit,
		"submission", handle)
	return nil
}

// UnregisterNode unregisters the service node from the hub.
func (c *Client) UnregisterNode(ctx context.Context) error {
	nonce, err := c.cli.NonceAt(ctx, c.ownAddress)
	if err != nil {
		return fmt.Errorf("unable to unregister the service node on %s: %w", c.blockchain, err)
	}
	data, err := c.hub.unregisterServiceNodeData(c.ownAddress)
	if err != nil {
		return fmt.Errorf("unable to unregister the service node on %s: %w", c.blockchain, err)
	}
	handle, err := c.txmgr.Submit(ctx, c.hub.address, data, hubUnregisterServiceNodeGas, nonce)
	if err != nil {
		return fmt.Errorf("unable to unregister the service node on %s: %w", c.blockchain, err)
	}
	log.Infow("node unregistration submitted",
		"blockchain", c.blockchain.String(),
		"submission", handle)
	return nil
}

// CancelUnregistration cancels a pending unregistration at the hub.
func (c *Client) CancelUnregistration(ctx context.Context) error {
	nonce, err := c.cli.NonceAt(ctx, c.ownAddress)
	if err != nil {
		return fmt.Errorf("unable to cancel the service node unregistration on %s: %w",
			c.blockchain, err)
	}
	data, err := c.hub.cancelUnregistrationData(c.ownAddress)
	if err != nil {
		return fmt.Errorf("unable to cancel the service node unregistration on %s: %w",
			c.blockchain, err)
	}
	handle, err := c.txmgr.Submit(ctx, c.hub.address, data, hubCancelUnregistrationGas, nonce)
	if err != nil {
		return fmt.Errorf("unable to cancel the service node unregistration on %s: %w",
			c.blockchain, err)
	}
	log.Infow("node cancel unregistration submitted",
		"blockchain", c.blockchain.String(),
		"submission", handle)
	return nil
}

// UpdateNodeURL updates the service node URL registered at the hub.
func (c *Client) UpdateNodeURL(ctx context.Context, url string) error {
	nonce, err := c.cli.NonceAt(ctx, c.ownAddress)
	if err != nil {
		return fmt.Errorf("unable to update the service node URL on %s: %w", c.blockchain, err)
	}
	data, err := c.hub.updateNodeURLData(url)
	if err != nil {
		return fmt.Errorf("unable to update the service node URL on %s: %w", c.blockchain, err)
	}
	handle, err := c.txmgr.Submit(ctx, c.hub.address, data, hubUpdateNodeURLGas, nonce)
	if err != nil {
		return fmt.Errorf("unable to update the service node URL on %s: %w", c.blockchain, err)
	}
	log.Infow("node URL update submitted",
		"blockchain", c.blockchain.String(),
		"url", url,
		"submission", handle)
	return nil
}

// StartTransferSubmission submits a single-chain token transfer to the
// hub. The transfer is verified first, then a blockchain nonce is assigned
// through the nonce allocator and the transaction is handed to the
// transaction manager. A nonce related rejection releases the assigned
// nonce again before the error is returned.
func (c *Client) StartTransferSubmission(ctx context.Context,
	request chains.TransferSubmissionRequest,
) (uuid.UUID, error) {
	onChainRequest := transferRequest{
		Sender:      common.HexToAddress(request.SenderAddress),
		Recipient:   common.HexToAddress(request.RecipientAddress),
		Token:       common.HexToAddress(request.TokenAddress),
		Amount:      request.Amount,
		ServiceNode: c.ownAddress,
		Fee:         request.Fee,
		Nonce:       new(big.Int).SetUint64(request.SenderNonce),
		ValidUntil:  big.NewInt(request.ValidUntil),
	}
	signature := common.FromHex(request.Signature)
	if err := c.hub.verifyTransfer(ctx, onChainRequest, signature); err != nil {
		return uuid.Nil, err
	}
	data, err := c.hub.transferData(onChainRequest, signature)
	if err != nil {
		return uuid.Nil, err
	}
	return c.submitTransfer(ctx, request.TransferID, data, hubTransferGas)
}

// StartTransferFromSubmission submits the source part of a cross-chain
// token transfer to the hub.
func (c *Client) StartTransferFromSubmission(ctx context.Context,
	request chains.TransferFromSubmissionRequest,
) (uuid.UUID, error) {
	onChainRequest := transferFromRequest{
		DestinationBlockchainId: big.NewInt(int64(request.DestinationBlockchain)),
		Sender:                  common.HexToAddress(request.SenderAddress),
		Recipient:               request.RecipientAddress,
		SourceToken:             common.HexToAddress(request.SourceTokenAddress),
		DestinationToken:        request.DestinationTokenAddress,
		Amount:                  request.Amount,
		ServiceNode:             c.ownAddress,
		Fee:                     request.Fee,
		Nonce:                   new(big.Int).SetUint64(request.SenderNonce),
		ValidUntil:              big.NewInt(request.ValidUntil),
	}
	signature := common.FromHex(request.Signature)
	if err := c.hub.verifyTransferFrom(ctx, onChainRequest, signature); err != nil {
		return uuid.Nil, err
	}
	data, err := c.hub.transferFromData(onChainRequest, signature)
	if err != nil {
		return uuid.Nil, err
	}
	return c.submitTransfer(ctx, request.TransferID, data, hubTransferFromGas)
}

// submitTransfer assigns a blockchain nonce to the transfer and hands the
// prepared calldata to the transaction manager.
func (c *Client) submitTransfer(ctx context.Context, transferID uint64,
	data []byte, gas uint64,
) (uuid.UUID, error) {
	txCount, err := c.cli.NonceAt(ctx, c.ownAddress)
	if err != nil {
		return uuid.Nil, fmt.Errorf("failed to get transaction count: %w", err)
	}
	nonce, err := c.nonces.AssignTransferNonce(transferID, txCount)
	if err != nil {
		return uuid.Nil, fmt.Errorf("failed to assign a blockchain nonce: %w", err)
	}
	handle, err := c.txmgr.Submit(ctx, c.hub.address, data, gas, nonce)
	if err != nil {
		if errors.Is(err, chains.ErrNonceTooLow) || errors.Is(err, chains.ErrUnderpriced) {
			if resetErr := c.nonces.ResetTransferNonce(transferID); resetErr != nil {
				log.Warnw("failed to reset the transfer nonce",
					"blockchain", c.blockchain.String(),
					"transferID", transferID,
					"error", resetErr)
			}
		}
		return uuid.Nil, err
	}
	return handle, nil
}

// TransferSubmissionStatus retrieves the status of a previously started
// transfer submission. Once the transaction is confirmed, the on-chain
// transfer ID is extracted from the transfer event emitted by the hub.
func (c *Client) TransferSubmissionStatus(ctx context.Context, handle uuid.UUID,
	destination types.Blockchain,
) (*chains.SubmissionStatus, error) {
	result, err := c.txmgr.Status(handle)
	if err != nil {
		return nil, err
	}
	if !result.completed {
		return &chains.SubmissionStatus{}, nil
	}
	status := &chains.SubmissionStatus{
		Completed:     true,
		Status:        types.TransferReverted,
		TransactionID: result.txHash.Hex(),
	}
	if result.succeeded {
		status.Status = types.TransferConfirmed
		onChainID, err := c.hub.onChainTransferID(result.logs, destination != c.blockchain)
		if err != nil {
			return nil, fmt.Errorf("unable to read the on-chain transfer ID on %s: %w",
				c.blockchain, err)
		}
		status.OnChainTransferID = types.BigIntConverter(onChainID)
	}
	return status, nil
}

// NodesHealth reports the current endpoint pool state.
func (c *Client) NodesHealth() chains.NodeHealth {
	return chains.NodeHealth{
		Healthy:   c.pool.Available(),
		Unhealthy: c.pool.Disabled(),
	}
}

// Close stops the transaction monitor and closes the endpoint pool.
func (c *Client) Close() {
	c.txmgr.Stop()
	c.pool.Close()
}
