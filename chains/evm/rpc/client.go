package rpc

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	gtypes "github.com/ethereum/go-ethereum/core/types"

	"github.com/pantos-io/servicenode/log"
)

const (
	// defaultRetries is the number of times to retry an RPC call on the
	// same endpoint before switching.
	defaultRetries = 2
	// defaultRetrySleep is the time to wait between retries on the same
	// endpoint.
	defaultRetrySleep = 200 * time.Millisecond
)

var defaultTimeout = 5 * time.Second

// permanentErrorPatterns defines error patterns that indicate failures the
// endpoint is not responsible for. Retrying them on another endpoint would
// give the same answer, so they are returned to the caller immediately
// without disabling the endpoint. Add new patterns here as they are
// discovered and confirmed.
var permanentErrorPatterns = []string{
	"execution reverted", // contract rejected the call
	"not found",          // receipt or block does not exist yet
	"nonce too low",      // account nonce already consumed
	"underpriced",        // node pool rejected the fee
	"already known",      // transaction already in the node pool
}

// IsPermanentError checks if an error represents a failure that should not
// be retried on another endpoint.
func IsPermanentError(err error) bool {
	if err == nil {
		return false
	}
	errStr := strings.ToLower(err.Error())
	for _, pattern := range permanentErrorPatterns {
		if strings.Contains(errStr, pattern) {
			return true
		}
	}
	return false
}

// Client executes JSON-RPC calls against a Pool, balancing the load between
// the available endpoints and transparently switching endpoints when one
// fails.
type Client struct {
	pool    *Pool
	name    string // blockchain name, only used for logging
	timeout time.Duration
}

// NewClient creates a client on top of the given pool. The name identifies
// the blockchain in log messages.
func NewClient(pool *Pool, name string) *Client {
	return &Client{pool: pool, name: name, timeout: defaultTimeout}
}

// Pool returns the endpoint pool the client operates on.
func (c *Client) Pool() *Pool {
	return c.pool
}

// SetTimeout overrides the per-call timeout of the client. Zero restores
// the default.
func (c *Client) SetTimeout(timeout time.Duration) {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	c.timeout = timeout
}

// ChainID returns the EIP-155 chain ID reported by the endpoints.
func (c *Client) ChainID(ctx context.Context) (*big.Int, error) {
	res, err := c.retryAndCheckErr(func(endpoint *Endpoint) (any, error) {
		internalCtx, cancel := context.WithTimeout(ctx, c.timeout)
		defer cancel()
		return endpoint.client.ChainID(internalCtx)
	})
	if err != nil {
		return nil, err
	}
	return res.(*big.Int), nil
}

// CallContract executes a read-only contract call.
func (c *Client) CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	res, err := c.retryAndCheckErr(func(endpoint *Endpoint) (any, error) {
		internalCtx, cancel := context.WithTimeout(ctx, c.timeout)
		defer cancel()
		return endpoint.client.CallContract(internalCtx, msg, blockNumber)
	})
	if err != nil {
		return nil, err
	}
	return res.([]byte), nil
}

// NonceAt returns the confirmed transaction count of the given account.
func (c *Client) NonceAt(ctx context.Context, account common.Address) (uint64, error) {
	res, err := c.retryAndCheckErr(func(endpoint *Endpoint) (any, error) {
		internalCtx, cancel := context.WithTimeout(ctx, c.timeout)
		defer cancel()
		return endpoint.client.NonceAt(internalCtx, account, nil)
	})
	if err != nil {
		return 0, err
	}
	return res.(uint64), nil
}

// BlockNumber returns the number of the most recent block.
func (c *Client) BlockNumber(ctx context.Context) (uint64, error) {
	res, err := c.retryAndCheckErr(func(endpoint *Endpoint) (any, error) {
		internalCtx, cancel := context.WithTimeout(ctx, c.timeout)
		defer cancel()
		return endpoint.client.BlockNumber(internalCtx)
	})
	if err != nil {
		return 0, err
	}
	return res.(uint64), nil
}

// HeaderByNumber returns the header of the given block, or of the latest
// block if number is nil.
func (c *Client) HeaderByNumber(ctx context.Context, number *big.Int) (*gtypes.Header, error) {
	res, err := c.retryAndCheckErr(func(endpoint *Endpoint) (any, error) {
		internalCtx, cancel := context.WithTimeout(ctx, c.timeout)
		defer cancel()
		return endpoint.client.HeaderByNumber(internalCtx, number)
	})
	if err != nil {
		return nil, err
	}
	return res.(*gtypes.Header), nil
}

// TransactionReceipt returns the receipt of a mined transaction. The error
// wraps ethereum.NotFound while the transaction is still pending.
func (c *Client) TransactionReceipt(ctx context.Context, txHash common.Hash) (*gtypes.Receipt, error) {
	res, err := c.retryAndCheckErr(func(endpoint *Endpoint) (any, error) {
		internalCtx, cancel := context.WithTimeout(ctx, c.timeout)
		defer cancel()
		return endpoint.client.TransactionReceipt(internalCtx, txHash)
	})
	if err != nil {
		return nil, err
	}
	return res.(*gtypes.Receipt), nil
}

// SendTransaction broadcasts a signed transaction.
func (c *Client) SendTransaction(ctx context.Context, tx *gtypes.Transaction) error {
	_, err := c.retryAndCheckErr(func(endpoint *Endpoint) (any, error) {
		internalCtx, cancel := context.WithTimeout(ctx, c.timeout)
		defer cancel()
		return nil, endpoint.client.SendTransaction(internalCtx, tx)
	})
	return err
}

// retryAndCheckErr retries a call with endpoint switching. The function fn
// receives a fresh endpoint on each attempt. It first retries on the
// current endpoint, and if that keeps failing, disables the endpoint and
// tries the next available one until either the call succeeds or all
// endpoints have been exhausted. Permanent errors short-circuit without
// disabling the endpoint.
func (c *Client) retryAndCheckErr(fn func(*Endpoint) (any, error)) (any, error) {
	// track tried endpoints to avoid looping over re-enabled ones
	triedEndpoints := make(map[string]bool)

	totalEndpoints := c.pool.Size()
	if totalEndpoints == 0 {
		return nil, fmt.Errorf("no endpoints configured for %s", c.name)
	}

	var lastErr error
	endpointAttempts := 0

	for endpointAttempts < totalEndpoints {
		endpoint, err := c.pool.Next()
		if err != nil {
			return nil, fmt.Errorf("error getting endpoint for %s: %w", c.name, err)
		}

		if triedEndpoints[endpoint.URI] {
			log.Errorw(lastErr, fmt.Sprintf("endpoint rotation returned already-tried endpoint %s for %s",
				endpoint.URI, c.name))
			return nil, fmt.Errorf("endpoint rotation failed for %s: %w", c.name, lastErr)
		}
		triedEndpoints[endpoint.URI] = true

		var res any
		for retry := range defaultRetries {
			res, err = fn(endpoint)
			if err == nil {
				if endpointAttempts > 0 {
					log.Infow("RPC call succeeded after endpoint switch",
						"blockchain", c.name,
						"successfulURI", endpoint.URI,
						"endpointAttempts", endpointAttempts+1,
						"retriesOnEndpoint", retry+1)
				}
				return res, nil
			}
			lastErr = err
			if IsPermanentError(err) {
				return nil, err
			}
			if retry < defaultRetries-1 {
				time.Sleep(defaultRetrySleep)
			}
		}

		log.Warnw("endpoint failed after retries, switching to next",
			"blockchain", c.name,
			"failedURI", endpoint.URI,
			"error", err,
			"retries", defaultRetries,
			"endpointAttempt", endpointAttempts+1)

		c.pool.Disable(endpoint.URI)
		endpointAttempts++
	}

	log.Errorw(lastErr, fmt.Sprintf("no more endpoints available after failures for %s, tried %d endpoints",
		c.name, len(triedEndpoints)))
	return nil, fmt.Errorf("all endpoints exhausted for %s after %d attempts: %w",
		c.name, endpointAttempts, lastErr)
}
