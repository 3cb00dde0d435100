package evm

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	gtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/google/uuid"

	"github.com/pantos-io/servicenode/chains"
	"github.com/pantos-io/servicenode/chains/evm/rpc"
	ethereum "github.com/pantos-io/servicenode/crypto/signatures/ethereum"
	"github.com/pantos-io/servicenode/log"
)

const (
	// monitorInterval is how often pending transactions are checked for
	// inclusion and resubmission.
	monitorInterval = 5 * time.Second
	// resultRetention is how long completed submissions are kept around
	// for status queries before they are dropped.
	resultRetention = time.Hour
)

// SubmissionConfig holds the adaptive fee parameters for transaction
// submissions on one blockchain. A submitted transaction starts with the
// minimum adaptable fee per gas as its priority fee and is resubmitted with
// an increased fee until it is included in a block or the total fee limit
// would be exceeded.
type SubmissionConfig struct {
	// MinAdaptableFeePerGas is the initial priority fee per gas in wei.
	MinAdaptableFeePerGas *big.Int
	// MaxTotalFeePerGas limits the total fee per gas in wei. Nil or zero
	// disables the limit.
	MaxTotalFeePerGas *big.Int
	// AdaptableFeeIncreaseFactor is multiplied onto the adaptable fee on
	// every resubmission. Must be greater than 1.
	AdaptableFeeIncreaseFactor float64
	// BlocksUntilResubmission is how many blocks to wait for inclusion
	// before resubmitting with a higher fee.
	BlocksUntilResubmission uint64
	// Confirmations is how many blocks deep a transaction must be before
	// its inclusion is reported. Zero and one both mean the including
	// block alone.
	Confirmations uint64
	// AverageBlockTime is the expected block production time of the
	// chain, the cadence of the inclusion checks. Zero selects a default.
	AverageBlockTime time.Duration
}

// pendingTx tracks one transaction submission across its resubmissions.
type pendingTx struct {
	id             uuid.UUID
	nonce          uint64
	to             common.Address
	data           []byte
	gas            uint64
	adaptableFee   *big.Int
	hashes         []common.Hash // one hash per (re)submission
	submittedBlock uint64
	resubmissions  int

	completed   bool
	succeeded   bool
	minedHash   common.Hash
	logs        []*gtypes.Log
	completedAt time.Time
	failure     error // set when the submission became unresolvable
}

// submissionResult is the queryable outcome of a transaction submission.
type submissionResult struct {
	completed bool
	succeeded bool
	txHash    common.Hash
	logs      []*gtypes.Log
}

// txManager submits transactions with the node's account and keeps
// resubmitting them with increasing fees until they are included in a
// block. Completed submissions keep their result available for status
// queries for a retention period.
type txManager struct {
	cli     *rpc.Client
	signer  *ethereum.Signer
	chainID *big.Int
	name    string // blockchain name, only used for logging
	config  SubmissionConfig
	mu      sync.Mutex

	pending map[uuid.UUID]*pendingTx

	monitorCtx    context.Context
	monitorCancel context.CancelFunc
}

func newTxManager(cli *rpc.Client, signer *ethereum.Signer, chainID *big.Int,
	name string, config SubmissionConfig,
) *txManager {
	return &txManager{
		cli:     cli,
		signer:  signer,
		chainID: chainID,
		name:    name,
		config:  config,
		pending: make(map[uuid.UUID]*pendingTx),
	}
}

// Start starts the background monitoring of pending transactions.
func (tm *txManager) Start(ctx context.Context) {
	interval := tm.config.AverageBlockTime
	if interval <= 0 {
		interval = monitorInterval
	}
	tm.monitorCtx, tm.monitorCancel = context.WithCancel(ctx)
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		log.Infow("transaction monitor started", "blockchain", tm.name)

		for {
			select {
			case <-tm.monitorCtx.Done():
				log.Infow("transaction monitor stopped", "blockchain", tm.name)
				return
			case <-ticker.C:
				tm.mu.Lock()
				if err := tm.checkPendingTxs(tm.monitorCtx); err != nil {
					log.Warnw("error checking pending transactions",
						"blockchain", tm.name, "error", err)
				}
				tm.mu.Unlock()
			}
		}
	}()
}

// Stop stops the background monitoring.
func (tm *txManager) Stop() {
	if tm.monitorCancel != nil {
		tm.monitorCancel()
	}
}

// Submit signs and broadcasts a transaction with the given blockchain nonce
// and returns a handle for querying the submission status later. The
// transaction is resubmitted with increasing fees by the monitor until it
// is included in a block.
func (tm *txManager) Submit(ctx context.Context, to common.Address, data []byte,
	gas, nonce uint64,
) (uuid.UUID, error) {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	block, err := tm.cli.BlockNumber(ctx)
	if err != nil {
		return uuid.Nil, fmt.Errorf("failed to get block number: %w", err)
	}

	adaptableFee := new(big.Int).Set(tm.config.MinAdaptableFeePerGas)
	signed, err := tm.buildTransaction(ctx, to, data, gas, nonce, adaptableFee)
	if err != nil {
		return uuid.Nil, err
	}
	if err := tm.cli.SendTransaction(ctx, signed); err != nil {
		return uuid.Nil, classifySendError(err)
	}

	id := uuid.New()
	tm.pending[id] = &pendingTx{
		id:             id,
		nonce:          nonce,
		to:             to,
		data:           data,
		gas:            gas,
		adaptableFee:   adaptableFee,
		hashes:         []common.Hash{signed.Hash()},
		submittedBlock: block,
	}

	log.Infow("transaction submitted",
		"blockchain", tm.name,
		"hash", signed.Hash().Hex(),
		"nonce", nonce,
		"adaptableFeePerGas", adaptableFee)

	return id, nil
}

// Status returns the result of a transaction submission. It returns an
// error wrapping chains.ErrUnresolvableSubmission when the handle is
// unknown, for example after a restart, or when the submission had to be
// given up.
func (tm *txManager) Status(id uuid.UUID) (*submissionResult, error) {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	ptx, ok := tm.pending[id]
	if !ok {
		return nil, fmt.Errorf("%w: unknown transaction submission %s",
			chains.ErrUnresolvableSubmission, id)
	}
	if ptx.failure != nil {
		return nil, fmt.Errorf("%w: %v", chains.ErrUnresolvableSubmission, ptx.failure)
	}
	if !ptx.completed {
		return &submissionResult{}, nil
	}
	return &submissionResult{
		completed: true,
		succeeded: ptx.succeeded,
		txHash:    ptx.minedHash,
		logs:      ptx.logs,
	}, nil
}

// PendingCount returns the number of submissions that are neither included
// nor given up yet.
func (tm *txManager) PendingCount() int {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	count := 0
	for _, ptx := range tm.pending {
		if !ptx.completed && ptx.failure == nil {
			count++
		}
	}
	return count
}

// buildTransaction assembles and signs a dynamic fee transaction. The total
// fee per gas is twice the current base fee plus the adaptable fee, checked
// against the configured limit.
func (tm *txManager) buildTransaction(ctx context.Context, to common.Address,
	data []byte, gas, nonce uint64, adaptableFee *big.Int,
) (*gtypes.Transaction, error) {
	header, err := tm.cli.HeaderByNumber(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to get latest header: %w", err)
	}
	baseFee := header.BaseFee
	if baseFee == nil {
		baseFee = new(big.Int)
	}
	totalFee := new(big.Int).Mul(baseFee, big.NewInt(2))
	totalFee.Add(totalFee, adaptableFee)
	if limit := tm.config.MaxTotalFeePerGas; limit != nil && limit.Sign() > 0 &&
		totalFee.Cmp(limit) > 0 {
		return nil, fmt.Errorf("%w: %s > %s", chains.ErrMaxTotalFeeExceeded,
			totalFee, limit)
	}

	tx := gtypes.NewTx(&gtypes.DynamicFeeTx{
		ChainID:   tm.chainID,
		Nonce:     nonce,
		GasTipCap: adaptableFee,
		GasFeeCap: totalFee,
		Gas:       gas,
		To:        &to,
		Value:     big.NewInt(0),
		Data:      data,
	})
	signer := gtypes.NewCancunSigner(tm.chainID)
	signed, err := gtypes.SignTx(tx, signer, (*ecdsa.PrivateKey)(tm.signer))
	if err != nil {
		return nil, fmt.Errorf("failed to sign transaction: %w", err)
	}
	return signed, nil
}

// checkPendingTxs looks for included transactions and resubmits the ones
// that have been waiting for too many blocks. Must be called with the
// mutex locked.
func (tm *txManager) checkPendingTxs(ctx context.Context) error {
	now := time.Now()
	currentBlock, err := tm.cli.BlockNumber(ctx)
	if err != nil {
		return fmt.Errorf("failed to get block number: %w", err)
	}

	for id, ptx := range tm.pending {
		if ptx.completed || ptx.failure != nil {
			if now.Sub(ptx.completedAt) > resultRetention {
				delete(tm.pending, id)
			}
			continue
		}

		// check for a receipt under any submitted hash, newest first
		var receipt *gtypes.Receipt
		for i := len(ptx.hashes) - 1; i >= 0; i-- {
			if r, err := tm.cli.TransactionReceipt(ctx, ptx.hashes[i]); err == nil && r != nil {
				receipt = r
				break
			}
		}
		if receipt != nil {
			// an included transaction is reported only once it is deep
			// enough, a reorg before that point reopens the submission
			if !deepEnough(receipt, currentBlock, tm.config.Confirmations) {
				continue
			}
			ptx.completed = true
			ptx.succeeded = receipt.Status == gtypes.ReceiptStatusSuccessful
			ptx.minedHash = receipt.TxHash
			ptx.logs = receipt.Logs
			ptx.completedAt = now
			log.Infow("transaction included",
				"blockchain", tm.name,
				"hash", receipt.TxHash.Hex(),
				"nonce", ptx.nonce,
				"succeeded", ptx.succeeded,
				"resubmissions", ptx.resubmissions)
			continue
		}

		if currentBlock >= ptx.submittedBlock+tm.config.BlocksUntilResubmission {
			tm.resubmit(ctx, ptx, currentBlock)
		}
	}
	return nil
}

// resubmit broadcasts a pending transaction again with an increased
// adaptable fee. When the total fee limit would be exceeded, the
// submission is given up and becomes unresolvable.
func (tm *txManager) resubmit(ctx context.Context, ptx *pendingTx, currentBlock uint64) {
	newFee := increaseFee(ptx.adaptableFee, tm.config.AdaptableFeeIncreaseFactor)
	signed, err := tm.buildTransaction(ctx, ptx.to, ptx.data, ptx.gas, ptx.nonce, newFee)
	if err != nil {
		if errors.Is(err, chains.ErrMaxTotalFeeExceeded) {
			ptx.failure = err
			ptx.completedAt = time.Now()
			log.Errorw(err, fmt.Sprintf("giving up on transaction resubmission for nonce %d on %s",
				ptx.nonce, tm.name))
			return
		}
		log.Warnw("failed to rebuild transaction for resubmission",
			"blockchain", tm.name, "nonce", ptx.nonce, "error", err)
		return
	}
	if err := tm.cli.SendTransaction(ctx, signed); err != nil {
		// a nonce too low error here usually means an earlier attempt
		// was just included, which the next receipt check picks up
		log.Warnw("failed to resubmit transaction",
			"blockchain", tm.name, "nonce", ptx.nonce, "error", err)
		return
	}

	ptx.adaptableFee = newFee
	ptx.hashes = append(ptx.hashes, signed.Hash())
	ptx.submittedBlock = currentBlock
	ptx.resubmissions++

	log.Infow("transaction resubmitted with higher fee",
		"blockchain", tm.name,
		"hash", signed.Hash().Hex(),
		"nonce", ptx.nonce,
		"adaptableFeePerGas", newFee,
		"resubmissions", ptx.resubmissions)
}

// deepEnough reports whether the receipt's block has the required number of
// confirmations at the given chain head.
func deepEnough(receipt *gtypes.Receipt, currentBlock, required uint64) bool {
	if required <= 1 {
		return true
	}
	includedBlock := receipt.BlockNumber.Uint64()
	return currentBlock >= includedBlock && currentBlock-includedBlock+1 >= required
}

// increaseFee multiplies the fee by the given factor, rounding up.
func increaseFee(fee *big.Int, factor float64) *big.Int {
	product := new(big.Float).Mul(new(big.Float).SetInt(fee), big.NewFloat(factor))
	result, accuracy := product.Int(nil)
	if accuracy == big.Below {
		result.Add(result, big.NewInt(1))
	}
	return result
}

// classifySendError maps the nonce and fee related node pool rejections to
// the typed submission errors. Any other error is returned unchanged.
func classifySendError(err error) error {
	if err == nil {
		return nil
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "nonce too low"):
		return fmt.Errorf("%w: %s", chains.ErrNonceTooLow, err)
	case strings.Contains(msg, "underpriced"):
		return fmt.Errorf("%w: %s", chains.ErrUnderpriced, err)
	}
	return err
}
