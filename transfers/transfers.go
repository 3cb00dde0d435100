// Package transfers implements the token transfer lifecycle of the service
// node. A new transfer request is checked against the bid selected by the
// sender and persisted with its sender nonce reserved. A background task
// then submits the transfer to the Pantos Hub on the source blockchain and
// a second task polls the submission until it is confirmed or reverted on
// chain.
package transfers

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"

	"github.com/pantos-io/servicenode/bids"
	"github.com/pantos-io/servicenode/chains"
	"github.com/pantos-io/servicenode/log"
	"github.com/pantos-io/servicenode/scheduler"
	"github.com/pantos-io/servicenode/storage"
	"github.com/pantos-io/servicenode/types"
)

const (
	taskExecuteTransfer = "executeTransfer"
	taskConfirmTransfer = "confirmTransfer"
)

// Intervals configures the scheduling of the transfer tasks.
type Intervals struct {
	// ConfirmInterval is the delay between a successful submission and the
	// first confirmation attempt, and between attempts while the submission
	// is still pending on chain.
	ConfirmInterval time.Duration
	// ConfirmRetryInterval is the delay before a confirmation attempt is
	// repeated after an error.
	ConfirmRetryInterval time.Duration
	// ConfirmMaxRetries bounds the confirmation attempts per transfer.
	ConfirmMaxRetries int
	// ExecuteRetryInterval is the delay before a submission attempt is
	// repeated after a recoverable error.
	ExecuteRetryInterval time.Duration
}

func (i Intervals) withDefaults() Intervals {
	if i.ConfirmInterval <= 0 {
		i.ConfirmInterval = 2 * time.Minute
	}
	if i.ConfirmRetryInterval <= 0 {
		i.ConfirmRetryInterval = 5 * time.Minute
	}
	if i.ConfirmMaxRetries <= 0 {
		i.ConfirmMaxRetries = 100
	}
	if i.ExecuteRetryInterval <= 0 {
		i.ExecuteRetryInterval = 2 * time.Minute
	}
	return i
}

// UnrecoverableError marks a transfer failure that no retry can fix. The
// transfer has already been moved to status FAILED when it is returned.
type UnrecoverableError struct {
	err error
}

func (e *UnrecoverableError) Error() string {
	return e.err.Error()
}

func (e *UnrecoverableError) Unwrap() error {
	return e.err
}

// Engine drives accepted transfers through submission and confirmation.
type Engine struct {
	storage   *storage.Storage
	scheduler *scheduler.Scheduler
	clients   chains.Clients
	verifier  *bids.Verifier
	intervals Intervals
}

// executeTransferArgs is the payload of the submission task. The requested
// validity deadline only matters until the transfer is submitted, so it
// travels with the task instead of the transfer record.
type executeTransferArgs struct {
	TransferID uint64
	ValidUntil int64
}

// confirmTransferArgs is the payload of the confirmation task. The handle
// identifies the transaction submission started on the source blockchain.
type confirmTransferArgs struct {
	TransferID uint64
	Handle     uuid.UUID
}

// NewEngine creates the transfer engine and registers its task kinds on the
// scheduler.
func NewEngine(stg *storage.Storage, sched *scheduler.Scheduler, clients chains.Clients,
	verifier *bids.Verifier, intervals Intervals,
) (*Engine, error) {
	e := &Engine{
		storage:   stg,
		scheduler: sched,
		clients:   clients,
		verifier:  verifier,
		intervals: intervals.withDefaults(),
	}
	if err := sched.Register(scheduler.Kind{
		Name:    taskExecuteTransfer,
		Queue:   scheduler.QueueTransfers,
		Handler: e.handleExecuteTransfer,
	}); err != nil {
		return nil, err
	}
	if err := sched.Register(scheduler.Kind{
		Name:        taskConfirmTransfer,
		Queue:       scheduler.QueueTransfers,
		MaxAttempts: e.intervals.ConfirmMaxRetries,
		Handler:     e.handleConfirmTransfer,
	}); err != nil {
		return nil, err
	}
	return e, nil
}

// InitiateRequest carries a new transfer request together with the service
// node bid selected by the sender. The addresses and the amount are expected
// to have been validated against the source blockchain already.
type InitiateRequest struct {
	SourceBlockchain        types.Blockchain
	DestinationBlockchain   types.Blockchain
	SenderAddress           string
	RecipientAddress        string
	SourceTokenAddress      string
	DestinationTokenAddress string
	Amount                  *types.BigInt
	SenderNonce             uint64
	ValidUntil              int64
	Signature               string
	Bid                     *bids.SignedBid
	TimeReceived            time.Time
}

// Initiate accepts a new token transfer: the selected bid is verified, the
// transfer is persisted with its sender nonce reserved and the submission
// task is scheduled. It returns the task ID for status polling. Callers can
// match *bids.RejectionError when the bid does not pass verification and
// storage.ErrSenderNonceNotUnique when the sender nonce is already taken.
func (e *Engine) Initiate(req *InitiateRequest) (uuid.UUID, error) {
	if err := e.verifier.Verify(&bids.VerifyRequest{
		SourceBlockchain:      req.SourceBlockchain,
		DestinationBlockchain: req.DestinationBlockchain,
		TransferValidUntil:    req.ValidUntil,
		TimeReceived:          req.TimeReceived,
		Bid:                   req.Bid,
	}, time.Now()); err != nil {
		return uuid.Nil, err
	}
	client, err := e.clients.Get(req.SourceBlockchain)
	if err != nil {
		return uuid.Nil, err
	}
	transfer, err := e.storage.CreateTransfer(storage.CreateTransferParams{
		SourceBlockchain:        req.SourceBlockchain,
		DestinationBlockchain:   req.DestinationBlockchain,
		SenderAddress:           req.SenderAddress,
		RecipientAddress:        req.RecipientAddress,
		SourceTokenAddress:      req.SourceTokenAddress,
		DestinationTokenAddress: req.DestinationTokenAddress,
		Amount:                  req.Amount,
		Fee:                     req.Bid.Fee,
		SenderNonce:             req.SenderNonce,
		Signature:               req.Signature,
		HubAddress:              client.HubAddress(),
		ForwarderAddress:        client.ForwarderAddress(),
	})
	if err != nil {
		if errors.Is(err, storage.ErrSenderNonceNotUnique) {
			return uuid.Nil, err
		}
		return uuid.Nil, fmt.Errorf("unable to initiate a new token transfer: %w", err)
	}
	taskID, err := e.scheduler.Enqueue(taskExecuteTransfer,
		executeTransferArgs{TransferID: transfer.ID, ValidUntil: req.ValidUntil}, 0)
	if err != nil {
		return uuid.Nil, fmt.Errorf("unable to initiate a new token transfer: %w", err)
	}
	if err := e.storage.UpdateTransferTaskID(transfer.ID, taskID); err != nil {
		return uuid.Nil, fmt.Errorf("unable to initiate a new token transfer: %w", err)
	}
	log.Infow("token transfer accepted",
		"transfer", transfer.ID,
		"task", taskID.String(),
		"source", req.SourceBlockchain.String(),
		"destination", req.DestinationBlockchain.String(),
		"amount", req.Amount.String(),
		"fee", req.Bid.Fee.String())
	return taskID, nil
}

func (e *Engine) handleExecuteTransfer(ctx context.Context, payload []byte) error {
	var args executeTransferArgs
	if err := cbor.Unmarshal(payload, &args); err != nil {
		return fmt.Errorf("failed to decode the execute transfer payload: %w", err)
	}
	transfer, err := e.storage.Transfer(args.TransferID)
	if err != nil {
		return err
	}
	handle, err := e.executeTransfer(ctx, transfer, args.ValidUntil)
	if err != nil {
		var unrecoverable *UnrecoverableError
		if errors.As(err, &unrecoverable) {
			log.Errorw(err, fmt.Sprintf("unable to execute transfer %d", transfer.ID))
			return nil
		}
		return &scheduler.Retry{After: e.intervals.ExecuteRetryInterval, Reason: err}
	}
	if _, err := e.scheduler.Enqueue(taskConfirmTransfer,
		confirmTransferArgs{TransferID: transfer.ID, Handle: handle},
		e.intervals.ConfirmInterval); err != nil {
		return fmt.Errorf("failed to schedule the confirmation of transfer %d: %w",
			transfer.ID, err)
	}
	return nil
}

// executeTransfer submits the transfer to the hub of its source blockchain,
// moves it to status SUBMITTED and returns the handle for polling the
// submission. Failures that no retry can fix move the transfer to status
// FAILED and surface as *UnrecoverableError; on any other submission error
// the status is reset to ACCEPTED so that the retry starts from a clean
// slate.
func (e *Engine) executeTransfer(ctx context.Context, transfer *storage.Transfer,
	validUntil int64,
) (uuid.UUID, error) {
	if validUntil < time.Now().Unix() {
		return uuid.Nil, e.failTransfer(transfer.ID,
			errors.New("validity of the transfer request has expired"))
	}
	if transfer.SenderNonce == nil {
		return uuid.Nil, e.failTransfer(transfer.ID,
			fmt.Errorf("transfer %d holds no sender nonce", transfer.ID))
	}
	client, err := e.clients.Get(transfer.SourceBlockchain)
	if err != nil {
		return uuid.Nil, err
	}
	var handle uuid.UUID
	if transfer.SourceBlockchain == transfer.DestinationBlockchain {
		if transfer.SourceTokenAddress != transfer.DestinationTokenAddress {
			return uuid.Nil, e.failTransfer(transfer.ID, errors.New(
				"source and destination token addresses must be equal for a single-chain token transfer"))
		}
		handle, err = client.StartTransferSubmission(ctx, chains.TransferSubmissionRequest{
			TransferID:       transfer.ID,
			SenderAddress:    transfer.SenderAddress,
			RecipientAddress: transfer.RecipientAddress,
			TokenAddress:     transfer.SourceTokenAddress,
			Amount:           transfer.Amount.MathBigInt(),
			Fee:              transfer.Fee.MathBigInt(),
			SenderNonce:      *transfer.SenderNonce,
			ValidUntil:       validUntil,
			Signature:        transfer.Signature,
		})
		if err != nil {
			return uuid.Nil, e.submissionFailed(transfer.ID,
				"unable to send a single-chain transfer", err)
		}
	} else {
		handle, err = client.StartTransferFromSubmission(ctx, chains.TransferFromSubmissionRequest{
			TransferID:              transfer.ID,
			DestinationBlockchain:   transfer.DestinationBlockchain,
			SenderAddress:           transfer.SenderAddress,
			RecipientAddress:        transfer.RecipientAddress,
			SourceTokenAddress:      transfer.SourceTokenAddress,
			DestinationTokenAddress: transfer.DestinationTokenAddress,
			Amount:                  transfer.Amount.MathBigInt(),
			Fee:                     transfer.Fee.MathBigInt(),
			SenderNonce:             *transfer.SenderNonce,
			ValidUntil:              validUntil,
			Signature:               transfer.Signature,
		})
		if err != nil {
			return uuid.Nil, e.submissionFailed(transfer.ID,
				"unable to send a cross-chain transfer", err)
		}
	}
	if err := e.storage.UpdateTransferStatus(transfer.ID, types.TransferSubmitted); err != nil {
		return uuid.Nil, fmt.Errorf("failed to mark transfer %d as submitted: %w",
			transfer.ID, err)
	}
	return handle, nil
}

// failTransfer moves the transfer to status FAILED, releasing its sender
// nonce, and wraps the cause as unrecoverable. When the status update itself
// fails, that error is returned instead so the task is retried.
func (e *Engine) failTransfer(id uint64, cause error) error {
	if err := e.storage.UpdateTransferStatus(id, types.TransferFailed); err != nil {
		return fmt.Errorf("failed to mark transfer %d as failed: %w", id, err)
	}
	return &UnrecoverableError{err: cause}
}

// submissionFailed maps a submission error. A rejection by the hub or the
// forwarder fails the transfer for good; anything else resets it to status
// ACCEPTED so that the next attempt assigns a fresh blockchain nonce.
func (e *Engine) submissionFailed(id uint64, msg string, cause error) error {
	if errors.Is(cause, chains.ErrInsufficientBalance) ||
		errors.Is(cause, chains.ErrInvalidSignature) {
		return e.failTransfer(id, fmt.Errorf("%s: %w", msg, cause))
	}
	if err := e.storage.UpdateTransferStatus(id, types.TransferAccepted); err != nil {
		return fmt.Errorf("failed to reset transfer %d for resubmission: %w", id, err)
	}
	return fmt.Errorf("%s: %w", msg, cause)
}

func (e *Engine) handleConfirmTransfer(ctx context.Context, payload []byte) error {
	var args confirmTransferArgs
	if err := cbor.Unmarshal(payload, &args); err != nil {
		return fmt.Errorf("failed to decode the confirm transfer payload: %w", err)
	}
	transfer, err := e.storage.Transfer(args.TransferID)
	if err != nil {
		return err
	}
	done, err := e.confirmTransfer(ctx, transfer, args.Handle)
	if err != nil {
		return &scheduler.Retry{After: e.intervals.ConfirmRetryInterval, Reason: err}
	}
	if !done {
		return &scheduler.Retry{After: e.intervals.ConfirmInterval}
	}
	return nil
}

// confirmTransfer checks the submission of the transfer on the source
// blockchain. It reports done=false while the transaction is still pending.
// Once the submission completes, the transfer moves to its final status:
// REVERTED as is, CONFIRMED with the transaction hash and the transfer ID
// assigned by the hub. A submission that cannot be resolved anymore fails
// the transfer and releases its blockchain nonce.
func (e *Engine) confirmTransfer(ctx context.Context, transfer *storage.Transfer,
	handle uuid.UUID,
) (bool, error) {
	client, err := e.clients.Get(transfer.SourceBlockchain)
	if err != nil {
		return false, err
	}
	status, err := client.TransferSubmissionStatus(ctx, handle, transfer.DestinationBlockchain)
	if errors.Is(err, chains.ErrUnresolvableSubmission) {
		log.Errorw(err, fmt.Sprintf("submission of transfer %d cannot be resolved",
			transfer.ID))
		if err := e.storage.ResetTransferNonce(transfer.ID); err != nil {
			return false, err
		}
		if err := e.storage.UpdateTransferStatus(transfer.ID, types.TransferFailed); err != nil {
			return false, err
		}
		return true, nil
	}
	if err != nil {
		return false, fmt.Errorf("unable to determine if a token transfer is confirmed: %w", err)
	}
	if !status.Completed {
		return false, nil
	}
	if status.Status == types.TransferReverted {
		log.Warnw("token transfer reverted on the source blockchain",
			"transfer", transfer.ID,
			"transaction", status.TransactionID)
		if err := e.storage.UpdateTransferStatus(transfer.ID, types.TransferReverted); err != nil {
			return false, err
		}
		return true, nil
	}
	if err := e.storage.UpdateTransferTransactionID(transfer.ID, status.TransactionID); err != nil {
		return false, err
	}
	if err := e.storage.UpdateOnChainTransferID(transfer.ID, status.OnChainTransferID); err != nil {
		return false, err
	}
	if err := e.storage.UpdateTransferStatus(transfer.ID, types.TransferConfirmed); err != nil {
		return false, err
	}
	log.Infow("token transfer confirmed",
		"transfer", transfer.ID,
		"transaction", status.TransactionID,
		"onChainTransferID", status.OnChainTransferID.String())
	return true, nil
}

// FindResult is the public projection of a transfer, looked up by task ID.
type FindResult struct {
	TaskID                  uuid.UUID
	SourceBlockchain        types.Blockchain
	DestinationBlockchain   types.Blockchain
	SenderAddress           string
	RecipientAddress        string
	SourceTokenAddress      string
	DestinationTokenAddress string
	Amount                  *types.BigInt
	Fee                     *types.BigInt
	Status                  types.TransferStatus
	OnChainTransferID       *types.BigInt
	TransactionID           string
}

// Find returns the public view of the transfer associated with the given
// task ID, or an error wrapping storage.ErrNotFound when the task ID is
// unknown.
func (e *Engine) Find(taskID uuid.UUID) (*FindResult, error) {
	transfer, err := e.storage.TransferByTaskID(taskID)
	if err != nil {
		return nil, err
	}
	return &FindResult{
		TaskID:                  taskID,
		SourceBlockchain:        transfer.SourceBlockchain,
		DestinationBlockchain:   transfer.DestinationBlockchain,
		SenderAddress:           transfer.SenderAddress,
		RecipientAddress:        transfer.RecipientAddress,
		SourceTokenAddress:      transfer.SourceTokenAddress,
		DestinationTokenAddress: transfer.DestinationTokenAddress,
		Amount:                  transfer.Amount,
		Fee:                     transfer.Fee,
		Status:                  transfer.Status.PublicStatus(),
		OnChainTransferID:       transfer.OnChainTransferID,
		TransactionID:           transfer.TransactionID,
	}, nil
}
