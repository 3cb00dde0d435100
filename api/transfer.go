package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/pantos-io/servicenode/bids"
	"github.com/pantos-io/servicenode/chains"
	"github.com/pantos-io/servicenode/log"
	"github.com/pantos-io/servicenode/storage"
	"github.com/pantos-io/servicenode/transfers"
	"github.com/pantos-io/servicenode/types"
)

// supportedBlockchainIDs lists the numeric identifiers of all known
// blockchains, for validation messages.
func supportedBlockchainIDs() []int {
	return types.SliceOf(types.Blockchains(),
		func(b types.Blockchain) int { return int(b) })
}

// newTransfer accepts a new token transfer request and schedules its
// submission on the source blockchain
// POST /transfer
func (a *API) newTransfer(w http.ResponseWriter, r *http.Request) {
	timeReceived := time.Now()
	// decode the transfer request
	req := &TransferRequest{}
	if err := json.NewDecoder(r.Body).Decode(req); err != nil {
		ErrMalformedBody.Withf("could not decode request body: %v", err).Write(w)
		return
	}
	// sanity checks
	if req.Bid == nil {
		ErrTransferNotAcceptable.With("missing bid").Write(w)
		return
	}
	if req.Signature == "" {
		ErrTransferNotAcceptable.With("missing signature").Write(w)
		return
	}
	source, destination := req.SourceBlockchainID, req.DestinationBlockchainID
	if !source.Valid() {
		ErrTransferNotAcceptable.Withf(
			"This is not a supported blockchain. Must be one of: %v.",
			supportedBlockchainIDs()).Write(w)
		return
	}
	if !a.serving[source] {
		ErrTransferNotAcceptable.With("This is not an active blockchain.").Write(w)
		return
	}
	if !destination.Valid() {
		ErrTransferNotAcceptable.Withf(
			"This is not a supported blockchain. Must be one of: %v.",
			supportedBlockchainIDs()).Write(w)
		return
	}
	if !chains.IsValidAddress(source, req.SenderAddress) {
		ErrTransferNotAcceptable.Withf(
			"sender address must be a valid blockchain address on %s", source).Write(w)
		return
	}
	if !chains.IsValidRecipientAddress(destination, req.RecipientAddress) {
		ErrTransferNotAcceptable.Withf(
			"recipient address must be a valid blockchain address, "+
				"different from the 0 address on %s", destination).Write(w)
		return
	}
	if !chains.IsValidAddress(source, req.SourceTokenAddress) {
		ErrTransferNotAcceptable.Withf(
			"source token address must be a valid blockchain address on %s", source).Write(w)
		return
	}
	if !chains.IsValidAddress(destination, req.DestinationTokenAddress) {
		ErrTransferNotAcceptable.Withf(
			"destination token address must be a valid blockchain address on %s",
			destination).Write(w)
		return
	}
	if req.Amount == nil || req.Amount.MathBigInt().Sign() <= 0 {
		ErrTransferNotAcceptable.With("amount must be greater than 0").Write(w)
		return
	}
	log.Infow("new transfer request",
		"source", source.String(),
		"destination", destination.String(),
		"sender", req.SenderAddress,
		"recipient", req.RecipientAddress,
		"amount", req.Amount.String(),
		"senderNonce", req.Nonce)
	// hand the transfer over to the transfers engine
	taskID, err := a.transfers.Initiate(&transfers.InitiateRequest{
		SourceBlockchain:        source,
		DestinationBlockchain:   destination,
		SenderAddress:           req.SenderAddress,
		RecipientAddress:        req.RecipientAddress,
		SourceTokenAddress:      req.SourceTokenAddress,
		DestinationTokenAddress: req.DestinationTokenAddress,
		Amount:                  req.Amount,
		SenderNonce:             req.Nonce,
		ValidUntil:              req.ValidUntil,
		Signature:               req.Signature,
		Bid: &bids.SignedBid{
			SourceBlockchain:      source,
			DestinationBlockchain: destination,
			Fee:                   req.Bid.Fee,
			ExecutionTime:         req.Bid.ExecutionTime,
			ValidUntil:            req.Bid.ValidUntil,
			Signature:             req.Bid.Signature,
		},
		TimeReceived: timeReceived,
	})
	if err != nil {
		var rejection *bids.RejectionError
		switch {
		case errors.As(err, &rejection):
			ErrBidRejected.With(rejection.Reason).Write(w)
		case errors.Is(err, storage.ErrSenderNonceNotUnique):
			ErrConflictingTransfer.Withf("sender nonce %d is not unique", req.Nonce).Write(w)
		default:
			log.Errorw(err, "unable to process a transfer request")
			ErrGenericInternalServerError.WithErr(err).Write(w)
		}
		return
	}
	httpWriteJSON(w, &TransferResponse{TaskID: taskID.String()})
}

// transferStatus returns the current status of a transfer by its task ID
// GET /transfer/{taskId}/status
func (a *API) transferStatus(w http.ResponseWriter, r *http.Request) {
	raw := chi.URLParam(r, TaskIDURLParam)
	taskID, err := uuid.Parse(raw)
	if err != nil {
		ErrResourceNotFound.Withf("task ID %s is not a UUID", raw).Write(w)
		return
	}
	result, err := a.transfers.Find(taskID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			ErrResourceNotFound.Withf("task ID %s is unknown", raw).Write(w)
			return
		}
		log.Errorw(err, "unable to process a transfer status request")
		ErrGenericInternalServerError.WithErr(err).Write(w)
		return
	}
	response := &TransferStatusResponse{
		TaskID:                  result.TaskID.String(),
		SourceBlockchainID:      result.SourceBlockchain,
		DestinationBlockchainID: result.DestinationBlockchain,
		SenderAddress:           result.SenderAddress,
		RecipientAddress:        result.RecipientAddress,
		SourceTokenAddress:      result.SourceTokenAddress,
		DestinationTokenAddress: result.DestinationTokenAddress,
		Amount:                  result.Amount,
		Fee:                     result.Fee,
		Status:                  result.Status.PublicName(),
		TransactionID:           result.TransactionID,
	}
	if result.OnChainTransferID != nil {
		response.TransferID = result.OnChainTransferID.String()
	}
	httpWriteJSON(w, response)
}
