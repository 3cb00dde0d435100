package bids

import (
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/pantos-io/servicenode/crypto/signatures/ethereum"
	"github.com/pantos-io/servicenode/log"
	"github.com/pantos-io/servicenode/types"
)

// RejectionError is returned by Verify when an inbound bid fails one of the
// checks. Reason is the message reported back to the sender of the transfer
// request.
type RejectionError struct {
	Reason string
}

func (e *RejectionError) Error() string {
	return e.Reason
}

// VerifyRequest carries the fields of an inbound transfer request that the
// bid checks look at.
type VerifyRequest struct {
	SourceBlockchain      types.Blockchain
	DestinationBlockchain types.Blockchain
	// TransferValidUntil is the timestamp until when the requested
	// transfer may be submitted on the source blockchain.
	TransferValidUntil int64
	// TimeReceived is when the service node received the request.
	TimeReceived time.Time
	Bid          *SignedBid
}

// Verifier checks that the bid echoed back by a transfer request is one the
// service node actually offered and that it still covers the requested
// transfer.
type Verifier struct {
	nodeAddress common.Address
	plugin      Plugin
}

// NewVerifier creates a Verifier. Bid signatures must recover to
// nodeAddress, the plugin gets the final word on every bid.
func NewVerifier(nodeAddress common.Address, plugin Plugin) *Verifier {
	return &Verifier{nodeAddress: nodeAddress, plugin: plugin}
}

// Verify runs the bid checks in a fixed order, the first failing check
// decides the RejectionError reason. A nil return means the bid covers the
// request.
func (v *Verifier) Verify(req *VerifyRequest, now time.Time) error {
	bid := req.Bid
	if bid.SourceBlockchain != req.SourceBlockchain ||
		bid.DestinationBlockchain != req.DestinationBlockchain {
		log.Infow("new transfer request: invalid bid",
			"bidSource", bid.SourceBlockchain.String(),
			"bidDestination", bid.DestinationBlockchain.String(),
			"source", req.SourceBlockchain.String(),
			"destination", req.DestinationBlockchain.String())
		return &RejectionError{Reason: "bid not valid for blockchain pair"}
	}
	if bid.ValidUntil <= now.Unix() {
		log.Infow("new transfer request: bid expired",
			"validUntil", bid.ValidUntil, "fee", bid.Fee.String(),
			"executionTime", bid.ExecutionTime)
		return &RejectionError{Reason: "bid has expired"}
	}
	if !v.validSignature(bid) {
		log.Infow("new transfer request: invalid bid signature",
			"signature", bid.Signature, "fee", bid.Fee.String(),
			"validUntil", bid.ValidUntil)
		return &RejectionError{Reason: "bid's signature is invalid"}
	}
	if req.TransferValidUntil < req.TimeReceived.Unix()+bid.ExecutionTime {
		log.Warnw("new transfer request: invalid \"valid until\" timestamp",
			"validUntil", req.TransferValidUntil,
			"source", req.SourceBlockchain.String())
		return &RejectionError{Reason: `"valid until" timestamp must be at least ` +
			`the current timestamp plus the service node bid's execution time`}
	}
	if !v.plugin.AcceptBid(bid) {
		return &RejectionError{Reason: "bid not accepted"}
	}
	return nil
}

func (v *Verifier) validSignature(bid *SignedBid) bool {
	signature, err := ethereum.HexToSignature(bid.Signature)
	if err != nil {
		return false
	}
	message := BidMessage(bid.Fee, bid.ValidUntil,
		bid.SourceBlockchain, bid.DestinationBlockchain, bid.ExecutionTime)
	ok, _ := signature.Verify(message, v.nodeAddress)
	return ok
}
