package bids

import (
	"fmt"
	"time"

	"github.com/pantos-io/servicenode/crypto/signatures/ethereum"
	"github.com/pantos-io/servicenode/storage"
	"github.com/pantos-io/servicenode/types"
)

// SignedBid is the wire form of a bid. The validity window is stamped as an
// absolute timestamp when the bid leaves the node and the signature covers
// the canonical message, so a sender can prove later that the node offered
// these conditions.
type SignedBid struct {
	SourceBlockchain      types.Blockchain
	DestinationBlockchain types.Blockchain
	Fee                   *types.BigInt
	ExecutionTime         int64
	ValidUntil            int64
	Signature             string
}

// BidMessage renders the canonical byte representation of a bid, the input
// of the bid signature. The field order and the decimal rendering of the
// numeric fields are fixed by the protocol.
func BidMessage(fee *types.BigInt, validUntil int64, source, destination types.Blockchain,
	executionTime int64,
) []byte {
	return ethereum.BuildMessage("",
		fee.String(), validUntil, int(source), int(destination), executionTime)
}

// SignBid mints the wire form of a stored bid, stamping its validity window
// relative to now and signing the canonical message with the service node's
// key.
func SignBid(signer *ethereum.Signer, bid *storage.Bid, now time.Time) (*SignedBid, error) {
	validUntil := now.Unix() + bid.ValidPeriod
	signature, err := signer.Sign(BidMessage(
		bid.Fee, validUntil, bid.SourceBlockchain, bid.DestinationBlockchain, bid.ExecutionTime))
	if err != nil {
		return nil, fmt.Errorf("failed to sign the bid: %w", err)
	}
	return &SignedBid{
		SourceBlockchain:      bid.SourceBlockchain,
		DestinationBlockchain: bid.DestinationBlockchain,
		Fee:                   bid.Fee,
		ExecutionTime:         bid.ExecutionTime,
		ValidUntil:            validUntil,
		Signature:             signature.Hex(),
	}, nil
}
