package api

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/pantos-io/servicenode/bids"
	"github.com/pantos-io/servicenode/log"
	"github.com/pantos-io/servicenode/types"
)

// blockchainQueryParam parses a blockchain identifier from the given query
// parameter.
func blockchainQueryParam(r *http.Request, param string) (types.Blockchain, error) {
	raw := r.URL.Query().Get(param)
	if raw == "" {
		return 0, fmt.Errorf("missing %s", param)
	}
	id, err := strconv.Atoi(raw)
	if err != nil || !types.Blockchain(id).Valid() {
		return 0, fmt.Errorf("%s must be one of: %v", param, supportedBlockchainIDs())
	}
	return types.Blockchain(id), nil
}

// bids returns the node's active bids for a source and destination
// blockchain pair, signing each bid at response time
// GET /bids?source_blockchain=<id>&destination_blockchain=<id>
func (a *API) bids(w http.ResponseWriter, r *http.Request) {
	source, err := blockchainQueryParam(r, SourceBlockchainQueryParam)
	if err != nil {
		ErrMalformedParam.WithErr(err).Write(w)
		return
	}
	destination, err := blockchainQueryParam(r, DestinationBlockchainQueryParam)
	if err != nil {
		ErrMalformedParam.WithErr(err).Write(w)
		return
	}
	stored, err := a.storage.Bids(source, destination)
	if err != nil {
		log.Errorw(err, "unable to process a bids request")
		ErrGenericInternalServerError.WithErr(err).Write(w)
		return
	}
	now := time.Now()
	response := make([]*BidInfo, 0, len(stored))
	for _, bid := range stored {
		signed, err := bids.SignBid(a.signer, bid, now)
		if err != nil {
			log.Errorw(err, "unable to sign a bid")
			ErrGenericInternalServerError.WithErr(err).Write(w)
			return
		}
		response = append(response, &BidInfo{
			Fee:           signed.Fee,
			ExecutionTime: signed.ExecutionTime,
			ValidUntil:    signed.ValidUntil,
			Signature:     signed.Signature,
		})
	}
	httpWriteJSON(w, response)
}
