package api

import (
	"fmt"
	"net/url"
	"strings"
)

// Route constants for the API endpoints

const (
	// Health endpoints
	HealthLiveEndpoint  = "/health/live"  // GET: Liveness probe
	HealthNodesEndpoint = "/health/nodes" // GET: Per-blockchain RPC endpoint health

	// Transfer endpoints
	TaskIDURLParam         = "taskId"                                              // URL parameter for the transfer task ID
	TransferEndpoint       = "/transfer"                                           // POST: Submit a token transfer request
	TransferStatusEndpoint = TransferEndpoint + "/{" + TaskIDURLParam + "}/status" // GET: Check the status of a transfer

	// Bid endpoints
	SourceBlockchainQueryParam      = "source_blockchain"      // URL query param for the source blockchain ID
	DestinationBlockchainQueryParam = "destination_blockchain" // URL query param for the destination blockchain ID
	BidsEndpoint                    = "/bids"                  // GET: List the active bids for a blockchain pair
)

// EndpointWithParam creates an endpoint URL by replacing the parameter
// placeholder with the actual value. Used to build fully qualified
// endpoint URLs.
func EndpointWithParam(path, key, param string) string {
	rawKey := fmt.Sprintf("{%s}", key)

	if strings.Contains(path, rawKey) {
		return strings.Replace(path, rawKey, url.PathEscape(param), 1)
	}

	// Fallback: add as query param
	escapedKey := url.QueryEscape(key)
	escapedVal := url.QueryEscape(param)

	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}

	return fmt.Sprintf("%s%s%s=%s", path, sep, escapedKey, escapedVal)
}

// LogExcludedPrefixes defines URL prefixes to exclude from request logging
var LogExcludedPrefixes = []string{
	HealthLiveEndpoint,
	HealthNodesEndpoint,
}
