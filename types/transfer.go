package types

import (
	"fmt"
	"strings"
)

// newNonceAssignedOffset separates the internal transfer status values from
// the ones exposed through the API. See TransferStatus.PublicStatus.
const newNonceAssignedOffset = 100

// TransferStatus enumerates the states of the transfer lifecycle. The
// values below the offset are public; ACCEPTED_NEW_NONCE_ASSIGNED is an
// internal refinement of ACCEPTED marking that a blockchain nonce has been
// assigned but the transaction has not been submitted yet.
type TransferStatus int

const (
	TransferAccepted  TransferStatus = 0
	TransferFailed    TransferStatus = 1
	TransferSubmitted TransferStatus = 2
	TransferReverted  TransferStatus = 3
	TransferConfirmed TransferStatus = 4

	TransferAcceptedNewNonceAssigned TransferStatus = TransferAccepted + newNonceAssignedOffset
)

var transferStatusNames = map[TransferStatus]string{
	TransferAccepted:                 "ACCEPTED",
	TransferFailed:                   "FAILED",
	TransferSubmitted:                "SUBMITTED",
	TransferReverted:                 "REVERTED",
	TransferConfirmed:                "CONFIRMED",
	TransferAcceptedNewNonceAssigned: "ACCEPTED_NEW_NONCE_ASSIGNED",
}

// Valid reports whether s is a known transfer status.
func (s TransferStatus) Valid() bool {
	_, ok := transferStatusNames[s]
	return ok
}

// String returns the canonical upper-case name of the status.
func (s TransferStatus) String() string {
	name, ok := transferStatusNames[s]
	if !ok {
		return fmt.Sprintf("UNKNOWN_TRANSFER_STATUS_%d", int(s))
	}
	return name
}

// PublicStatus collapses internal status refinements to their public
// counterpart: ACCEPTED_NEW_NONCE_ASSIGNED is reported as ACCEPTED.
func (s TransferStatus) PublicStatus() TransferStatus {
	if s >= newNonceAssignedOffset {
		return s - newNonceAssignedOffset
	}
	return s
}

// PublicName returns the lower-case public name of the status, as exposed
// by the transfer status endpoint.
func (s TransferStatus) PublicName() string {
	return strings.ToLower(s.PublicStatus().String())
}

// Terminal reports whether the status is final: no further transitions are
// possible once a transfer is confirmed, reverted or failed.
func (s TransferStatus) Terminal() bool {
	switch s {
	case TransferConfirmed, TransferReverted, TransferFailed:
		return true
	}
	return false
}
