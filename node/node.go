// Package node manages the service node's own lifecycle on the configured
// blockchains: the protocol version gate at startup and the reconciliation
// of the hub registrations with the configured intent.
package node

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"net/url"
	"strings"

	"github.com/pantos-io/servicenode/chains"
	"github.com/pantos-io/servicenode/log"
	"github.com/pantos-io/servicenode/types"
)

// supportedProtocolVersions is the set of Pantos protocol versions this
// service node implements.
var supportedProtocolVersions = []string{"0.1.0"}

// CheckProtocolVersion verifies that the configured protocol version is one
// the service node implements.
func CheckProtocolVersion(version string) error {
	version = strings.TrimPrefix(version, "v")
	for _, supported := range supportedProtocolVersions {
		if version == supported {
			return nil
		}
	}
	return fmt.Errorf("protocol version %s is not supported, supported versions: %s",
		version, strings.Join(supportedProtocolVersions, ", "))
}

var (
	// ErrInvalidURL is returned when the configured node URL cannot be
	// registered on chain.
	ErrInvalidURL = errors.New("invalid service node URL")
	// ErrInvalidAmount is returned when the configured deposit is below the
	// hub's minimum or exceeds the node's token balance.
	ErrInvalidAmount = errors.New("invalid deposit amount")
	// ErrInvalidBlockchainAddress is returned when the configured
	// withdrawal address is not valid on the target blockchain.
	ErrInvalidBlockchainAddress = errors.New("invalid blockchain address")
)

// Registration is the configured registration intent of the service node on
// one blockchain.
type Registration struct {
	// Registered indicates whether the node should be registered at the hub.
	Registered bool
	// Deposit is locked at the hub when a new registration is submitted.
	Deposit *big.Int
	// WithdrawalAddress receives the deposit after an unregistration.
	WithdrawalAddress string
}

// Registrar reconciles the service node's on-chain registrations with the
// configured intent. It runs once at startup.
type Registrar struct {
	clients chains.Clients
	nodeURL string
}

// NewRegistrar creates a registrar announcing the given node URL.
func NewRegistrar(clients chains.Clients, nodeURL string) *Registrar {
	return &Registrar{clients: clients, nodeURL: nodeURL}
}

// UpdateRegistrations brings the hub registration on every configured
// blockchain in line with the given intents. Blockchains without an active
// client are skipped; a failure on an active blockchain aborts the
// reconciliation.
func (r *Registrar) UpdateRegistrations(ctx context.Context,
	intents map[types.Blockchain]Registration,
) error {
	for _, blockchain := range types.Blockchains() {
		client, ok := r.clients[blockchain]
		if !ok {
			continue
		}
		log.Infow("updating the service node registration",
			"blockchain", blockchain.String())
		if err := r.update(ctx, client, intents[blockchain]); err != nil {
			return fmt.Errorf("unable to update the service node registration on %s: %w",
				blockchain, err)
		}
	}
	return nil
}

func (r *Registrar) update(ctx context.Context, client chains.Client,
	intent Registration,
) error {
	isRegistered, err := client.IsNodeRegistered(ctx)
	if err != nil {
		return err
	}
	blockchain := client.Blockchain()
	switch {
	case intent.Registered && isRegistered:
		currentURL, err := client.ReadNodeURL(ctx)
		if err != nil {
			return err
		}
		if currentURL != r.nodeURL {
			log.Infow("updating the registered service node URL",
				"blockchain", blockchain.String(),
				"oldURL", currentURL,
				"newURL", r.nodeURL)
			return client.UpdateNodeURL(ctx, r.nodeURL)
		}
	case intent.Registered:
		unbonding, err := client.IsUnbonding(ctx)
		if err != nil {
			return err
		}
		if unbonding {
			// the node was unregistered earlier but the deposit has not
			// been withdrawn yet, cancelling restores the registration
			log.Infow("cancelling the pending unregistration",
				"blockchain", blockchain.String())
			return client.CancelUnregistration(ctx)
		}
		if err := r.preflightRegistration(ctx, client, intent); err != nil {
			return err
		}
		log.Infow("registering the service node",
			"blockchain", blockchain.String(),
			"nodeURL", r.nodeURL,
			"deposit", intent.Deposit.String(),
			"withdrawalAddress", intent.WithdrawalAddress)
		return client.RegisterNode(ctx, r.nodeURL, intent.Deposit, intent.WithdrawalAddress)
	case isRegistered:
		log.Infow("unregistering the service node",
			"blockchain", blockchain.String())
		return client.UnregisterNode(ctx)
	}
	return nil
}

// preflightRegistration re-runs the checks the hub performs on a service
// node registration, so that a registration that cannot succeed fails
// before any transaction is sent.
func (r *Registrar) preflightRegistration(ctx context.Context, client chains.Client,
	intent Registration,
) error {
	parsed, err := url.Parse(r.nodeURL)
	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") ||
		parsed.Host == "" {
		return fmt.Errorf("%w: %s", ErrInvalidURL, r.nodeURL)
	}
	minimum, err := client.ReadMinimumDeposit(ctx)
	if err != nil {
		return err
	}
	if intent.Deposit == nil || intent.Deposit.Cmp(minimum) < 0 {
		return fmt.Errorf("%w: the deposit %s is below the required minimum of %s",
			ErrInvalidAmount, intent.Deposit, minimum)
	}
	balance, err := client.ReadOwnTokenBalance(ctx)
	if err != nil {
		return err
	}
	if intent.Deposit.Cmp(balance) > 0 {
		return fmt.Errorf("%w: the deposit %s exceeds the node's token balance of %s",
			ErrInvalidAmount, intent.Deposit, balance)
	}
	if !client.IsValidAddress(intent.WithdrawalAddress) {
		return fmt.Errorf("%w: %s is not a valid withdrawal address on %s",
			ErrInvalidBlockchainAddress, intent.WithdrawalAddress, client.Blockchain())
	}
	return nil
}
