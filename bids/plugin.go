// Package bids implements the bid subsystem of the service node. A bid
// plugin produces the fee quotes the node offers per blockchain pair, the
// engine periodically refreshes the stored quotes and the verifier checks
// signed bids echoed back by inbound transfer requests.
package bids

import (
	"errors"
	"fmt"
	"time"

	"github.com/pantos-io/servicenode/storage"
	"github.com/pantos-io/servicenode/types"
)

// defaultRefreshDelay is how long the engine waits until the next bid
// calculation when the plugin does not say otherwise.
const defaultRefreshDelay = 60 * time.Second

// ErrNoBids is returned by plugins that have no bids for a blockchain pair.
// The engine treats it as transient and keeps the previously stored bids of
// the pair.
var ErrNoBids = errors.New("no bids")

// Plugin supplies the bids the service node offers. Implementations decide
// the pricing strategy, the engine takes care of validator fees and
// persistence.
type Plugin interface {
	// GetBids returns the bids currently offered for the blockchain pair
	// and how long to wait before asking again. Implementations return an
	// error wrapping ErrNoBids when they have nothing to offer for the
	// pair.
	GetBids(source, destination types.Blockchain) ([]*storage.Bid, time.Duration, error)
	// AcceptBid re-checks a previously offered bid when a transfer request
	// references it.
	AcceptBid(bid *SignedBid) bool
}

// Factory builds a plugin from the arguments configured for it.
type Factory func(arguments map[string]any) (Plugin, error)

// DefaultPlugin is the name of the plugin used when the configuration does
// not select one.
const DefaultPlugin = "file"

var registry = map[string]Factory{
	DefaultPlugin: NewFilePlugin,
}

// RegisterPlugin makes a plugin selectable by name. Compiled-in plugins
// register themselves here, the configuration picks one of them at startup.
func RegisterPlugin(name string, factory Factory) {
	registry[name] = factory
}

// NewPlugin builds the plugin selected by name with the configured
// arguments. The empty name selects DefaultPlugin.
func NewPlugin(name string, arguments map[string]any) (Plugin, error) {
	if name == "" {
		name = DefaultPlugin
	}
	factory, ok := registry[name]
	if !ok {
		return nil, fmt.Errorf("unknown bid plugin %s", name)
	}
	return factory(arguments)
}
