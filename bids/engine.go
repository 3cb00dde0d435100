package bids

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/fxamacker/cbor/v2"

	"github.com/pantos-io/servicenode/chains"
	"github.com/pantos-io/servicenode/log"
	"github.com/pantos-io/servicenode/scheduler"
	"github.com/pantos-io/servicenode/storage"
	"github.com/pantos-io/servicenode/types"
)

const taskReplaceBids = "replaceBids"

// Engine keeps the stored bids fresh. One task per eligible source
// blockchain runs on the bids queue, asks the plugin for new quotes per
// destination blockchain, adds the validator fees and reschedules itself
// with the delay reported by the plugin.
type Engine struct {
	storage   *storage.Storage
	scheduler *scheduler.Scheduler
	clients   chains.Clients
	plugin    Plugin
}

type replaceBidsArgs struct {
	Source types.Blockchain
}

// NewEngine creates the bid engine and registers its task kind on the
// scheduler.
func NewEngine(stg *storage.Storage, sched *scheduler.Scheduler, clients chains.Clients,
	plugin Plugin,
) (*Engine, error) {
	e := &Engine{storage: stg, scheduler: sched, clients: clients, plugin: plugin}
	if err := sched.Register(scheduler.Kind{
		Name:    taskReplaceBids,
		Queue:   scheduler.QueueBids,
		Handler: e.handleReplaceBids,
	}); err != nil {
		return nil, err
	}
	return e, nil
}

// Start drops the bid tasks left over from a previous run and enqueues a
// fresh one per source blockchain. It must run before the scheduler starts
// polling the queues.
func (e *Engine) Start(sources []types.Blockchain) error {
	if err := e.storage.PurgeQueue(scheduler.QueueBids); err != nil {
		return fmt.Errorf("failed to purge the bids queue: %w", err)
	}
	for _, source := range sources {
		if _, err := e.scheduler.Enqueue(taskReplaceBids, replaceBidsArgs{Source: source}, 0); err != nil {
			return err
		}
	}
	log.Infow("bid engine started", "sourceBlockchains", len(sources))
	return nil
}

func (e *Engine) handleReplaceBids(ctx context.Context, payload []byte) error {
	var args replaceBidsArgs
	if err := cbor.Unmarshal(payload, &args); err != nil {
		return fmt.Errorf("failed to decode the bid task payload: %w", err)
	}
	return &scheduler.Retry{After: e.replaceBids(ctx, args.Source)}
}

// replaceBids runs one refresh tick for the source blockchain. Plugin and
// storage errors only skip the affected pair, the previously stored bids of
// that pair stay in place until a later tick succeeds.
func (e *Engine) replaceBids(ctx context.Context, source types.Blockchain) time.Duration {
	refreshIn := defaultRefreshDelay
	client, err := e.clients.Get(source)
	if err != nil {
		log.Errorw(err, fmt.Sprintf("unable to replace the bids of %s", source))
		return refreshIn
	}
	sourceFactor, err := client.ReadValidatorFeeFactor(ctx, source)
	if err != nil {
		log.Errorw(err, fmt.Sprintf("unable to read the validator fee factor of %s", source))
		return refreshIn
	}
	for _, destination := range types.Blockchains() {
		log.Debugw("executing the bid plugin",
			"source", source.String(), "destination", destination.String())
		destinationFactor, err := client.ReadValidatorFeeFactor(ctx, destination)
		if err != nil {
			log.Errorw(err, fmt.Sprintf("unable to read the validator fee factor of %s", destination))
			continue
		}
		newBids, refresh, err := e.plugin.GetBids(source, destination)
		if err != nil {
			if errors.Is(err, ErrNoBids) {
				log.Debugw("bid plugin has no bids",
					"source", source.String(), "destination", destination.String(),
					"reason", err.Error())
			} else {
				log.Errorw(err, "unable to execute the bid plugin")
			}
			continue
		}
		refreshIn = refresh
		if source != destination {
			if err := addValidatorFee(newBids, sourceFactor, destinationFactor); err != nil {
				log.Errorw(err, fmt.Sprintf("unable to add the validator fee to the bids of %s", source))
				continue
			}
		}
		log.Debugw("replacing the stored bids",
			"source", source.String(), "destination", destination.String(),
			"bids", len(newBids))
		if err := e.storage.ReplaceBids(source, destination, newBids); err != nil {
			log.Errorw(err, "unable to replace the bids")
		}
	}
	return refreshIn
}

// addValidatorFee scales every bid fee by the combined validator fee
// factors of the pair: fee = round(fee * (source + destination) / source),
// ties rounded to the even neighbor.
func addValidatorFee(newBids []*storage.Bid, sourceFactor, destinationFactor uint64) error {
	if sourceFactor == 0 {
		return fmt.Errorf("the validator fee factor of the source blockchain is zero")
	}
	totalFactor := new(big.Int).Add(
		new(big.Int).SetUint64(sourceFactor),
		new(big.Int).SetUint64(destinationFactor))
	divisor := new(big.Int).SetUint64(sourceFactor)
	for _, bid := range newBids {
		scaled := new(big.Int).Mul(bid.Fee.MathBigInt(), totalFactor)
		bid.Fee = types.BigIntConverter(divideRoundHalfEven(scaled, divisor))
	}
	return nil
}

// divideRoundHalfEven divides two non-negative integers rounding the result
// to the nearest integer, ties to even.
func divideRoundHalfEven(numerator, denominator *big.Int) *big.Int {
	quotient, remainder := new(big.Int).QuoRem(numerator, denominator, new(big.Int))
	if remainder.Sign() == 0 {
		return quotient
	}
	one := big.NewInt(1)
	switch new(big.Int).Lsh(remainder, 1).Cmp(denominator) {
	case -1:
		return quotient
	case 1:
		return quotient.Add(quotient, one)
	default:
		if quotient.Bit(0) == 0 {
			return quotient
		}
		return quotient.Add(quotient, one)
	}
}
