package main

import (
	"context"
	"fmt"
	"math/big"
	"os"
	"os/signal"
	"syscall"

	"github.com/pantos-io/servicenode/api"
	"github.com/pantos-io/servicenode/bids"
	"github.com/pantos-io/servicenode/chains"
	"github.com/pantos-io/servicenode/chains/evm"
	"github.com/pantos-io/servicenode/chains/solana"
	"github.com/pantos-io/servicenode/config"
	"github.com/pantos-io/servicenode/crypto/signatures/ethereum"
	"github.com/pantos-io/servicenode/db"
	"github.com/pantos-io/servicenode/db/metadb"
	"github.com/pantos-io/servicenode/log"
	"github.com/pantos-io/servicenode/node"
	"github.com/pantos-io/servicenode/scheduler"
	"github.com/pantos-io/servicenode/storage"
	"github.com/pantos-io/servicenode/transfers"
	"github.com/pantos-io/servicenode/types"
)

// Services holds all the running services
type Services struct {
	Storage   *storage.Storage
	Clients   chains.Clients
	Scheduler *scheduler.Scheduler
	Bids      *bids.Engine
	Transfers *transfers.Engine
	API       *api.API
}

func main() {
	// Load configuration
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize logging
	log.Init(cfg.Log.Level, cfg.Log.Output, nil)
	log.Infow("starting pantos-servicenode", "version", Version)

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	// Create context with cancellation for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Setup services
	services, err := setupServices(ctx, cfg)
	if err != nil {
		log.Fatalf("Failed to setup services: %v", err)
	}
	defer shutdownServices(services)

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	sig := <-sigCh
	log.Infow("received signal, shutting down", "signal", sig.String())
}

// setupServices initializes and starts all required services
func setupServices(ctx context.Context, cfg *config.Config) (*Services, error) {
	services := &Services{}

	// Initialize storage database
	log.Infow("initializing storage", "datadir", cfg.Datadir, "type", db.TypePebble)
	storagedb, err := metadb.New(db.TypePebble, cfg.Datadir)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize storage: %w", err)
	}
	services.Storage = storage.New(storagedb)

	// Load the bid signing key
	signer, err := ethereum.NewSignerFromKeystoreFile(cfg.Signer.Keyfile, cfg.Signer.Password)
	if err != nil {
		return nil, fmt.Errorf("failed to load the bid signing key: %w", err)
	}
	log.Infow("bid signing key loaded", "address", signer.Address().Hex())

	// Create a client for every active blockchain
	services.Clients, err = setupClients(ctx, cfg, services.Storage)
	if err != nil {
		return nil, err
	}

	// Verify the configured protocol version
	if err := node.CheckProtocolVersion(cfg.Node.Protocol); err != nil {
		return nil, err
	}

	// Create the bid plugin
	plugin, err := bids.NewPlugin(cfg.Plugins.Bids.Name, cfg.Plugins.Bids.Arguments)
	if err != nil {
		return nil, fmt.Errorf("failed to create the bid plugin: %w", err)
	}

	// Reconcile the hub registrations with the configured intents
	registrar := node.NewRegistrar(services.Clients, cfg.Node.URL)
	if err := registrar.UpdateRegistrations(ctx, registrationIntents(cfg)); err != nil {
		return nil, err
	}

	// Create the task scheduler and the engines feeding it
	services.Scheduler = scheduler.New(services.Storage, 0)

	services.Bids, err = bids.NewEngine(services.Storage, services.Scheduler,
		services.Clients, plugin)
	if err != nil {
		return nil, fmt.Errorf("failed to create the bid engine: %w", err)
	}

	verifier := bids.NewVerifier(signer.Address(), plugin)
	services.Transfers, err = transfers.NewEngine(services.Storage, services.Scheduler,
		services.Clients, verifier, transfers.Intervals{
			ConfirmInterval:      cfg.Tasks.ConfirmTransfer.Interval,
			ConfirmRetryInterval: cfg.Tasks.ConfirmTransfer.RetryInterval,
			ConfirmMaxRetries:    cfg.Tasks.ConfirmTransfer.MaxRetries,
			ExecuteRetryInterval: cfg.Tasks.ExecuteTransfer.RetryInterval,
		})
	if err != nil {
		return nil, fmt.Errorf("failed to create the transfer engine: %w", err)
	}

	// The bid engine seeds its queue before the scheduler starts polling
	if err := services.Bids.Start(cfg.ActiveChains()); err != nil {
		return nil, fmt.Errorf("failed to start the bid engine: %w", err)
	}
	if err := services.Scheduler.Start(ctx); err != nil {
		return nil, fmt.Errorf("failed to start the task scheduler: %w", err)
	}

	// Start API service
	log.Infow("starting API service", "host", cfg.API.Host, "port", cfg.API.Port)
	services.API, err = api.New(&api.APIConfig{
		Host:      cfg.API.Host,
		Port:      cfg.API.Port,
		Storage:   services.Storage,
		Transfers: services.Transfers,
		Clients:   services.Clients,
		Signer:    signer,
		Serving:   cfg.ServingChains(),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to start API service: %w", err)
	}

	log.Info("pantos-servicenode is running, ready to process transfers!")
	return services, nil
}

// setupClients creates a chain client for every active blockchain using the
// blockchain's configured account key.
func setupClients(ctx context.Context, cfg *config.Config,
	stg *storage.Storage,
) (chains.Clients, error) {
	clients := make(chains.Clients)
	for _, blockchain := range cfg.ActiveChains() {
		chain, _ := cfg.Chain(blockchain)
		if blockchain == types.Solana {
			clients[blockchain] = solana.New()
			continue
		}
		chainSigner, err := ethereum.NewSignerFromKeystoreFile(chain.PrivateKey,
			chain.PrivateKeyPassword)
		if err != nil {
			return nil, fmt.Errorf("failed to load the %s account key: %w",
				blockchain, err)
		}
		client, err := evm.New(ctx, evm.Config{
			Blockchain:       blockchain,
			ChainID:          chain.ChainID,
			RPCURLs:          chain.Providers(),
			HubAddress:       chain.Hub,
			ForwarderAddress: chain.Forwarder,
			PANTokenAddress:  chain.PanToken,
			ProviderTimeout:  chain.ProviderTimeout,
			Submission: evm.SubmissionConfig{
				MinAdaptableFeePerGas:      big.NewInt(chain.MinAdaptableFeePerGas),
				MaxTotalFeePerGas:          big.NewInt(chain.MaxTotalFeePerGas),
				AdaptableFeeIncreaseFactor: chain.AdaptableFeeIncreaseFactor,
				BlocksUntilResubmission:    chain.BlocksUntilResubmission,
				Confirmations:              chain.Confirmations,
				AverageBlockTime:           chain.AverageBlockTime,
			},
		}, chainSigner, stg)
		if err != nil {
			return nil, err
		}
		clients[blockchain] = client
	}
	return clients, nil
}

// registrationIntents collects the per-chain registration intent from the
// configuration.
func registrationIntents(cfg *config.Config) map[types.Blockchain]node.Registration {
	intents := make(map[types.Blockchain]node.Registration)
	for _, blockchain := range cfg.ActiveChains() {
		chain, _ := cfg.Chain(blockchain)
		intents[blockchain] = node.Registration{
			Registered:        chain.Registered,
			Deposit:           big.NewInt(chain.Deposit),
			WithdrawalAddress: chain.WithdrawalAddress,
		}
	}
	return intents
}

// shutdownServices gracefully shuts down all services
func shutdownServices(services *Services) {
	if services == nil {
		return
	}

	// Stop services in reverse order of startup. The API server has no
	// stop of its own, it goes down with the process.
	if services.Scheduler != nil {
		services.Scheduler.Stop()
	}
	if services.Clients != nil {
		services.Clients.Close()
	}
	if services.Storage != nil {
		services.Storage.Close()
	}
}
