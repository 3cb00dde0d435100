// Package config defines the configuration tree of the service node. The
// servicenode command fills it from flags, environment variables and an
// optional YAML file; this package owns the structure, the defaults and the
// validation.
package config

import (
	"fmt"
	"net/url"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/spf13/viper"

	"github.com/pantos-io/servicenode/types"
)

// Defaults applied when neither a flag, an environment variable nor the
// configuration file provides a value.
const (
	DefaultLogLevel      = "info"
	DefaultLogOutput     = "stdout"
	DefaultAPIHost       = "0.0.0.0"
	DefaultAPIPort       = 8080
	DefaultProtocol      = "0.1.0"
	DefaultBidPluginName = "file"

	DefaultConfirmInterval      = 2 * time.Minute
	DefaultConfirmRetryInterval = 5 * time.Minute
	DefaultConfirmMaxRetries    = 100
	DefaultExecuteRetryInterval = 2 * time.Minute
)

// Config is the root of the service node configuration.
type Config struct {
	Log     LogConfig        `mapstructure:"log"`
	Datadir string           `mapstructure:"datadir"`
	API     APIConfig        `mapstructure:"api"`
	Node    NodeConfig       `mapstructure:"node"`
	Signer  SignerConfig     `mapstructure:"signer"`
	Plugins PluginsConfig    `mapstructure:"plugins"`
	Tasks   TasksConfig      `mapstructure:"tasks"`
	Chains  map[string]Chain `mapstructure:"chains"`
}

// LogConfig holds logging configuration
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Output string `mapstructure:"output"`
}

// APIConfig holds the API-specific configuration
type APIConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

// NodeConfig holds the node's public identity: the URL announced in the hub
// registrations and the protocol version the node runs.
type NodeConfig struct {
	URL      string `mapstructure:"url"`
	Protocol string `mapstructure:"protocol"`
}

// SignerConfig points at the encrypted keystore holding the key the node
// signs its bids with.
type SignerConfig struct {
	Keyfile  string `mapstructure:"keyfile"`
	Password string `mapstructure:"password"`
}

// PluginsConfig selects the pluggable strategies.
type PluginsConfig struct {
	Bids BidsPluginConfig `mapstructure:"bids"`
}

// BidsPluginConfig names the bid plugin and carries its free-form arguments.
type BidsPluginConfig struct {
	Name      string         `mapstructure:"name"`
	Arguments map[string]any `mapstructure:"arguments"`
}

// TasksConfig holds the background task timings.
type TasksConfig struct {
	ConfirmTransfer ConfirmTransferConfig `mapstructure:"confirmtransfer"`
	ExecuteTransfer ExecuteTransferConfig `mapstructure:"executetransfer"`
}

// ConfirmTransferConfig times the transfer confirmation task.
type ConfirmTransferConfig struct {
	Interval      time.Duration `mapstructure:"interval"`
	RetryInterval time.Duration `mapstructure:"retryinterval"`
	MaxRetries    int           `mapstructure:"maxretries"`
}

// ExecuteTransferConfig times the transfer execution task.
type ExecuteTransferConfig struct {
	RetryInterval time.Duration `mapstructure:"retryinterval"`
}

// Chain configures one blockchain. The chains tree is keyed by the
// lower-case blockchain name, e.g. chains.ethereum or chains.bnb_chain.
type Chain struct {
	// Active enables the blockchain on this node.
	Active bool `mapstructure:"active"`
	// Registered keeps the node registered as a service node at the
	// blockchain's hub. An active but unregistered blockchain is still
	// served as a transfer destination.
	Registered bool `mapstructure:"registered"`
	// ChainID is the expected EIP-155 chain ID of the endpoints.
	ChainID uint64 `mapstructure:"chainid"`
	// Provider is the primary JSON-RPC endpoint.
	Provider string `mapstructure:"provider"`
	// FallbackProviders are tried when the primary endpoint fails.
	FallbackProviders []string `mapstructure:"fallbackproviders"`
	// ProviderTimeout bounds every RPC call. Zero selects the default.
	ProviderTimeout time.Duration `mapstructure:"providertimeout"`
	// AverageBlockTime is the expected block production time.
	AverageBlockTime time.Duration `mapstructure:"averageblocktime"`
	// Hub is the address of the Pantos Hub contract.
	Hub string `mapstructure:"hub"`
	// Forwarder is the address of the Pantos Forwarder contract.
	Forwarder string `mapstructure:"forwarder"`
	// PanToken is the address of the PAN token contract.
	PanToken string `mapstructure:"pantoken"`
	// Confirmations is how many blocks deep a transaction must be before
	// it counts as included.
	Confirmations uint64 `mapstructure:"confirmations"`

	// MinAdaptableFeePerGas is the initial priority fee per gas in wei.
	MinAdaptableFeePerGas int64 `mapstructure:"minadaptablefeepergas"`
	// MaxTotalFeePerGas limits the total fee per gas in wei. Zero
	// disables the limit.
	MaxTotalFeePerGas int64 `mapstructure:"maxtotalfeepergas"`
	// AdaptableFeeIncreaseFactor is multiplied onto the priority fee on
	// every resubmission. Must be greater than 1.
	AdaptableFeeIncreaseFactor float64 `mapstructure:"adaptablefeeincreasefactor"`
	// BlocksUntilResubmission is how many blocks to wait for inclusion
	// before resubmitting with a higher fee.
	BlocksUntilResubmission uint64 `mapstructure:"blocksuntilresubmission"`

	// Deposit is locked at the hub when the node registers, in PAN.
	Deposit int64 `mapstructure:"deposit"`
	// WithdrawalAddress receives the deposit after an unregistration.
	WithdrawalAddress string `mapstructure:"withdrawaladdress"`
	// PrivateKey is the encrypted keystore file of the account submitting
	// the node's transactions on this blockchain.
	PrivateKey string `mapstructure:"privatekey"`
	// PrivateKeyPassword decrypts the keystore file.
	PrivateKeyPassword string `mapstructure:"privatekeypassword"`
}

// Providers returns the primary endpoint followed by the fallbacks.
func (c Chain) Providers() []string {
	return append([]string{c.Provider}, c.FallbackProviders...)
}

// SetDefaults registers the default values on the given viper instance.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("log.level", DefaultLogLevel)
	v.SetDefault("log.output", DefaultLogOutput)
	v.SetDefault("api.host", DefaultAPIHost)
	v.SetDefault("api.port", DefaultAPIPort)
	v.SetDefault("node.protocol", DefaultProtocol)
	v.SetDefault("plugins.bids.name", DefaultBidPluginName)
	v.SetDefault("tasks.confirmtransfer.interval", DefaultConfirmInterval)
	v.SetDefault("tasks.confirmtransfer.retryinterval", DefaultConfirmRetryInterval)
	v.SetDefault("tasks.confirmtransfer.maxretries", DefaultConfirmMaxRetries)
	v.SetDefault("tasks.executetransfer.retryinterval", DefaultExecuteRetryInterval)
}

// Chain returns the configuration of the given blockchain.
func (c *Config) Chain(blockchain types.Blockchain) (Chain, bool) {
	chain, ok := c.Chains[blockchain.ConfigName()]
	return chain, ok
}

// ActiveChains returns the blockchains configured as active, in identifier
// order.
func (c *Config) ActiveChains() []types.Blockchain {
	var active []types.Blockchain
	for _, blockchain := range types.Blockchains() {
		if chain, ok := c.Chain(blockchain); ok && chain.Active {
			active = append(active, blockchain)
		}
	}
	return active
}

// ServingChains returns the blockchains the node accepts new transfers
// from: the ones both active and registered, in identifier order.
func (c *Config) ServingChains() []types.Blockchain {
	var serving []types.Blockchain
	for _, blockchain := range types.Blockchains() {
		if chain, ok := c.Chain(blockchain); ok && chain.Active && chain.Registered {
			serving = append(serving, blockchain)
		}
	}
	return serving
}

// Validate checks the configuration for completeness. Inactive chains only
// need a known name, active ones must carry everything the clients need.
func (c *Config) Validate() error {
	if c.Datadir == "" {
		return fmt.Errorf("datadir must not be empty")
	}
	if c.API.Port <= 0 || c.API.Port > 65535 {
		return fmt.Errorf("api.port %d is out of range", c.API.Port)
	}
	if err := validateNodeURL(c.Node.URL); err != nil {
		return err
	}
	if c.Node.Protocol == "" {
		return fmt.Errorf("node.protocol must not be empty")
	}
	if c.Signer.Keyfile == "" {
		return fmt.Errorf("signer.keyfile must not be empty")
	}
	if c.Plugins.Bids.Name == "" {
		return fmt.Errorf("plugins.bids.name must not be empty")
	}
	if c.Tasks.ConfirmTransfer.Interval <= 0 ||
		c.Tasks.ConfirmTransfer.RetryInterval <= 0 ||
		c.Tasks.ExecuteTransfer.RetryInterval <= 0 {
		return fmt.Errorf("task intervals must be positive")
	}
	var active int
	for name, chain := range c.Chains {
		blockchain, err := types.BlockchainFromName(name)
		if err != nil {
			return fmt.Errorf("chains: %w", err)
		}
		if chain.Registered && !chain.Active {
			return fmt.Errorf("chains.%s is registered but not active", name)
		}
		if !chain.Active {
			continue
		}
		active++
		if err := chain.validate(blockchain); err != nil {
			return fmt.Errorf("chains.%s: %w", name, err)
		}
	}
	if active == 0 {
		return fmt.Errorf("at least one chain must be active")
	}
	return nil
}

func validateNodeURL(nodeURL string) error {
	parsed, err := url.Parse(nodeURL)
	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") ||
		parsed.Host == "" {
		return fmt.Errorf("node.url %q is not a valid http(s) URL", nodeURL)
	}
	return nil
}

func (c Chain) validate(blockchain types.Blockchain) error {
	if blockchain == types.Solana {
		// the Solana client runs without provider access for now
		return nil
	}
	if c.Provider == "" {
		return fmt.Errorf("provider must not be empty")
	}
	if c.ChainID == 0 {
		return fmt.Errorf("chainid must not be zero")
	}
	for _, contract := range []struct{ name, address string }{
		{"hub", c.Hub},
		{"forwarder", c.Forwarder},
		{"pantoken", c.PanToken},
	} {
		if !common.IsHexAddress(contract.address) {
			return fmt.Errorf("%s %q is not a valid contract address",
				contract.name, contract.address)
		}
	}
	if c.AverageBlockTime <= 0 {
		return fmt.Errorf("averageblocktime must be positive")
	}
	if c.Confirmations == 0 {
		return fmt.Errorf("confirmations must not be zero")
	}
	if c.MinAdaptableFeePerGas < 0 {
		return fmt.Errorf("minadaptablefeepergas must not be negative")
	}
	if c.AdaptableFeeIncreaseFactor <= 1 {
		return fmt.Errorf("adaptablefeeincreasefactor must be greater than 1")
	}
	if c.BlocksUntilResubmission == 0 {
		return fmt.Errorf("blocksuntilresubmission must not be zero")
	}
	if c.PrivateKey == "" {
		return fmt.Errorf("privatekey must not be empty")
	}
	if c.PrivateKeyPassword == "" {
		return fmt.Errorf("privatekeypassword must not be empty")
	}
	if c.Registered {
		if c.Deposit <= 0 {
			return fmt.Errorf("deposit must be positive on a registered chain")
		}
		if !common.IsHexAddress(c.WithdrawalAddress) {
			return fmt.Errorf("withdrawaladdress %q is not a valid address",
				c.WithdrawalAddress)
		}
	}
	return nil
}
