package bids

import (
	"fmt"
	"os"
	"time"

	"github.com/goccy/go-yaml"

	"github.com/pantos-io/servicenode/storage"
	"github.com/pantos-io/servicenode/types"
)

// FilePlugin serves static bids from a YAML file. The file maps lower-case
// source blockchain names to destination blockchain names to bid lists:
//
//	blockchains:
//	  ethereum:
//	    bnb_chain:
//	      - execution_time: 600
//	        fee: 50000000
//	        valid_period: 300
//
// The file is read once when the plugin is created, every GetBids call
// serves the same quotes.
type FilePlugin struct {
	blockchains map[types.Blockchain]map[types.Blockchain][]fileBid
	refresh     time.Duration
}

var _ Plugin = (*FilePlugin)(nil)

type fileBidsConfig struct {
	Blockchains map[string]map[string][]fileBid `yaml:"blockchains"`
}

type fileBid struct {
	ExecutionTime int64  `yaml:"execution_time"`
	Fee           uint64 `yaml:"fee"`
	ValidPeriod   int64  `yaml:"valid_period"`
}

// NewFilePlugin creates a FilePlugin from the bids file named by the
// file_path argument.
func NewFilePlugin(arguments map[string]any) (Plugin, error) {
	path, ok := arguments["file_path"].(string)
	if !ok || path == "" {
		return nil, fmt.Errorf("the file bid plugin needs a file_path argument")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read the bids file: %w", err)
	}
	var config fileBidsConfig
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse the bids file %s: %w", path, err)
	}
	blockchains := make(map[types.Blockchain]map[types.Blockchain][]fileBid, len(config.Blockchains))
	for sourceName, destinations := range config.Blockchains {
		source, err := types.BlockchainFromName(sourceName)
		if err != nil {
			return nil, fmt.Errorf("bids file %s: %w", path, err)
		}
		pairs := make(map[types.Blockchain][]fileBid, len(destinations))
		for destinationName, entries := range destinations {
			destination, err := types.BlockchainFromName(destinationName)
			if err != nil {
				return nil, fmt.Errorf("bids file %s: %w", path, err)
			}
			for _, entry := range entries {
				if entry.ExecutionTime <= 0 || entry.ValidPeriod <= 0 {
					return nil, fmt.Errorf(
						"bids file %s: bids from %s to %s need a positive execution_time and valid_period",
						path, sourceName, destinationName)
				}
			}
			pairs[destination] = entries
		}
		blockchains[source] = pairs
	}
	return &FilePlugin{blockchains: blockchains, refresh: defaultRefreshDelay}, nil
}

// GetBids implements Plugin.
func (p *FilePlugin) GetBids(source, destination types.Blockchain) ([]*storage.Bid, time.Duration, error) {
	destinations, ok := p.blockchains[source]
	if !ok {
		return nil, 0, fmt.Errorf("%w for source blockchain %s", ErrNoBids, source)
	}
	entries, ok := destinations[destination]
	if !ok {
		return nil, 0, fmt.Errorf("%w for source blockchain %s and destination blockchain %s",
			ErrNoBids, source, destination)
	}
	bids := make([]*storage.Bid, len(entries))
	for i, entry := range entries {
		bids[i] = &storage.Bid{
			SourceBlockchain:      source,
			DestinationBlockchain: destination,
			ExecutionTime:         entry.ExecutionTime,
			ValidPeriod:           entry.ValidPeriod,
			Fee:                   types.NewBigInt(entry.Fee),
		}
	}
	return bids, p.refresh, nil
}

// AcceptBid implements Plugin. The file plugin accepts every bid the
// service node signed.
func (p *FilePlugin) AcceptBid(*SignedBid) bool {
	return true
}
