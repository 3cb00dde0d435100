package types

import (
	"fmt"
	"strings"
)

// Blockchain identifies a supported blockchain network. The numeric values
// are part of the cross-chain protocol (they appear in signed bids and in
// on-chain transfer parameters) and must never be reassigned, which is why
// decommissioned networks keep their slot.
type Blockchain int

const (
	Ethereum   Blockchain = 0
	BnbChain   Blockchain = 1
	BitcoinRSK Blockchain = 2 // decommissioned
	Avalanche  Blockchain = 3
	Solana     Blockchain = 4
	Sonic      Blockchain = 5 // formerly Fantom
	Cronos     Blockchain = 6
	Celo       Blockchain = 7
	Aurora     Blockchain = 8 // decommissioned
	Polygon    Blockchain = 9
)

var blockchainNames = map[Blockchain]string{
	Ethereum:   "ETHEREUM",
	BnbChain:   "BNB_CHAIN",
	BitcoinRSK: "BITCOIN_RSK",
	Avalanche:  "AVALANCHE",
	Solana:     "SOLANA",
	Sonic:      "SONIC",
	Cronos:     "CRONOS",
	Celo:       "CELO",
	Aurora:     "AURORA",
	Polygon:    "POLYGON",
}

// Blockchains lists every known network in ascending identifier order.
func Blockchains() []Blockchain {
	return []Blockchain{
		Ethereum, BnbChain, BitcoinRSK, Avalanche, Solana,
		Sonic, Cronos, Celo, Aurora, Polygon,
	}
}

// Valid reports whether b is a known blockchain identifier.
func (b Blockchain) Valid() bool {
	_, ok := blockchainNames[b]
	return ok
}

// String returns the canonical upper-case name of the blockchain, e.g.
// "BNB_CHAIN".
func (b Blockchain) String() string {
	name, ok := blockchainNames[b]
	if !ok {
		return fmt.Sprintf("UNKNOWN_BLOCKCHAIN_%d", int(b))
	}
	return name
}

// ConfigName returns the lower-case name used as configuration key, e.g.
// "bnb_chain".
func (b Blockchain) ConfigName() string {
	return strings.ToLower(b.String())
}

// BlockchainFromName resolves a blockchain from its canonical name. The
// match is case-insensitive.
func BlockchainFromName(name string) (Blockchain, error) {
	for id, n := range blockchainNames {
		if strings.EqualFold(n, name) {
			return id, nil
		}
	}
	return 0, fmt.Errorf("unknown blockchain %q", name)
}
