package config

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/ipfs/go-cid"
)

// =============================================================================
// Genesis identity (immutable once a network launches)
//
// Unlike block-production rules, the synchronization core only needs enough
// of the genesis to recognize the chain it's talking to and to anchor
// ChainDb.getGenesisTipset(): the chain ID for peer handshakes, and the CIDs
// of the blocks that form the genesis tipset.
// =============================================================================

// ForkSchedule defines block heights at which interpreter rule changes
// activate. A zero value means the fork is not scheduled.
type ForkSchedule struct {
	// Future rule changes are added here as named heights. Example:
	// ReceiptRootV2Height uint64 `json:"receipt_root_v2_height,omitempty"`
}

// IsActive returns true if a fork at forkHeight has activated at currentHeight.
// Returns false if forkHeight is 0 (not scheduled).
func (f *ForkSchedule) IsActive(forkHeight, currentHeight uint64) bool {
	return forkHeight > 0 && currentHeight >= forkHeight
}

// Genesis holds the identity of the genesis tipset for a network.
type Genesis struct {
	ChainID   string `json:"chain_id"`
	ChainName string `json:"chain_name"`
	Timestamp uint64 `json:"timestamp"`

	// GenesisBlockCIDs are the CIDs of the block(s) that make up the
	// genesis tipset, in the order the network publishes them. ChainDb
	// sorts and hashes them the same way as any other tipset key.
	GenesisBlockCIDs []string `json:"genesis_block_cids"`

	Forks ForkSchedule `json:"forks,omitempty"`
}

// =============================================================================
// Pre-defined genesis configurations
// =============================================================================

// MainnetGenesis returns the mainnet genesis configuration.
func MainnetGenesis() *Genesis {
	return &Genesis{
		ChainID:   "tipsync-mainnet-1",
		ChainName: "Tipsync Mainnet",
		Timestamp: 1770734103, // 2026-02-10
		GenesisBlockCIDs: []string{
			"bafy2bzaceaglgo4qms7b4dkbvcxjonqnrxfyu5difnpckuh7dbw4r3fiudbzi",
		},
	}
}

// TestnetGenesis returns the testnet genesis configuration.
func TestnetGenesis() *Genesis {
	g := MainnetGenesis()
	g.ChainID = "tipsync-testnet-1"
	g.ChainName = "Tipsync Testnet"
	g.GenesisBlockCIDs = []string{
		"bafy2bzacedrw5pw4dvac4waeqpcx2hn3xmr6cqykbjzhjqaikfnbqu6ym7tdg",
	}
	return g
}

// GenesisFor returns the genesis config for the given network.
func GenesisFor(network NetworkType) *Genesis {
	switch network {
	case Testnet:
		return TestnetGenesis()
	default:
		return MainnetGenesis()
	}
}

// =============================================================================
// Genesis file I/O
// =============================================================================

// LoadGenesis loads genesis configuration from a file.
func LoadGenesis(path string) (*Genesis, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading genesis file: %w", err)
	}

	var g Genesis
	if err := json.Unmarshal(data, &g); err != nil {
		return nil, fmt.Errorf("parsing genesis file: %w", err)
	}

	if err := g.Validate(); err != nil {
		return nil, fmt.Errorf("invalid genesis: %w", err)
	}

	return &g, nil
}

// Save writes the genesis configuration to a file.
func (g *Genesis) Save(path string) error {
	data, err := json.MarshalIndent(g, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding genesis: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("writing genesis file: %w", err)
	}

	return nil
}

// Validate checks that the genesis configuration is well-formed.
func (g *Genesis) Validate() error {
	if g.ChainID == "" {
		return fmt.Errorf("chain_id is required")
	}
	if len(g.GenesisBlockCIDs) == 0 {
		return fmt.Errorf("genesis_block_cids must contain at least one cid")
	}
	seen := make(map[string]struct{}, len(g.GenesisBlockCIDs))
	for _, s := range g.GenesisBlockCIDs {
		if _, err := cid.Decode(s); err != nil {
			return fmt.Errorf("invalid genesis block cid %q: %w", s, err)
		}
		if _, dup := seen[s]; dup {
			return fmt.Errorf("duplicate genesis block cid %q", s)
		}
		seen[s] = struct{}{}
	}
	if g.Timestamp == 0 {
		return fmt.Errorf("timestamp is required")
	}
	return nil
}

// Cids parses GenesisBlockCIDs into cid.Cid values.
func (g *Genesis) Cids() ([]cid.Cid, error) {
	out := make([]cid.Cid, 0, len(g.GenesisBlockCIDs))
	for _, s := range g.GenesisBlockCIDs {
		c, err := cid.Decode(s)
		if err != nil {
			return nil, fmt.Errorf("decoding genesis block cid %q: %w", s, err)
		}
		out = append(out, c)
	}
	return out, nil
}
