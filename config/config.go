// Package config handles application configuration.
//
// Configuration is split into two categories:
//   - Protocol rules: defined in genesis, immutable, must match across peers
//   - Node settings: runtime configuration, can vary per node
package config

import (
	"os"
	"path/filepath"
	"runtime"
	"time"
)

// NetworkType identifies mainnet or testnet.
type NetworkType string

const (
	Mainnet NetworkType = "mainnet"
	Testnet NetworkType = "testnet"
)

// =============================================================================
// Node Configuration (runtime, per-node settings)
// =============================================================================

// Config holds node-specific runtime configuration.
// These settings can vary between nodes without breaking consensus.
type Config struct {
	// Core
	Network NetworkType `conf:"network"`
	DataDir string      `conf:"datadir"`

	// Peer directory / bootstrap (the transport layer itself is an external
	// collaborator; this is only the set of peers and protocols the sync
	// core is allowed to rely on).
	Peers PeerConfig

	// Chain synchronization tuning.
	Sync SyncConfig

	// Logging
	Log LogConfig

	// Maintenance (not persisted in config file)
	RebuildIndexes bool
}

// PeerConfig holds peer-directory bootstrap settings.
type PeerConfig struct {
	BootstrapPeers    []string `conf:"peers.bootstrap"`     // multiaddr/peer-id strings
	MaxPeers          int      `conf:"peers.maxpeers"`
	RequiredProtocols []string `conf:"peers.protocols"`     // protocol IDs a peer must support
	GenesisCID        string   `conf:"peers.genesis_cid"`   // expected genesis, for network-membership checks
}

// SyncConfig holds chain-synchronization tuning parameters (§5, §4.4, §4.6
// of the synchronization specification).
type SyncConfig struct {
	RequestTimeout  time.Duration `conf:"sync.request_timeout"`  // TipsetLoader per-request deadline
	MaxLookahead    int           `conf:"sync.max_lookahead"`    // lookahead bound (<=100); InterpreterJob uses its fixed 100
	MaxBlocksyncHop int           `conf:"sync.max_blocksync_hop"`// max tipsets requested per backward loader call
	IndexPath       string        `conf:"sync.index_path"`       // IndexStore location
	BlockstorePath  string        `conf:"sync.blockstore_path"`  // CAS blockstore location
	ResultCachePath string        `conf:"sync.result_cache_path"`// InterpreterResult cache location
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level string `conf:"log.level"`
	File  string `conf:"log.file"`
	JSON  bool   `conf:"log.json"`
}

// =============================================================================
// Directory helpers
// =============================================================================

// DefaultDataDir returns the platform-specific default data directory.
//
//	Linux:   ~/.tipsync
//	macOS:   ~/Library/Application Support/Tipsync
//	Windows: %APPDATA%\Tipsync
func DefaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".tipsync"
	}
	switch runtime.GOOS {
	case "darwin":
		return filepath.Join(home, "Library", "Application Support", "Tipsync")
	case "windows":
		appData := os.Getenv("APPDATA")
		if appData != "" {
			return filepath.Join(appData, "Tipsync")
		}
		return filepath.Join(home, "AppData", "Roaming", "Tipsync")
	default:
		return filepath.Join(home, ".tipsync")
	}
}

// ChainDataDir returns the chain-specific data directory.
func (c *Config) ChainDataDir() string {
	return filepath.Join(c.DataDir, string(c.Network))
}

// IndexDir returns the IndexStore directory, honoring an explicit override.
func (c *Config) IndexDir() string {
	if c.Sync.IndexPath != "" {
		return c.Sync.IndexPath
	}
	return filepath.Join(c.ChainDataDir(), "index")
}

// BlockstoreDir returns the CAS blockstore directory, honoring an explicit override.
func (c *Config) BlockstoreDir() string {
	if c.Sync.BlockstorePath != "" {
		return c.Sync.BlockstorePath
	}
	return filepath.Join(c.ChainDataDir(), "blockstore")
}

// ResultCacheDir returns the InterpreterResult cache directory.
func (c *Config) ResultCacheDir() string {
	if c.Sync.ResultCachePath != "" {
		return c.Sync.ResultCachePath
	}
	return filepath.Join(c.ChainDataDir(), "results")
}

// LogsDir returns the logs directory.
func (c *Config) LogsDir() string {
	return filepath.Join(c.DataDir, "logs")
}

// ConfigFile returns the config file path.
func (c *Config) ConfigFile() string {
	return filepath.Join(c.DataDir, "tipsync.conf")
}
