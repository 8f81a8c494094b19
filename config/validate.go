package config

import "fmt"

// Validate checks runtime node config for obvious operator mistakes.
func Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}
	if cfg.Network != Mainnet && cfg.Network != Testnet {
		return fmt.Errorf("network must be %q or %q", Mainnet, Testnet)
	}
	if cfg.DataDir == "" {
		return fmt.Errorf("datadir must not be empty")
	}

	if cfg.Peers.MaxPeers < 0 {
		return fmt.Errorf("peers.maxpeers must be >= 0")
	}
	if len(cfg.Peers.RequiredProtocols) == 0 {
		return fmt.Errorf("peers.protocols must list at least one protocol id")
	}

	if cfg.Sync.RequestTimeout <= 0 {
		return fmt.Errorf("sync.request_timeout must be positive")
	}
	if cfg.Sync.MaxLookahead <= 0 || cfg.Sync.MaxLookahead > 100 {
		return fmt.Errorf("sync.max_lookahead must be in range (0, 100]")
	}
	if cfg.Sync.MaxBlocksyncHop <= 0 {
		return fmt.Errorf("sync.max_blocksync_hop must be positive")
	}

	switch cfg.Log.Level {
	case "debug", "info", "warn", "error", "":
	default:
		return fmt.Errorf("log.level must be one of debug, info, warn, error")
	}

	return nil
}
