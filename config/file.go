package config

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// LoadFile loads node configuration from a .conf file.
// Format: key = value (one per line, # for comments)
func LoadFile(path string) (map[string]string, error) {
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return make(map[string]string), nil
		}
		return nil, err
	}
	defer file.Close()

	values := make(map[string]string)
	scanner := bufio.NewScanner(file)
	lineNum := 0

	for scanner.Scan() {
		lineNum++
		line := strings.TrimSpace(scanner.Text())

		// Skip empty lines and comments
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		// Parse key = value
		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			return nil, fmt.Errorf("line %d: invalid format (expected key = value)", lineNum)
		}

		key := strings.TrimSpace(parts[0])
		value := strings.TrimSpace(parts[1])

		// Remove quotes if present
		if len(value) >= 2 {
			if (value[0] == '"' && value[len(value)-1] == '"') ||
				(value[0] == '\'' && value[len(value)-1] == '\'') {
				value = value[1 : len(value)-1]
			}
		}

		values[key] = value
	}

	return values, scanner.Err()
}

// ApplyFileConfig applies file configuration to a Config struct.
func ApplyFileConfig(cfg *Config, values map[string]string) error {
	for key, value := range values {
		if err := setConfigValue(cfg, key, value); err != nil {
			return fmt.Errorf("config key %q: %w", key, err)
		}
	}
	return nil
}

// setConfigValue sets a node config value by key.
// Only node-operational settings, NOT protocol rules.
func setConfigValue(cfg *Config, key, value string) error {
	switch key {
	// Core
	case "network":
		cfg.Network = NetworkType(value)
	case "datadir":
		cfg.DataDir = value

	// Peer directory
	case "peers.bootstrap":
		cfg.Peers.BootstrapPeers = parseStringList(value)
	case "peers.maxpeers":
		n, err := strconv.Atoi(value)
		if err != nil {
			return err
		}
		cfg.Peers.MaxPeers = n
	case "peers.protocols":
		cfg.Peers.RequiredProtocols = parseStringList(value)
	case "peers.genesis_cid":
		cfg.Peers.GenesisCID = value

	// Sync tuning
	case "sync.request_timeout":
		d, err := time.ParseDuration(value)
		if err != nil {
			return err
		}
		cfg.Sync.RequestTimeout = d
	case "sync.max_lookahead":
		n, err := strconv.Atoi(value)
		if err != nil {
			return err
		}
		cfg.Sync.MaxLookahead = n
	case "sync.max_blocksync_hop":
		n, err := strconv.Atoi(value)
		if err != nil {
			return err
		}
		cfg.Sync.MaxBlocksyncHop = n
	case "sync.index_path":
		cfg.Sync.IndexPath = value
	case "sync.blockstore_path":
		cfg.Sync.BlockstorePath = value
	case "sync.result_cache_path":
		cfg.Sync.ResultCachePath = value

	// Logging
	case "log.level":
		cfg.Log.Level = value
	case "log.file":
		cfg.Log.File = value
	case "log.json":
		cfg.Log.JSON = parseBool(value)

	default:
		// Unknown keys are ignored
	}
	return nil
}

// parseBool parses a boolean value.
func parseBool(s string) bool {
	s = strings.ToLower(s)
	return s == "true" || s == "1" || s == "yes" || s == "on"
}

// parseStringList parses a comma-separated list.
func parseStringList(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	result := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			result = append(result, p)
		}
	}
	return result
}

// WriteDefaultConfig writes a default node configuration file.
func WriteDefaultConfig(path string, network NetworkType) error {
	content := `# Tipsync Chain Synchronization Node Configuration
#
# This file contains NODE settings only. Protocol rules live in genesis
# and cannot be changed without a hard fork.

# Network: mainnet or testnet
network = ` + string(network) + `

# Data directory (default: ~/.tipsync)
# datadir = ~/.tipsync

# ============================================================================
# Peer directory
# ============================================================================

# Bootstrap peers (comma-separated multiaddr/peer-id strings)
# peers.bootstrap = /dns4/seed1.tipsync.io/tcp/30303/p2p/12D3KooW...

peers.maxpeers = 50
peers.protocols = /tipsync/blocksync/1.0.0,/tipsync/hello/1.0.0

# ============================================================================
# Chain synchronization
# ============================================================================

sync.request_timeout = 30s
sync.max_lookahead = 100
sync.max_blocksync_hop = 500

# ============================================================================
# Logging
# ============================================================================

log.level = info
# log.file =
log.json = false
`
	return os.WriteFile(path, []byte(content), 0644)
}
