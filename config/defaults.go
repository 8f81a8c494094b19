package config

import "time"

// DefaultMainnet returns the default node configuration for mainnet.
func DefaultMainnet() *Config {
	return &Config{
		Network: Mainnet,
		DataDir: DefaultDataDir(),
		Peers: PeerConfig{
			MaxPeers: 50,
			// BootstrapPeers are seed nodes that help new peers join the
			// network. Format: multiaddr strings, e.g.:
			//   "/ip4/203.0.113.1/tcp/30303/p2p/12D3KooW..."
			// Real addresses will be filled when seed servers are provisioned.
			BootstrapPeers:    []string{},
			RequiredProtocols: []string{"/tipsync/blocksync/1.0.0", "/tipsync/hello/1.0.0"},
		},
		Sync: SyncConfig{
			RequestTimeout:  30 * time.Second,
			MaxLookahead:    100,
			MaxBlocksyncHop: 500,
		},
		Log: LogConfig{
			Level: "info",
			JSON:  false,
		},
	}
}

// DefaultTestnet returns the default node configuration for testnet.
func DefaultTestnet() *Config {
	cfg := DefaultMainnet()
	cfg.Network = Testnet
	return cfg
}

// Default returns the default node configuration for the given network.
func Default(network NetworkType) *Config {
	switch network {
	case Testnet:
		return DefaultTestnet()
	default:
		return DefaultMainnet()
	}
}
