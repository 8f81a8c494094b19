package config

import (
	"flag"
	"fmt"
	"os"
	"strings"
	"time"
)

// Flags holds parsed command-line flags.
type Flags struct {
	// Commands
	Help    bool
	Version bool

	// Core
	Network string
	DataDir string
	Config  string

	// Peer directory
	Bootstrap  string
	MaxPeers   int
	Protocols  string
	GenesisCID string

	// Sync tuning
	RequestTimeout  string
	MaxLookahead    int
	MaxBlocksyncHop int
	IndexPath       string
	BlockstorePath  string
	ResultCachePath string

	// Maintenance
	RebuildIndexes bool

	// Logging
	LogLevel string
	LogFile  string
	LogJSON  bool

	// Remaining args
	Args []string

	// Explicitly-set bool flags (for true/false overrides).
	SetLogJSON        bool
	SetRebuildIndexes bool
}

// ParseFlags parses command-line flags.
func ParseFlags() *Flags {
	f := &Flags{}
	fs := flag.NewFlagSet("tipsync", flag.ContinueOnError)

	// Commands
	fs.BoolVar(&f.Help, "help", false, "Show help message")
	fs.BoolVar(&f.Help, "h", false, "Show help message (shorthand)")
	fs.BoolVar(&f.Version, "version", false, "Show version information")
	fs.BoolVar(&f.Version, "v", false, "Show version (shorthand)")

	// Core
	fs.StringVar(&f.Network, "network", "", "Network type (mainnet or testnet)")
	fs.Bool("testnet", false, "Use testnet (shorthand for --network=testnet)")
	fs.StringVar(&f.DataDir, "datadir", "", "Data directory path")
	fs.StringVar(&f.Config, "config", "", "Config file path")
	fs.StringVar(&f.Config, "c", "", "Config file path (shorthand)")

	// Peer directory
	fs.StringVar(&f.Bootstrap, "bootstrap", "", "Bootstrap peers as comma-separated libp2p multiaddrs")
	fs.IntVar(&f.MaxPeers, "maxpeers", 0, "Maximum number of tracked peers")
	fs.StringVar(&f.Protocols, "protocols", "", "Required protocol IDs (comma-separated)")
	fs.StringVar(&f.GenesisCID, "genesis-cid", "", "Expected genesis block CID")

	// Sync tuning
	fs.StringVar(&f.RequestTimeout, "request-timeout", "", "TipsetLoader per-request timeout (e.g. 30s)")
	fs.IntVar(&f.MaxLookahead, "max-lookahead", 0, "Lookahead bound setting, validated only (InterpreterJob uses its fixed 100)")
	fs.IntVar(&f.MaxBlocksyncHop, "max-blocksync-hop", 0, "Max tipsets requested per backward loader call")
	fs.StringVar(&f.IndexPath, "index-path", "", "IndexStore directory override")
	fs.StringVar(&f.BlockstorePath, "blockstore-path", "", "CAS blockstore directory override")
	fs.StringVar(&f.ResultCachePath, "result-cache-path", "", "InterpreterResult cache directory override")

	// Maintenance
	fs.BoolVar(&f.RebuildIndexes, "rebuild-indexes", false, "Rebuild IndexStore projections from the blockstore on startup")

	// Logging
	fs.StringVar(&f.LogLevel, "log-level", "", "Log level (debug, info, warn, error)")
	fs.StringVar(&f.LogFile, "log-file", "", "Log file path")
	fs.BoolVar(&f.LogJSON, "log-json", false, "Output logs as JSON")

	fs.Usage = func() {
		printUsage()
	}

	if err := fs.Parse(os.Args[1:]); err != nil {
		if err == flag.ErrHelp {
			os.Exit(0)
		}
		os.Exit(1)
	}

	// Handle --testnet shorthand
	if isFlagSet(fs, "testnet") {
		f.Network = "testnet"
	}
	f.SetLogJSON = isFlagSet(fs, "log-json")
	f.SetRebuildIndexes = isFlagSet(fs, "rebuild-indexes")

	f.Args = fs.Args()

	// Detect unparsed flags caused by positional arguments stopping the parser.
	for _, arg := range f.Args {
		if strings.HasPrefix(arg, "-") {
			fmt.Fprintf(os.Stderr, "Error: flag %q was not parsed (positional argument stopped parsing)\n", arg)
			os.Exit(1)
		}
	}

	return f
}

// ApplyFlags applies command-line flags to a Config struct.
func ApplyFlags(cfg *Config, f *Flags) {
	// Core
	if f.Network != "" {
		cfg.Network = NetworkType(f.Network)
	}
	if f.DataDir != "" {
		cfg.DataDir = f.DataDir
	}

	// Peer directory
	if f.Bootstrap != "" {
		cfg.Peers.BootstrapPeers = parseStringList(f.Bootstrap)
	}
	if f.MaxPeers != 0 {
		cfg.Peers.MaxPeers = f.MaxPeers
	}
	if f.Protocols != "" {
		cfg.Peers.RequiredProtocols = parseStringList(f.Protocols)
	}
	if f.GenesisCID != "" {
		cfg.Peers.GenesisCID = f.GenesisCID
	}

	// Sync tuning
	if f.RequestTimeout != "" {
		if d, err := time.ParseDuration(f.RequestTimeout); err == nil {
			cfg.Sync.RequestTimeout = d
		}
	}
	if f.MaxLookahead != 0 {
		cfg.Sync.MaxLookahead = f.MaxLookahead
	}
	if f.MaxBlocksyncHop != 0 {
		cfg.Sync.MaxBlocksyncHop = f.MaxBlocksyncHop
	}
	if f.IndexPath != "" {
		cfg.Sync.IndexPath = f.IndexPath
	}
	if f.BlockstorePath != "" {
		cfg.Sync.BlockstorePath = f.BlockstorePath
	}
	if f.ResultCachePath != "" {
		cfg.Sync.ResultCachePath = f.ResultCachePath
	}

	// Maintenance
	if f.SetRebuildIndexes {
		cfg.RebuildIndexes = f.RebuildIndexes
	}

	// Logging
	if f.LogLevel != "" {
		cfg.Log.Level = f.LogLevel
	}
	if f.LogFile != "" {
		cfg.Log.File = f.LogFile
	}
	if f.SetLogJSON {
		cfg.Log.JSON = f.LogJSON
	}
}

// isFlagSet checks if a flag was explicitly set.
func isFlagSet(fs *flag.FlagSet, name string) bool {
	found := false
	fs.Visit(func(f *flag.Flag) {
		if f.Name == name {
			found = true
		}
	})
	return found
}

func printUsage() {
	usage := `Tipsync - chain synchronization core

Usage:
  tipsyncd [options]
  tipsyncd --help

Commands:
  --help, -h      Show this help message
  --version, -v   Show version information

Core Options:
  --network       Network type: mainnet (default) or testnet
  --testnet       Shorthand for --network=testnet
  --datadir       Data directory (default: ~/.tipsync)
  --config, -c    Config file path (default: <datadir>/tipsync.conf)

Peer Directory Options:
  --bootstrap     Bootstrap peers as comma-separated libp2p multiaddrs
  --maxpeers      Maximum number of tracked peers (default: 50)
  --protocols     Required protocol IDs (comma-separated)
  --genesis-cid   Expected genesis block CID

Sync Tuning Options:
  --request-timeout     TipsetLoader per-request timeout (default: 30s)
  --max-lookahead       Lookahead bound setting, validated only (default: 100)
  --max-blocksync-hop   Max tipsets requested per backward loader call (default: 500)
  --index-path          IndexStore directory override
  --blockstore-path     CAS blockstore directory override
  --result-cache-path   InterpreterResult cache directory override

Maintenance Options:
  --rebuild-indexes   Rebuild IndexStore projections from the blockstore on startup

Logging Options:
  --log-level     Log level: debug, info, warn, error (default: info)
  --log-file      Log file path (default: stdout)
  --log-json      Output logs as JSON

Examples:
  # Start mainnet sync node
  tipsyncd

  # Start testnet sync node
  tipsyncd --network=testnet

  # Rebuild the index store from the local blockstore
  tipsyncd --rebuild-indexes

Note:
  The transport layer, VM and blockstore are external collaborators and are
  not configured here. Data directories are created automatically on first
  start.
`
	fmt.Print(usage)
}

// Load loads configuration with the following precedence:
// 1. Default values
// 2. Auto-create data dirs + default config (idempotent)
// 3. Config file
// 4. Command-line flags
func Load() (*Config, *Flags, error) {
	flags := ParseFlags()

	if flags.Help {
		printUsage()
		os.Exit(0)
	}
	if flags.Version {
		fmt.Println("tipsyncd version 0.1.0")
		os.Exit(0)
	}

	network := Mainnet
	if strings.ToLower(flags.Network) == "testnet" {
		network = Testnet
	}

	cfg := Default(network)

	if flags.DataDir != "" {
		cfg.DataDir = flags.DataDir
	}

	if err := EnsureDataDirs(cfg); err != nil {
		return nil, nil, fmt.Errorf("ensuring data dirs: %w", err)
	}

	configPath := flags.Config
	if configPath == "" {
		configPath = cfg.ConfigFile()
	}

	fileValues, err := LoadFile(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("loading config file: %w", err)
	}

	if err := ApplyFileConfig(cfg, fileValues); err != nil {
		return nil, nil, fmt.Errorf("applying config file: %w", err)
	}

	ApplyFlags(cfg, flags)
	if err := Validate(cfg); err != nil {
		return nil, nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, flags, nil
}

// EnsureDataDirs creates the data directory structure and a default config
// file if they don't already exist. Idempotent: safe to call on every
// startup.
func EnsureDataDirs(cfg *Config) error {
	dirs := []string{
		cfg.DataDir,
		cfg.ChainDataDir(),
		cfg.IndexDir(),
		cfg.BlockstoreDir(),
		cfg.ResultCacheDir(),
		cfg.LogsDir(),
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("creating directory %s: %w", dir, err)
		}
	}

	configPath := cfg.ConfigFile()
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		if err := WriteDefaultConfig(configPath, cfg.Network); err != nil {
			return fmt.Errorf("writing config file: %w", err)
		}
	}

	return nil
}
