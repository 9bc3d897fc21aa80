package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"supplyledger/debug"
	"supplyledger/ledger"
	"supplyledger/protocol/params"
)

const envPrefix = "SUPPLYLEDGER_"

// Config is the full daemon/CLI configuration. Values are resolved in
// order: defaults, SUPPLYLEDGER_* environment variables, command-line flags.
type Config struct {
	DataDir      string
	Backend      string
	ChainFile    string
	Difficulty   int
	Hash         string
	SealWorkers  int
	SealTimeout  time.Duration
	Reinitialize bool

	APIAddr      string
	ExplorerAddr string

	NATSURL    string
	NATSPrefix string

	NoColor bool
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() Config {
	return Config{
		DataDir:     DefaultDataDir,
		Backend:     DefaultBackend,
		Difficulty:  params.DefaultDifficulty,
		Hash:        string(ledger.DefaultHash),
		SealTimeout: DefaultSealTimeout,
		APIAddr:     DefaultAPIAddr,
		NATSPrefix:  DefaultNATSPrefix,
	}
}

func envString(key string, dst *string) {
	if v, ok := os.LookupEnv(envPrefix + key); ok {
		*dst = strings.TrimSpace(v)
	}
}

// applyEnv overrides cfg from the environment. Unparseable numbers and
// booleans keep the current value; a malformed duration is an error.
func (cfg *Config) applyEnv() error {
	envString("DATA", &cfg.DataDir)
	envString("BACKEND", &cfg.Backend)
	envString("CHAIN_FILE", &cfg.ChainFile)
	envString("HASH", &cfg.Hash)
	envString("API", &cfg.APIAddr)
	envString("EXPLORER", &cfg.ExplorerAddr)
	envString("NATS_URL", &cfg.NATSURL)
	envString("NATS_PREFIX", &cfg.NATSPrefix)

	cfg.Difficulty = debug.EnvInt(envPrefix+"DIFFICULTY", cfg.Difficulty)
	cfg.SealWorkers = debug.EnvInt(envPrefix+"SEAL_WORKERS", cfg.SealWorkers)
	cfg.Reinitialize = debug.EnvBool(envPrefix+"REINITIALIZE", cfg.Reinitialize)
	cfg.NoColor = debug.EnvBool(envPrefix+"NOCOLOR", cfg.NoColor)

	if v := strings.TrimSpace(os.Getenv(envPrefix + "SEAL_TIMEOUT")); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%sSEAL_TIMEOUT: %w", envPrefix, err)
		}
		cfg.SealTimeout = d
	}
	return nil
}

// bindFlags registers the shared flags on fs, defaulting to cfg's current
// values so that flags win over the environment.
func (cfg *Config) bindFlags(fs *flag.FlagSet) {
	fs.StringVar(&cfg.DataDir, "data", cfg.DataDir, "Data directory")
	fs.StringVar(&cfg.Backend, "backend", cfg.Backend, "Storage backend: file, bolt or leveldb")
	fs.StringVar(&cfg.ChainFile, "chain-file", cfg.ChainFile, "Chain file/database name inside the data directory")
	fs.IntVar(&cfg.Difficulty, "difficulty", cfg.Difficulty, "Leading zero hex digits required of new blocks")
	fs.StringVar(&cfg.Hash, "hash", cfg.Hash, "Digest function: sha256 or sha3-256")
	fs.IntVar(&cfg.SealWorkers, "seal-workers", cfg.SealWorkers, "Sealing goroutines (0 = one per CPU)")
	fs.DurationVar(&cfg.SealTimeout, "seal-timeout", cfg.SealTimeout, "Maximum time spent sealing one block (0 = unbounded)")
	fs.BoolVar(&cfg.Reinitialize, "reinitialize", cfg.Reinitialize, "Quarantine an unreadable chain and start a new one")
	fs.BoolVar(&cfg.NoColor, "nocolor", cfg.NoColor, "Disable colored output")
}

// bindServeFlags registers flags only the serve command uses.
func (cfg *Config) bindServeFlags(fs *flag.FlagSet) {
	fs.StringVar(&cfg.APIAddr, "api", cfg.APIAddr, "Authenticated API listen address (empty = disabled)")
	fs.StringVar(&cfg.ExplorerAddr, "explorer", cfg.ExplorerAddr, "Public explorer listen address (e.g. :8080)")
	fs.StringVar(&cfg.NATSURL, "nats", cfg.NATSURL, "NATS server URL for event publication (empty = disabled)")
	fs.StringVar(&cfg.NATSPrefix, "nats-prefix", cfg.NATSPrefix, "NATS subject prefix")
}

// Validate checks cross-field constraints and normalizes names.
func (cfg *Config) Validate() error {
	var errs []error
	if strings.TrimSpace(cfg.DataDir) == "" {
		errs = append(errs, errors.New("data directory must not be empty"))
	}
	switch strings.ToLower(cfg.Backend) {
	case ledger.BackendFile, ledger.BackendBolt, ledger.BackendLevelDB:
		cfg.Backend = strings.ToLower(cfg.Backend)
	default:
		errs = append(errs, fmt.Errorf("unknown backend %q", cfg.Backend))
	}
	if cfg.Difficulty < 0 || cfg.Difficulty > params.MaxDifficulty {
		errs = append(errs, fmt.Errorf("difficulty %d out of range [0, %d]", cfg.Difficulty, params.MaxDifficulty))
	}
	if h, err := ledger.ParseHashFunc(cfg.Hash); err != nil {
		errs = append(errs, err)
	} else {
		cfg.Hash = string(h)
	}
	if cfg.SealWorkers < 0 {
		errs = append(errs, errors.New("seal workers must not be negative"))
	}
	if cfg.SealTimeout < 0 {
		errs = append(errs, errors.New("seal timeout must not be negative"))
	}
	if cfg.NATSURL != "" && strings.TrimSpace(cfg.NATSPrefix) == "" {
		errs = append(errs, errors.New("nats prefix must not be empty when nats is enabled"))
	}
	return errors.Join(errs...)
}

// LedgerOptions maps the config onto ledger.Options.
func (cfg *Config) LedgerOptions() ledger.Options {
	return ledger.Options{
		Difficulty:   cfg.Difficulty,
		Hash:         ledger.HashFunc(cfg.Hash),
		SealWorkers:  cfg.SealWorkers,
		SealTimeout:  cfg.SealTimeout,
		Reinitialize: cfg.Reinitialize,
	}
}

// NATSSubject is the subject appended events are published on.
func (cfg *Config) NATSSubject() string {
	return strings.TrimSuffix(cfg.NATSPrefix, ".") + "." + params.SubjectEvents
}

// loadConfig resolves defaults and environment, then parses args with fs.
func loadConfig(fs *flag.FlagSet, args []string, serve bool) (Config, error) {
	cfg := DefaultConfig()
	if err := cfg.applyEnv(); err != nil {
		return cfg, err
	}
	cfg.bindFlags(fs)
	if serve {
		cfg.bindServeFlags(fs)
	}
	if err := fs.Parse(args); err != nil {
		return cfg, err
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}
