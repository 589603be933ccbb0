package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	"gopkg.in/yaml.v3"
)

// KnownBackends lists the backends shipped with runeforge. [Validate] warns
// about other names, which may belong to a third-party registration.
var KnownBackends = []Backend{BackendMemory, BackendPostgres}

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, fills in defaults and
// validates the result. An empty document yields the default config.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	cfg.ApplyDefaults()
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns a config with every default applied.
func Default() *Config {
	cfg := &Config{}
	cfg.ApplyDefaults()
	return cfg
}

// ApplyDefaults fills empty fields with their defaults.
func (c *Config) ApplyDefaults() {
	if c.Server.ListenAddr == "" {
		c.Server.ListenAddr = DefaultListenAddr
	}
	if c.Server.LogLevel == "" {
		c.Server.LogLevel = LogInfo
	}
	if c.Store.Backend == "" {
		c.Store.Backend = BackendMemory
	}
	if c.Rules.MaxParallelPasses == 0 {
		c.Rules.MaxParallelPasses = DefaultMaxParallelPasses
	}
	if c.Telemetry.ServiceName == "" {
		c.Telemetry.ServiceName = DefaultServiceName
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	if cfg.Store.Backend != "" && !slices.Contains(KnownBackends, cfg.Store.Backend) {
		slog.Warn("unknown store backend, it must be registered before use",
			"backend", cfg.Store.Backend,
			"known", KnownBackends,
		)
	}
	if cfg.Store.Backend == BackendPostgres && cfg.Store.PostgresDSN == "" {
		errs = append(errs, errors.New("store.postgres_dsn is required when store.backend is postgres"))
	}
	if cfg.Store.Backend != BackendPostgres && cfg.Store.PostgresDSN != "" {
		slog.Warn("store.postgres_dsn is set but store.backend is not postgres; it will be ignored",
			"backend", cfg.Store.Backend)
	}

	if cfg.Rules.MaxParallelPasses < 0 {
		errs = append(errs, fmt.Errorf("rules.max_parallel_passes %d must not be negative", cfg.Rules.MaxParallelPasses))
	}
	seen := make(map[string]int, len(cfg.Rules.DisabledKeys))
	for i, key := range cfg.Rules.DisabledKeys {
		if key == "" {
			errs = append(errs, fmt.Errorf("rules.disabled_keys[%d] must not be empty", i))
			continue
		}
		if prev, ok := seen[key]; ok {
			errs = append(errs, fmt.Errorf("rules.disabled_keys[%d] %q is a duplicate of rules.disabled_keys[%d]", i, key, prev))
		}
		seen[key] = i
	}

	for i, p := range cfg.Compendium.Packs {
		if p == "" {
			errs = append(errs, fmt.Errorf("compendium.packs[%d] must not be empty", i))
		}
	}
	for i, p := range cfg.Compendium.FoundryExports {
		if p == "" {
			errs = append(errs, fmt.Errorf("compendium.foundry_exports[%d] must not be empty", i))
		}
	}

	return errors.Join(errs...)
}
