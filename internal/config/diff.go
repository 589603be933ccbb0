package config

import "slices"

// ConfigDiff describes what changed between two configs. Hot-reloadable
// changes are reported field by field; everything else is listed in
// RestartRequired.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	RulesChanged bool // any of Debug, SuppressWarnings or DisabledKeys changed
	Rules        RulesConfig

	// RestartRequired names changed settings that only take effect on restart.
	RestartRequired []string
}

// IsEmpty reports whether nothing changed.
func (d ConfigDiff) IsEmpty() bool {
	return !d.LogLevelChanged && !d.RulesChanged && len(d.RestartRequired) == 0
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{Rules: new.Rules}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	if old.Rules.Debug != new.Rules.Debug ||
		old.Rules.SuppressWarnings != new.Rules.SuppressWarnings ||
		!sameSet(old.Rules.DisabledKeys, new.Rules.DisabledKeys) {
		d.RulesChanged = true
	}

	if old.Server.ListenAddr != new.Server.ListenAddr {
		d.RestartRequired = append(d.RestartRequired, "server.listen_addr")
	}
	if old.Store != new.Store {
		d.RestartRequired = append(d.RestartRequired, "store")
	}
	if old.Rules.MaxParallelPasses != new.Rules.MaxParallelPasses {
		d.RestartRequired = append(d.RestartRequired, "rules.max_parallel_passes")
	}
	if !slices.Equal(old.Compendium.Packs, new.Compendium.Packs) ||
		!slices.Equal(old.Compendium.FoundryExports, new.Compendium.FoundryExports) {
		d.RestartRequired = append(d.RestartRequired, "compendium")
	}
	if old.Telemetry != new.Telemetry {
		d.RestartRequired = append(d.RestartRequired, "telemetry")
	}
	return d
}

// sameSet compares a and b ignoring order.
func sameSet(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	as, bs := slices.Clone(a), slices.Clone(b)
	slices.Sort(as)
	slices.Sort(bs)
	return slices.Equal(as, bs)
}
