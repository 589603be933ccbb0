// Package migration brings item sources authored against older data schemas
// up to the current one.
//
// Each [Migration] targets one schema version. [Runner.Migrate] applies every
// migration newer than the source's recorded version, in order, and then
// stamps the source with [LatestSchemaVersion].
package migration

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/MrWong99/runeforge/internal/document"
)

// LatestSchemaVersion is the schema version every stored item conforms to.
const LatestSchemaVersion = 3

// Migration upgrades an item source to Version.
type Migration struct {
	Version float64
	Name    string

	// UpdateItem mutates src in place. actor is a scratch copy of the owner
	// with src already appended to its items; it may be nil for unowned items.
	UpdateItem func(ctx context.Context, src *document.ItemSource, actor *document.Actor) error
}

// Runner holds an ordered migration list.
type Runner struct {
	migrations []Migration
	latest     float64
}

// NewRunner returns a runner over migrations (sorted by version). With no
// arguments the built-in list is used.
func NewRunner(migrations ...Migration) *Runner {
	if len(migrations) == 0 {
		migrations = Builtin()
	}
	sorted := slices.Clone(migrations)
	slices.SortStableFunc(sorted, func(a, b Migration) int { return cmp.Compare(a.Version, b.Version) })
	latest := float64(LatestSchemaVersion)
	if n := len(sorted); n > 0 && sorted[n-1].Version > latest {
		latest = sorted[n-1].Version
	}
	return &Runner{migrations: sorted, latest: latest}
}

// Latest returns the schema version sources are migrated to.
func (r *Runner) Latest() float64 { return r.latest }

// ForVersion returns the migrations that must run for a source at version.
func (r *Runner) ForVersion(version float64) []Migration {
	var out []Migration
	for _, m := range r.migrations {
		if m.Version > version {
			out = append(out, m)
		}
	}
	return out
}

// NeedsMigration reports whether src is older than the latest schema.
func (r *Runner) NeedsMigration(src *document.ItemSource) bool {
	return src.System.Schema.Version < r.latest
}

// Migrate upgrades src in place. owner is not modified. Returns the number of
// migrations applied.
func (r *Runner) Migrate(ctx context.Context, src *document.ItemSource, owner *document.Actor) (int, error) {
	pending := r.ForVersion(src.System.Schema.Version)
	if len(pending) == 0 {
		return 0, nil
	}

	var scratch *document.Actor
	if owner != nil {
		scratch = owner.Clone()
		scratch.Items = append(scratch.Items, src)
	}
	for _, m := range pending {
		if err := m.UpdateItem(ctx, src, scratch); err != nil {
			return 0, fmt.Errorf("migration: %s (v%v) on %q: %w", m.Name, m.Version, src.Name, err)
		}
	}
	src.System.Schema.Version = r.latest
	return len(pending), nil
}

// Builtin returns the migrations shipped with the engine.
func Builtin() []Migration {
	return []Migration{
		{Version: 1, Name: "normalize-rule-keys", UpdateItem: normalizeRuleKeys},
		{Version: 2, Name: "add-slugs", UpdateItem: addSlugs},
		{Version: 3, Name: "normalize-traits", UpdateItem: normalizeTraits},
	}
}

const legacyRulePrefix = "PF2E.RuleElement."

// normalizeRuleKeys strips the legacy namespace from rule keys
// ("PF2E.RuleElement.FlatModifier" → "FlatModifier").
func normalizeRuleKeys(_ context.Context, src *document.ItemSource, _ *document.Actor) error {
	for _, rule := range src.System.Rules {
		if key, ok := rule["key"].(string); ok {
			rule["key"] = strings.TrimPrefix(key, legacyRulePrefix)
		}
	}
	return nil
}

func addSlugs(_ context.Context, src *document.ItemSource, _ *document.Actor) error {
	if src.System.Slug == "" {
		src.System.Slug = document.Sluggify(src.Name)
	}
	return nil
}

// normalizeTraits lower-cases traits and drops blanks and duplicates.
func normalizeTraits(_ context.Context, src *document.ItemSource, _ *document.Actor) error {
	seen := make(map[string]bool, len(src.System.Traits))
	traits := src.System.Traits[:0]
	for _, t := range src.System.Traits {
		t = strings.ToLower(strings.TrimSpace(t))
		if t == "" || seen[t] {
			continue
		}
		seen[t] = true
		traits = append(traits, t)
	}
	src.System.Traits = traits
	return nil
}
