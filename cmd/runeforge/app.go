package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/MrWong99/runeforge/internal/compendium"
	"github.com/MrWong99/runeforge/internal/config"
	"github.com/MrWong99/runeforge/internal/document"
	"github.com/MrWong99/runeforge/internal/document/memstore"
	"github.com/MrWong99/runeforge/internal/document/postgres"
	"github.com/MrWong99/runeforge/internal/lifecycle"
	"github.com/MrWong99/runeforge/internal/rules"
	"github.com/MrWong99/runeforge/internal/rules/elements"
)

// app holds everything a command needs once the config is loaded.
type app struct {
	cfg      *config.Config
	logger   *slog.Logger
	store    document.Store
	importer document.Importer
	index    *compendium.Index
	fetcher  *compendium.GuardedFetcher
	registry *rules.Registry
	mediator *lifecycle.Mediator
	closers  []func()
}

// storeRegistry maps backend names onto store factories. Each factory also
// reports the raw lookup function used as a compendium backend.
func storeRegistry(lookups map[config.Backend]compendium.Fetcher) *config.Registry {
	reg := config.NewRegistry()
	reg.RegisterStore(config.BackendMemory, func(context.Context, config.StoreConfig) (document.Store, func(), error) {
		s := memstore.New()
		lookups[config.BackendMemory] = s
		return s, nil, nil
	})
	reg.RegisterStore(config.BackendPostgres, func(ctx context.Context, sc config.StoreConfig) (document.Store, func(), error) {
		s, err := postgres.Open(ctx, sc.PostgresDSN)
		if err != nil {
			return nil, nil, err
		}
		lookups[config.BackendPostgres] = compendium.FetcherFunc(s.Lookup)
		return s, s.Close, nil
	})
	return reg
}

// newApp opens the configured store, loads the configured compendium content
// and builds the mediator.
func newApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*app, error) {
	lookups := make(map[config.Backend]compendium.Fetcher)
	store, closeStore, err := storeRegistry(lookups).CreateStore(ctx, cfg.Store)
	if err != nil {
		return nil, err
	}
	a := &app{
		cfg:     cfg,
		logger:  logger,
		index:   compendium.NewIndex(),
		closers: []func(){closeStore},
	}
	if imp, ok := store.(document.Importer); ok {
		a.importer = imp
	}

	a.fetcher = compendium.NewGuardedFetcher(compendium.GuardConfig{
		Timeout: 5 * time.Second,
		Logger:  logger,
	}).Add("index", a.index)
	if lookup, ok := lookups[cfg.Store.Backend]; ok {
		a.fetcher.Add(string(cfg.Store.Backend), lookup)
	}
	a.store = compendium.Guard(store, a.fetcher)

	if err := a.loadCompendium(ctx); err != nil {
		a.Close()
		return nil, err
	}

	a.registry = elements.NewRegistry()
	a.registry.SetDisabled(cfg.Rules.DisabledKeys...)
	a.mediator = lifecycle.New(a.store,
		lifecycle.WithRegistry(a.registry),
		lifecycle.WithLogger(logger),
		lifecycle.WithMaxParallel(cfg.Rules.MaxParallelPasses),
		lifecycle.WithElementOptions(rules.Options{
			Debug:            cfg.Rules.Debug,
			SuppressWarnings: cfg.Rules.SuppressWarnings,
		}),
	)
	return a, nil
}

// worldTarget sends Foundry items to the in-memory index and actors to the
// document store.
type worldTarget struct {
	document.Importer
	actors compendium.ActorSaver
}

func (w worldTarget) SaveActor(ctx context.Context, actor *document.Actor) error {
	return w.actors.SaveActor(ctx, actor)
}

func (a *app) loadCompendium(ctx context.Context) error {
	for _, path := range a.cfg.Compendium.Packs {
		pack, err := compendium.LoadPackFile(path)
		if err != nil {
			return err
		}
		n, err := compendium.ImportPack(ctx, a.index, pack)
		if err != nil {
			return err
		}
		a.logger.Info("compendium pack loaded", "path", path, "pack", pack.Pack.Name, "items", n)
	}
	for _, path := range a.cfg.Compendium.FoundryExports {
		sum, err := importFoundryFile(ctx, worldTarget{Importer: a.index, actors: a.store}, path, a.logger)
		if err != nil {
			return err
		}
		a.logger.Info("foundry export loaded", "path", path, "items", sum.Items, "actors", sum.Actors, "skipped", sum.Skipped)
	}
	return nil
}

func importFoundryFile(ctx context.Context, dst document.Importer, path string, logger *slog.Logger) (compendium.ImportSummary, error) {
	f, err := os.Open(path)
	if err != nil {
		return compendium.ImportSummary{}, fmt.Errorf("open foundry export %q: %w", path, err)
	}
	defer f.Close()
	return compendium.ImportFoundryVTT(ctx, dst, f, logger)
}

// Close releases the store.
func (a *app) Close() {
	for _, c := range a.closers {
		c()
	}
}

// persistentImporter returns the store as an import destination, or an
// error when the backend keeps nothing between runs.
func (a *app) persistentImporter() (document.Importer, error) {
	if a.importer == nil {
		return nil, fmt.Errorf("store backend %q does not accept compendium content", a.cfg.Store.Backend)
	}
	if a.cfg.Store.Backend == config.BackendMemory {
		return nil, errors.New("the memory backend does not persist imports; list the files under compendium in the config instead")
	}
	return a.importer, nil
}
