package config

import (
	"context"
	"fmt"

	"github.com/sqlbus/sqlbus/internal/logger"
	"github.com/sqlbus/sqlbus/pkg/discovery"
	"github.com/sqlbus/sqlbus/pkg/dispatch"
	"github.com/sqlbus/sqlbus/pkg/store"
	"github.com/sqlbus/sqlbus/pkg/store/postgres"
)

// BuildProvider creates the store provider from the configuration.
//
// Two registration modes exist:
//   - Static: cfg.Stores lists the application databases explicitly.
//   - Discovery: cfg.Discovery points at a catalog that is polled for
//     store definitions at runtime.
//
// The modes are mutually exclusive; Validate enforces that before this
// function runs. The returned closer shuts down whatever the provider
// opened (pools, the discovery refresher, the catalog connection).
func BuildProvider(ctx context.Context, cfg *Config) (dispatch.Provider, func(), error) {
	if cfg.Discovery.Enabled {
		return buildDiscoveryProvider(ctx, cfg)
	}
	return buildStaticProvider(ctx, cfg)
}

// buildStaticProvider opens every configured store up front.
func buildStaticProvider(ctx context.Context, cfg *Config) (dispatch.Provider, func(), error) {
	if len(cfg.Stores) == 0 {
		return nil, nil, fmt.Errorf("no stores configured; add a stores entry or enable discovery")
	}

	opened := make([]store.Store, 0, len(cfg.Stores))
	closeAll := func() {
		for _, s := range opened {
			if c, ok := s.(interface{ Close() }); ok {
				c.Close()
			}
		}
	}

	for _, sc := range cfg.Stores {
		st, err := openStore(ctx, cfg, sc)
		if err != nil {
			closeAll()
			return nil, nil, fmt.Errorf("failed to open store %q: %w", sc.StoreID, err)
		}
		opened = append(opened, st)
		logger.Info("Opened store", logger.KeyStore, sc.StoreID)
	}

	provider, err := dispatch.NewStaticProvider(opened...)
	if err != nil {
		closeAll()
		return nil, nil, err
	}
	return provider, closeAll, nil
}

// buildDiscoveryProvider opens the catalog and starts the refresher.
func buildDiscoveryProvider(ctx context.Context, cfg *Config) (dispatch.Provider, func(), error) {
	catalog, err := discovery.Open(&cfg.Discovery.Catalog)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open store catalog: %w", err)
	}

	factory := func(ctx context.Context, def dispatch.StoreDefinition) (store.Store, error) {
		return openStore(ctx, cfg, StoreConfig{
			StoreID:    def.StoreID,
			ConnString: def.ConnString,
			Schema:     def.Schema,
			MaxConns:   def.MaxConns,
		})
	}

	provider, err := dispatch.NewDiscoveryProvider(ctx, catalog, factory, dispatch.DiscoveryConfig{
		RefreshInterval: cfg.Discovery.RefreshInterval,
	})
	if err != nil {
		_ = catalog.Close()
		return nil, nil, fmt.Errorf("failed to start store discovery: %w", err)
	}
	provider.Start(ctx)

	closeAll := func() {
		provider.Stop()
		_ = catalog.Close()
	}
	return provider, closeAll, nil
}

// openStore opens one PostgreSQL store honoring the global schema
// deployment switch.
func openStore(ctx context.Context, cfg *Config, sc StoreConfig) (store.Store, error) {
	return postgres.Open(ctx, &postgres.Config{
		StoreID:                sc.StoreID,
		ConnString:             sc.ConnString,
		Schema:                 sc.Schema,
		MaxConns:               int32(sc.MaxConns),
		EnableSchemaDeployment: cfg.IsSchemaDeploymentEnabled(),
	})
}

// SelectionStrategy builds the configured multi-store rotation.
func (c *DispatcherConfig) SelectionStrategy() dispatch.SelectionStrategy {
	if c.Strategy == "drain_first" {
		return dispatch.DrainFirst{}
	}
	return dispatch.RoundRobin{}
}
