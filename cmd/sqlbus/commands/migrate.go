package commands

import (
	"context"
	"fmt"

	"github.com/sqlbus/sqlbus/internal/logger"
	"github.com/sqlbus/sqlbus/pkg/config"
	"github.com/sqlbus/sqlbus/pkg/discovery"
	"github.com/sqlbus/sqlbus/pkg/schema"
	"github.com/sqlbus/sqlbus/pkg/store/postgres"
	"github.com/spf13/cobra"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Run database migrations",
	Long: `Run schema migrations against every configured application store.

This command deploys the message tables (outbox, inbox, timers, jobs,
joins, fanout, leases, semaphores) into each store listed in the
configuration, or into each store registered in the discovery catalog when
discovery is enabled. It is required after upgrading SQLBus when schema
changes have been made, and when enable_schema_deployment is turned off so
the server no longer migrates on startup.

Examples:
  # Run migrations with default config
  sqlbus migrate

  # Run migrations with custom config
  sqlbus migrate --config /etc/sqlbus/config.yaml`,
	RunE: runMigrate,
}

func runMigrate(cmd *cobra.Command, args []string) error {
	cfg, err := config.MustLoad(GetConfigFile())
	if err != nil {
		return err
	}

	// Initialize the structured logger
	if err := InitLogger(cfg); err != nil {
		return err
	}

	ctx := context.Background()

	targets, err := migrationTargets(ctx, cfg)
	if err != nil {
		return err
	}
	if len(targets) == 0 {
		return fmt.Errorf("no stores to migrate; add a stores entry or register stores in the catalog")
	}

	logger.Info("Running database migrations", "stores", len(targets))

	mgr := schema.NewManager()
	if err := mgr.Deploy(ctx, targets); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	fmt.Printf("Migrations completed successfully (%d stores)\n", len(targets))
	return nil
}

// migrationTargets resolves the stores to migrate from the static list or
// the discovery catalog. Control-plane catalog entries are skipped; they
// carry no message tables.
func migrationTargets(ctx context.Context, cfg *config.Config) ([]postgres.Config, error) {
	if !cfg.Discovery.Enabled {
		targets := make([]postgres.Config, 0, len(cfg.Stores))
		for _, sc := range cfg.Stores {
			targets = append(targets, postgres.Config{
				StoreID:    sc.StoreID,
				ConnString: sc.ConnString,
				Schema:     sc.Schema,
				MaxConns:   int32(sc.MaxConns),
			})
		}
		return targets, nil
	}

	catalog, err := discovery.Open(&cfg.Discovery.Catalog)
	if err != nil {
		return nil, fmt.Errorf("failed to open store catalog: %w", err)
	}
	defer func() { _ = catalog.Close() }()

	defs, err := catalog.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list stores from catalog: %w", err)
	}

	targets := make([]postgres.Config, 0, len(defs))
	for _, def := range defs {
		if def.IsControlPlane {
			continue
		}
		targets = append(targets, postgres.Config{
			StoreID:    def.StoreID,
			ConnString: def.ConnString,
			Schema:     def.Schema,
			MaxConns:   int32(def.MaxConns),
		})
	}
	return targets, nil
}
