// Package discovery provides the control-plane catalog of application
// databases. The catalog is a small table of store definitions that the
// dispatcher's discovery refresh polls; operators edit it through the
// Catalog API or directly in SQL.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/sqlbus/sqlbus/pkg/dispatch"
)

// ErrNotFound reports a missing catalog entry.
var ErrNotFound = errors.New("store not found in catalog")

// DatabaseType selects the catalog backend.
type DatabaseType string

const (
	// DatabaseTypeSQLite keeps the catalog in a local file (single node).
	DatabaseTypeSQLite DatabaseType = "sqlite"

	// DatabaseTypePostgres hosts the catalog in the control-plane
	// database (multi-node).
	DatabaseTypePostgres DatabaseType = "postgres"
)

// Config configures the catalog connection.
type Config struct {
	Type DatabaseType

	// SQLitePath is the database file for the sqlite backend.
	// Default: $XDG_CONFIG_HOME/sqlbus/catalog.db
	SQLitePath string

	// PostgresDSN is the connection string for the postgres backend.
	PostgresDSN string
}

// ApplyDefaults fills in missing configuration.
func (c *Config) ApplyDefaults() {
	if c.Type == "" {
		c.Type = DatabaseTypeSQLite
	}
	if c.Type == DatabaseTypeSQLite && c.SQLitePath == "" {
		configDir := os.Getenv("XDG_CONFIG_HOME")
		if configDir == "" {
			homeDir, _ := os.UserHomeDir()
			configDir = filepath.Join(homeDir, ".config")
		}
		c.SQLitePath = filepath.Join(configDir, "sqlbus", "catalog.db")
	}
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	switch c.Type {
	case DatabaseTypeSQLite:
		if c.SQLitePath == "" {
			return fmt.Errorf("sqlite path is required")
		}
	case DatabaseTypePostgres:
		if c.PostgresDSN == "" {
			return fmt.Errorf("postgres dsn is required")
		}
	default:
		return fmt.Errorf("unsupported catalog database type: %s", c.Type)
	}
	return nil
}

// StoreRecord is one catalog row.
type StoreRecord struct {
	ID             uint   `gorm:"primaryKey"`
	StoreID        string `gorm:"uniqueIndex;not null"`
	ConnString     string `gorm:"not null"`
	Schema         string
	MaxConns       int
	IsControlPlane bool
	IsEnabled      bool `gorm:"default:true"`
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Catalog is the GORM-backed store catalog. It implements
// dispatch.Source.
type Catalog struct {
	db     *gorm.DB
	config *Config
}

var _ dispatch.Source = (*Catalog)(nil)

// Open connects to the catalog and migrates its schema.
func Open(config *Config) (*Catalog, error) {
	if config == nil {
		config = &Config{}
	}
	config.ApplyDefaults()
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid catalog configuration: %w", err)
	}

	var dialector gorm.Dialector
	switch config.Type {
	case DatabaseTypeSQLite:
		if err := os.MkdirAll(filepath.Dir(config.SQLitePath), 0755); err != nil {
			return nil, fmt.Errorf("failed to create catalog directory: %w", err)
		}
		dsn := config.SQLitePath + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
		dialector = sqlite.Open(dsn)
	case DatabaseTypePostgres:
		dialector = postgres.Open(config.PostgresDSN)
	default:
		return nil, fmt.Errorf("unsupported catalog database type: %s", config.Type)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to catalog: %w", err)
	}

	if err := db.AutoMigrate(&StoreRecord{}); err != nil {
		return nil, fmt.Errorf("failed to migrate catalog schema: %w", err)
	}

	return &Catalog{db: db, config: config}, nil
}

// DB returns the underlying GORM connection, for advanced queries and
// tests.
func (c *Catalog) DB() *gorm.DB {
	return c.db
}

// List returns every enabled store definition. Disabled entries are kept
// in the table but hidden from dispatchers.
func (c *Catalog) List(ctx context.Context) ([]dispatch.StoreDefinition, error) {
	var records []StoreRecord
	if err := c.db.WithContext(ctx).
		Where("is_enabled = ?", true).
		Order("store_id").
		Find(&records).Error; err != nil {
		return nil, fmt.Errorf("listing catalog: %w", err)
	}

	defs := make([]dispatch.StoreDefinition, 0, len(records))
	for _, r := range records {
		defs = append(defs, dispatch.StoreDefinition{
			StoreID:        r.StoreID,
			ConnString:     r.ConnString,
			Schema:         r.Schema,
			MaxConns:       r.MaxConns,
			IsControlPlane: r.IsControlPlane,
		})
	}
	return defs, nil
}

// Register upserts a store definition keyed by store id.
func (c *Catalog) Register(ctx context.Context, def dispatch.StoreDefinition) error {
	record := StoreRecord{
		StoreID:        def.StoreID,
		ConnString:     def.ConnString,
		Schema:         def.Schema,
		MaxConns:       def.MaxConns,
		IsControlPlane: def.IsControlPlane,
		IsEnabled:      true,
	}

	var existing StoreRecord
	err := c.db.WithContext(ctx).Where("store_id = ?", def.StoreID).First(&existing).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		if err := c.db.WithContext(ctx).Create(&record).Error; err != nil {
			return fmt.Errorf("registering store %q: %w", def.StoreID, err)
		}
		return nil
	case err != nil:
		return fmt.Errorf("looking up store %q: %w", def.StoreID, err)
	}

	existing.ConnString = def.ConnString
	existing.Schema = def.Schema
	existing.MaxConns = def.MaxConns
	existing.IsControlPlane = def.IsControlPlane
	existing.IsEnabled = true
	if err := c.db.WithContext(ctx).Save(&existing).Error; err != nil {
		return fmt.Errorf("updating store %q: %w", def.StoreID, err)
	}
	return nil
}

// Disable hides a store from dispatchers without deleting its row.
func (c *Catalog) Disable(ctx context.Context, storeID string) error {
	result := c.db.WithContext(ctx).
		Model(&StoreRecord{}).
		Where("store_id = ?", storeID).
		Update("is_enabled", false)
	if result.Error != nil {
		return fmt.Errorf("disabling store %q: %w", storeID, result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// Remove deletes a store definition.
func (c *Catalog) Remove(ctx context.Context, storeID string) error {
	result := c.db.WithContext(ctx).
		Where("store_id = ?", storeID).
		Delete(&StoreRecord{})
	if result.Error != nil {
		return fmt.Errorf("removing store %q: %w", storeID, result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// Close releases the catalog connection.
func (c *Catalog) Close() error {
	sqlDB, err := c.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
