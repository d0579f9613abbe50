package config

import (
	"fmt"

	"github.com/go-playground/validator/v10"
)

// Validate checks the configuration for invalid values.
//
// Struct-level constraints are expressed as `validate` tags and checked
// with go-playground/validator; cross-field rules that tags cannot
// express are checked here explicitly.
func Validate(cfg *Config) error {
	v := validator.New()
	if err := v.Struct(cfg); err != nil {
		return err
	}

	if cfg.Telemetry.Enabled && cfg.Telemetry.Endpoint == "" {
		return fmt.Errorf("telemetry is enabled but no endpoint is configured")
	}

	if cfg.Discovery.Enabled && len(cfg.Stores) > 0 {
		return fmt.Errorf("static stores and catalog discovery are mutually exclusive")
	}
	if cfg.Discovery.Enabled {
		if err := cfg.Discovery.Catalog.Validate(); err != nil {
			return fmt.Errorf("invalid discovery catalog: %w", err)
		}
	}

	seen := make(map[string]struct{}, len(cfg.Stores))
	for _, s := range cfg.Stores {
		if _, dup := seen[s.StoreID]; dup {
			return fmt.Errorf("duplicate store id %q", s.StoreID)
		}
		seen[s.StoreID] = struct{}{}
	}

	if cfg.Dispatcher.PollMinInterval > cfg.Dispatcher.PollMaxInterval {
		return fmt.Errorf("dispatcher poll_min_interval %v exceeds poll_max_interval %v",
			cfg.Dispatcher.PollMinInterval, cfg.Dispatcher.PollMaxInterval)
	}

	sem := cfg.Semaphore
	if sem.MinTTL > sem.MaxTTL {
		return fmt.Errorf("semaphore min_ttl %v exceeds max_ttl %v", sem.MinTTL, sem.MaxTTL)
	}
	if sem.DefaultTTL < sem.MinTTL || sem.DefaultTTL > sem.MaxTTL {
		return fmt.Errorf("semaphore default_ttl %v outside [%v, %v]",
			sem.DefaultTTL, sem.MinTTL, sem.MaxTTL)
	}

	return nil
}
