package results

import (
	"fmt"

	"github.com/kilianp07/ems/core/factory"
)

var storeRegistry = factory.NewRegistry[Store]()

// StoreConfig is the configuration shared by the bundled stores.
type StoreConfig struct {
	Path string `json:"path"`
	// MaxSizeMB, MaxBackups and MaxAgeDays rotate the jsonl store.
	MaxSizeMB  int `json:"max_size_mb"`
	MaxBackups int `json:"max_backups"`
	MaxAgeDays int `json:"max_age_days"`
}

func decodeStoreConfig(conf map[string]any, def string) (StoreConfig, error) {
	var c StoreConfig
	if err := factory.Decode(conf, &c); err != nil {
		return c, err
	}
	if c.Path == "" {
		c.Path = def
	}
	return c, nil
}

func init() {
	storeRegistry.MustRegister("sqlite", func(conf map[string]any) (Store, error) {
		c, err := decodeStoreConfig(conf, "results.db")
		if err != nil {
			return nil, err
		}
		return NewSQLiteStore(c.Path)
	})
	storeRegistry.MustRegister("jsonl", func(conf map[string]any) (Store, error) {
		c, err := decodeStoreConfig(conf, "results.jsonl")
		if err != nil {
			return nil, err
		}
		return NewRotatingJSONLStore(c.Path, c.MaxSizeMB, c.MaxBackups, c.MaxAgeDays)
	})
}

// RegisterStore adds a store factory identified by name.
func RegisterStore(name string, f factory.Factory[Store]) error {
	return storeRegistry.Register(name, f)
}

// NewStore creates the store described by cfg.
func NewStore(cfg factory.ModuleConfig) (Store, error) {
	s, err := storeRegistry.Create(cfg)
	if err != nil {
		return nil, fmt.Errorf("results store: %w", err)
	}
	return s, nil
}
