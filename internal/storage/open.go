package storage

import (
	"fmt"

	"github.com/tos-network/apow-miner/internal/config"
)

// Open returns the store selected by cfg.Driver, or nil for "none"
func Open(cfg *config.StorageConfig) (Store, error) {
	switch cfg.Driver {
	case "", "none":
		return nil, nil
	case "redis":
		r, err := NewRedisClient(cfg.Redis.URL, cfg.Redis.Password, cfg.Redis.DB, cfg.Redis.Prefix, int64(cfg.MaxSolutions))
		if err != nil {
			return nil, err
		}
		return r, nil
	case "bolt":
		b, err := NewBoltStore(cfg.Bolt.Path, cfg.Bolt.Timeout, int64(cfg.MaxSolutions))
		if err != nil {
			return nil, err
		}
		return b, nil
	default:
		return nil, fmt.Errorf("unknown storage driver %q", cfg.Driver)
	}
}
