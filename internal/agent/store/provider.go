package store

import (
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/agentmux/agentmux/internal/common/config"
	"github.com/agentmux/agentmux/internal/common/logger"
	"github.com/agentmux/agentmux/internal/db"
)

// Provide builds the agent store selected by Database.Driver. The
// returned cleanup closes the store.
func Provide(cfg *config.Config, log *logger.Logger) (Store, func() error, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Database.Driver)) {
	case "memory":
		s := NewMemoryStore()
		return s, s.Close, nil

	case "", "sqlite":
		pool, err := db.OpenSQLitePool(cfg.Database.Path)
		if err != nil {
			return nil, nil, err
		}
		s, err := NewSQLStore(pool)
		if err != nil {
			pool.Close()
			return nil, nil, err
		}
		log.Info("agent store ready",
			zap.String("driver", "sqlite"),
			zap.String("path", cfg.Database.Path))
		return s, s.Close, nil

	case "postgres":
		pool, err := db.OpenPostgresPool(cfg.Database.DSN(), cfg.Database.MaxConns, cfg.Database.MinConns)
		if err != nil {
			return nil, nil, err
		}
		s, err := NewSQLStore(pool)
		if err != nil {
			pool.Close()
			return nil, nil, err
		}
		log.Info("agent store ready", zap.String("driver", "postgres"))
		return s, s.Close, nil

	default:
		return nil, nil, fmt.Errorf("unknown database driver %q", cfg.Database.Driver)
	}
}
