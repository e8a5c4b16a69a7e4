package migrate

import (
	"context"
	"fmt"

	"github.com/angelmondragon/backoffice-core/pkg/config"
	"github.com/angelmondragon/backoffice-core/pkg/db"
	"github.com/angelmondragon/backoffice-core/pkg/logger"
)

// autoMigrateAllowed reports whether embedded migrations may run at process start.
// Only dev honours BACKOFFICE_AUTO_MIGRATE; other environments migrate through cmd/migrate.
func autoMigrateAllowed(app config.AppConfig) (bool, string) {
	switch {
	case !app.AutoMigrate:
		return false, "auto-migrate disabled"
	case !app.IsDev():
		return false, "auto-migrate ignored outside dev"
	default:
		return true, ""
	}
}

// MaybeRunDev applies the embedded outbox migrations when running in dev with
// auto-migrate enabled.
func MaybeRunDev(ctx context.Context, cfg *config.Config, logg *logger.Logger, client *db.Client) error {
	if cfg == nil || client == nil {
		return fmt.Errorf("config and db client are required")
	}

	ctx = logg.WithFields(ctx, map[string]any{"env": cfg.App.Env, "component": "migrate"})
	allowed, reason := autoMigrateAllowed(cfg.App)
	if !allowed {
		if cfg.App.AutoMigrate {
			logg.Warn(ctx, reason)
		} else {
			logg.Debug(ctx, reason)
		}
		return nil
	}

	sqlDB, err := client.DB().DB()
	if err != nil {
		return fmt.Errorf("extracting sql.DB: %w", err)
	}

	m, err := NewMigrator(sqlDB, cfg.DB.Driver, EmbeddedFS())
	if err != nil {
		return err
	}
	applied, err := m.Up(ctx)
	if err != nil {
		return err
	}
	for _, line := range applied {
		logg.Info(logg.WithField(ctx, "migration", line), "migration applied")
	}

	version, err := m.Version(ctx)
	if err != nil {
		return err
	}
	logg.Info(logg.WithField(ctx, "schema_version", version), "outbox schema up to date")
	return nil
}
