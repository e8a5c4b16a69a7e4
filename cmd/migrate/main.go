package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"

	"github.com/angelmondragon/backoffice-core/pkg/config"
	"github.com/angelmondragon/backoffice-core/pkg/db"
	"github.com/angelmondragon/backoffice-core/pkg/logger"
	"github.com/angelmondragon/backoffice-core/pkg/migrate"
)

type dbCommand func(ctx context.Context, m *migrate.Migrator) ([]string, error)

func main() {
	logg := logger.New(logger.Options{ServiceName: "migrate"})

	_ = godotenv.Load()

	cmd := flag.String("cmd", "up", "migration command: up|down|status|version|create|validate")
	dir := flag.String("dir", migrate.DefaultDir, "goose migrations directory")
	name := flag.String("name", "", "migration name (for create)")
	version := flag.String("version", "", "target version (YYYYMMDDHHMMSS) for -cmd=version")
	flag.Parse()

	ctx := logg.WithFields(context.Background(), map[string]any{"cmd": *cmd, "dir": *dir})

	// create and validate only touch the filesystem
	switch *cmd {
	case "create":
		if *name == "" {
			fail("missing -name for create")
		}
		path, err := migrate.CreateSQLMigration(*dir, *name, time.Now())
		if err != nil {
			fail("failed to create migration: %v", err)
		}
		fmt.Println("created migration:", path)
		return
	case "validate":
		if err := migrate.ValidateDir(*dir); err != nil {
			fail("migration validation failed: %v", err)
		}
		fmt.Println("migration validation passed")
		return
	}

	commands := map[string]dbCommand{
		"up": func(ctx context.Context, m *migrate.Migrator) ([]string, error) {
			return m.Up(ctx)
		},
		"down": func(ctx context.Context, m *migrate.Migrator) ([]string, error) {
			return m.Down(ctx)
		},
		"status": func(ctx context.Context, m *migrate.Migrator) ([]string, error) {
			return m.Status(ctx)
		},
		"version": func(ctx context.Context, m *migrate.Migrator) ([]string, error) {
			if *version == "" {
				return nil, fmt.Errorf("missing -version for version command")
			}
			return m.To(ctx, *version)
		},
	}
	run, ok := commands[*cmd]
	if !ok {
		fail("unknown -cmd value: %s", *cmd)
	}

	cfg, err := config.Load()
	requireResource(ctx, logg, "config", err)

	logg = logger.New(logger.Options{
		ServiceName: "migrate",
		Level:       logger.ParseLevel(cfg.App.LogLevel),
		WarnStack:   cfg.App.LogWarnStack,
		Format:      cfg.App.LogFormat,
	})
	ctx = logg.WithFields(ctx, map[string]any{"env": cfg.App.Env, "cmd": *cmd})

	dbClient, err := db.New(ctx, cfg.DB, logg)
	requireResource(ctx, logg, "database", err)
	defer dbClient.Close()

	sqlDB, err := dbClient.DB().DB()
	requireResource(ctx, logg, "sql database", err)

	source := migrate.EmbeddedFS()
	if *dir != migrate.DefaultDir {
		source = os.DirFS(*dir)
	}
	migrator, err := migrate.NewMigrator(sqlDB, cfg.DB.Driver, source)
	requireResource(ctx, logg, "migrator", err)

	lines, err := run(ctx, migrator)
	if err != nil {
		logg.Error(ctx, "migration command failed", err)
		dbClient.Close()
		os.Exit(1)
	}
	for _, line := range lines {
		fmt.Println(line)
	}
	logg.Info(ctx, "migration command complete")
}

func fail(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}

func requireResource(ctx context.Context, logg *logger.Logger, resource string, err error) {
	if err == nil {
		return
	}
	logg.Error(ctx, fmt.Sprintf("resource not working: %s", resource), err)
	os.Exit(1)
}
