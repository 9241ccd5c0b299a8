// Command migrate applies database schema migrations for mailpipe.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"

	"github.com/mailpipe/mailpipe/internal/config"
	"github.com/mailpipe/mailpipe/internal/logger"
)

func main() {
	var (
		configPath = flag.String("config", "", "path to YAML config file (env vars override)")
		dir        = flag.String("dir", "migrations", "directory containing migration files")
		down       = flag.Bool("down", false, "roll back one migration instead of migrating up")
	)
	flag.Parse()

	log := logger.New(logger.DefaultConfig())

	var cfg *config.Config
	var err error
	if *configPath != "" {
		cfg, err = config.LoadFromFile(*configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		log.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	dsn := fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s",
		cfg.Database.User,
		cfg.Database.Password,
		cfg.Database.Host,
		cfg.Database.Port,
		cfg.Database.DBName,
		cfg.Database.SSLMode,
	)

	m, err := migrate.New("file://"+*dir, dsn)
	if err != nil {
		log.Error("failed to initialize migrations", "error", err)
		os.Exit(1)
	}
	defer m.Close()

	if *down {
		err = m.Steps(-1)
	} else {
		err = m.Up()
	}
	if err != nil && err != migrate.ErrNoChange {
		log.Error("migration failed", "error", err)
		os.Exit(1)
	}

	version, dirty, verr := m.Version()
	if verr != nil && verr != migrate.ErrNilVersion {
		log.Error("failed to read migration version", "error", verr)
		os.Exit(1)
	}
	log.Info("migrations complete", "version", version, "dirty", dirty)
}
