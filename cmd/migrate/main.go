package main

import (
	"errors"

	"github.com/emergent-company/emergent.strategy-sub008/internal/util"
	"github.com/emergent-company/emergent.strategy-sub008/pkg/logger"
	"github.com/emergent-company/emergent.strategy-sub008/pkg/logger/console"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
)

func main() {
	util.LoadEnv()

	consoleLogger := console.NewConsoleLogger(console.ConsoleLoggerParams{
		Debug: util.GetEnvBool("DEBUG", false),
	})
	logger.Init(consoleLogger)

	migrationsDir := util.GetEnvString("MIGRATIONS_DIR", "migrations")

	m, err := migrate.New("file://"+migrationsDir, util.GetEnv("DATABASE_URL"))
	if err != nil {
		logger.Fatal("Could not create migrator", "err", err)
	}
	defer m.Close()

	if err := m.Up(); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			logger.Info("Database schema already up to date")
			return
		}
		logger.Fatal("Migration failed", "err", err)
	}

	logger.Info("Migrations applied")
}
