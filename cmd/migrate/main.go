package main

import (
	"flag"
	"log"

	"ghlogin/cfg"
	"ghlogin/pkg/db"
	"ghlogin/pkg/logger"
)

// Applies the embedded schema migrations and exits. The server runs the same
// step on startup; this is for deploy pipelines that migrate ahead of rollout.
func main() {
	driver := flag.String("driver", "", "db driver, overrides DB_DRIVER")
	dsn := flag.String("dsn", "", "db dsn, overrides DB_DSN")
	flag.Parse()

	// ============
	// Load config
	// ============
	if *driver == "" || *dsn == "" {
		config, errCfg := cfg.Load()
		if errCfg != nil {
			log.Fatal(errCfg)
		}
		if *driver == "" {
			*driver = config.DB.Driver
		}
		if *dsn == "" {
			*dsn = config.DB.DSN
		}
	}

	zlogger := logger.NewZeroLog("development")

	// =========
	// Migrate
	// =========
	if err := db.Migrate(*driver, *dsn); err != nil {
		zlogger.Error("migration failed", logger.Err(err), logger.Field{Key: "driver", Value: *driver})
		log.Fatal(err)
	}

	zlogger.Info("migrations applied", logger.Field{Key: "driver", Value: *driver})
}
