package main

import (
	"fmt"
	"os"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/runlet/runlet/internal/log"
)

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

var rootCmd = &cobra.Command{
	Use:   "runlet-migrate",
	Short: "Apply the Runlet run-history schema migrations",
	Run: func(cmd *cobra.Command, args []string) {
		logger := log.GetLogger()
		if err := godotenv.Load(); err != nil {
			logger.Infof("No .env file loaded: %v", err)
		}

		connStr, _ := cmd.Flags().GetString("db")
		if connStr == "" {
			connStr = fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable",
				envOr("DB_USERNAME", "runlet"),
				envOr("DB_PASSWORD", "runlet"),
				envOr("DB_HOST", "localhost"),
				envOr("DB_PORT", "5432"),
				envOr("DB_NAME", "runlet"),
			)
		}
		source, _ := cmd.Flags().GetString("source")

		m, err := migrate.New(source, connStr)
		if err != nil {
			logger.Errorf("Failed to initialize migrations: %v", err)
			os.Exit(1)
		}
		if down, _ := cmd.Flags().GetBool("down"); down {
			err = m.Down()
		} else {
			err = m.Up()
		}
		if err != nil && err != migrate.ErrNoChange {
			logger.Errorf("Migration failed: %v", err)
			os.Exit(1)
		}
		logger.Infof("Migrations applied")
	},
}

func main() {
	rootCmd.Flags().String("db", "", "Postgres connection string (defaults from DB_* env vars)")
	rootCmd.Flags().String("source", "file://migrations", "Migration source URL")
	rootCmd.Flags().Bool("down", false, "Roll the schema back instead of forward")
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}
