package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/runlet/runlet/internal/cli"
	internal_http "github.com/runlet/runlet/internal/http"
	internal_storage "github.com/runlet/runlet/internal/storage"
	"github.com/runlet/runlet/internal/log"
	"github.com/runlet/runlet/pkg/config"
)

var rootCmd = &cobra.Command{Use: "runlet"}

func main() {
	rootCmd.PersistentFlags().String("db", "", "Postgres connection string for the run-history store")
	cli.SetupCLI(rootCmd)

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the status HTTP server",
		Run: func(cmd *cobra.Command, args []string) {
			cfg := config.Default()
			if path, _ := cmd.Flags().GetString("config"); path != "" {
				loaded, err := config.Load(path)
				if err != nil {
					log.GetLogger().Errorf("Failed to load config: %v", err)
					fmt.Fprintf(os.Stderr, "Error: %v\n", err)
					os.Exit(1)
				}
				cfg = loaded
			}
			dbConnStr, _ := cmd.Flags().GetString("db")
			if dbConnStr == "" {
				dbConnStr = cfg.DB
			}
			if dbConnStr == "" {
				fmt.Fprintln(os.Stderr, "Error: --db flag or a config file with a db entry is required")
				os.Exit(1)
			}
			store, err := internal_storage.NewPostgresStore(dbConnStr)
			if err != nil {
				log.GetLogger().Errorf("Failed to initialize store: %v", err)
				os.Exit(1)
			}
			defer store.Close()
			port, _ := cmd.Flags().GetString("port")
			if port == "" {
				port = cfg.HTTPPort
			}
			if err := internal_http.StartServer(port, store); err != nil {
				log.GetLogger().Errorf("Server stopped: %v", err)
				os.Exit(1)
			}
		},
	}
	serveCmd.Flags().String("port", "", "Port for the status server (default from config)")
	serveCmd.Flags().String("config", "", "YAML config file")
	rootCmd.AddCommand(serveCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}
