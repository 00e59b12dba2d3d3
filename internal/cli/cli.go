package cli

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/runlet/runlet/internal/log"
	internal_storage "github.com/runlet/runlet/internal/storage"
	"github.com/runlet/runlet/pkg/config"
	"github.com/runlet/runlet/pkg/models"
)

// Version is overridden at build time via -ldflags.
var Version = "dev"

// SetupCLI registers the administrative commands: provisioning named
// concurrency-limit resources and inspecting run history.
func SetupCLI(rootCmd *cobra.Command) {
	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print the runlet version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(os.Stdout, "runlet %s\n", Version)
		},
	}

	limitCmd := &cobra.Command{
		Use:   "limit",
		Short: "Manage named concurrency-limit resources",
	}

	limitCreateCmd := &cobra.Command{
		Use:   "create [name]",
		Short: "Create or replace a named concurrency-limit resource",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			store := storeFromFlags(cmd)
			defer store.Close()
			capacity, _ := cmd.Flags().GetInt("capacity")
			decay, _ := cmd.Flags().GetFloat64("decay")
			limit := models.ConcurrencyLimit{
				Name:           args[0],
				Capacity:       capacity,
				DecayPerSecond: decay,
			}
			if limit.Capacity < 1 {
				fmt.Fprintln(os.Stderr, "Error: --capacity must be positive")
				os.Exit(1)
			}
			if err := store.SaveConcurrencyLimit(limit); err != nil {
				log.GetLogger().Errorf("Failed to save concurrency limit: %v", err)
				fmt.Fprintf(os.Stderr, "Error: failed to save concurrency limit: %v\n", err)
				os.Exit(1)
			}
			fmt.Fprintf(os.Stdout, "Created concurrency limit '%s' with capacity %d and decay %.2f/s\n",
				limit.Name, limit.Capacity, limit.DecayPerSecond)
		},
	}
	limitCreateCmd.Flags().Int("capacity", 1, "Maximum number of outstanding slot grants")
	limitCreateCmd.Flags().Float64("decay", 0, "Slots replenished per second")

	limitListCmd := &cobra.Command{
		Use:   "list",
		Short: "List concurrency-limit resources",
		Run: func(cmd *cobra.Command, args []string) {
			store := storeFromFlags(cmd)
			defer store.Close()
			limits, err := store.ListConcurrencyLimits()
			if err != nil {
				log.GetLogger().Errorf("Failed to list concurrency limits: %v", err)
				fmt.Fprintf(os.Stderr, "Error: failed to list concurrency limits: %v\n", err)
				os.Exit(1)
			}
			if len(limits) == 0 {
				fmt.Fprintf(os.Stdout, "No concurrency limits found.\n")
				return
			}
			fmt.Fprintf(os.Stdout, "Concurrency limits:\n")
			for _, l := range limits {
				fmt.Fprintf(os.Stdout, "- Name: %s, Capacity: %d, Decay: %.2f/s\n", l.Name, l.Capacity, l.DecayPerSecond)
			}
		},
	}

	limitDeleteCmd := &cobra.Command{
		Use:   "delete [name]",
		Short: "Delete a concurrency-limit resource",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			store := storeFromFlags(cmd)
			defer store.Close()
			if err := store.DeleteConcurrencyLimit(args[0]); err != nil {
				log.GetLogger().Errorf("Failed to delete concurrency limit: %v", err)
				fmt.Fprintf(os.Stderr, "Error: failed to delete concurrency limit '%s': %v\n", args[0], err)
				os.Exit(1)
			}
			fmt.Fprintf(os.Stdout, "Deleted concurrency limit '%s'\n", args[0])
		},
	}

	limitApplyCmd := &cobra.Command{
		Use:   "apply",
		Short: "Provision all limits declared in a YAML config file",
		Run: func(cmd *cobra.Command, args []string) {
			path, _ := cmd.Flags().GetString("file")
			if path == "" {
				fmt.Fprintln(os.Stderr, "Error: --file is required")
				os.Exit(1)
			}
			cfg, err := config.Load(path)
			if err != nil {
				log.GetLogger().Errorf("Failed to load config: %v", err)
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
			store := storeFromFlags(cmd)
			defer store.Close()
			for _, l := range cfg.Limits {
				if err := store.SaveConcurrencyLimit(l); err != nil {
					log.GetLogger().Errorf("Failed to save concurrency limit '%s': %v", l.Name, err)
					fmt.Fprintf(os.Stderr, "Error: failed to save concurrency limit '%s': %v\n", l.Name, err)
					os.Exit(1)
				}
				fmt.Fprintf(os.Stdout, "Applied concurrency limit '%s'\n", l.Name)
			}
		},
	}
	limitApplyCmd.Flags().String("file", "", "YAML config file declaring limits")

	limitCmd.AddCommand(limitCreateCmd, limitListCmd, limitDeleteCmd, limitApplyCmd)

	runsCmd := &cobra.Command{
		Use:   "runs",
		Short: "List flow runs",
		Run: func(cmd *cobra.Command, args []string) {
			store := storeFromFlags(cmd)
			defer store.Close()
			flowRuns, err := store.ListFlowRuns()
			if err != nil {
				log.GetLogger().Errorf("Failed to list flow runs: %v", err)
				fmt.Fprintf(os.Stderr, "Error: failed to list flow runs: %v\n", err)
				os.Exit(1)
			}
			if len(flowRuns) == 0 {
				fmt.Fprintf(os.Stdout, "No flow runs found.\n")
				return
			}
			fmt.Fprintf(os.Stdout, "Flow runs:\n")
			for _, fr := range flowRuns {
				fmt.Fprintf(os.Stdout, "- ID: %s, Name: %s, Status: %s, Created: %s\n",
					fr.ID, fr.Name, fr.Status, fr.CreatedAt.Format(time.RFC3339))
			}
		},
	}

	rootCmd.AddCommand(limitCmd, runsCmd, versionCmd)
}

func storeFromFlags(cmd *cobra.Command) *internal_storage.PostgresStore {
	dbConnStr, err := cmd.Flags().GetString("db")
	if err != nil || dbConnStr == "" {
		fmt.Fprintln(os.Stderr, "Error: --db connection string is required")
		os.Exit(1)
	}
	store, err := internal_storage.NewPostgresStore(dbConnStr)
	if err != nil {
		log.GetLogger().Errorf("Failed to initialize store: %v", err)
		fmt.Fprintf(os.Stderr, "Error: failed to initialize store: %v\n", err)
		os.Exit(1)
	}
	return store
}
