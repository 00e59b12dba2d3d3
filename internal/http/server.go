package http

import (
	"fmt"
	"net/http"
	"time"

	"github.com/runlet/runlet/internal/log"
	"github.com/runlet/runlet/pkg/storage"
)

// StartServer exposes the run-history store for inspection. The engine
// itself never depends on this surface.
func StartServer(port string, store storage.Store) error {
	http.HandleFunc("/health", HealthHandler)
	http.HandleFunc("/runs", RunsHandler(store))
	http.HandleFunc("/limits", LimitsHandler(store))

	log.GetLogger().Infof("Starting Runlet status server on :%s", port)
	return http.ListenAndServe(":"+port, nil)
}

func HealthHandler(w http.ResponseWriter, r *http.Request) {
	fmt.Fprintf(w, "Runlet server is running")
}

func RunsHandler(store storage.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		flowRuns, err := store.ListFlowRuns()
		if err != nil {
			log.GetLogger().Errorf("Failed to list flow runs: %v", err)
			http.Error(w, fmt.Sprintf("Failed to list flow runs: %v", err), http.StatusInternalServerError)
			return
		}
		if len(flowRuns) == 0 {
			fmt.Fprintf(w, "No flow runs found.\n")
			return
		}
		for _, fr := range flowRuns {
			fmt.Fprintf(w, "- ID: %s, Name: %s, Status: %s, Created: %s\n",
				fr.ID, fr.Name, fr.Status, fr.CreatedAt.Format(time.RFC3339))
		}
	}
}

func LimitsHandler(store storage.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		limits, err := store.ListConcurrencyLimits()
		if err != nil {
			log.GetLogger().Errorf("Failed to list concurrency limits: %v", err)
			http.Error(w, fmt.Sprintf("Failed to list concurrency limits: %v", err), http.StatusInternalServerError)
			return
		}
		if len(limits) == 0 {
			fmt.Fprintf(w, "No concurrency limits found.\n")
			return
		}
		for _, l := range limits {
			fmt.Fprintf(w, "- Name: %s, Capacity: %d, Decay: %.2f/s\n", l.Name, l.Capacity, l.DecayPerSecond)
		}
	}
}
