package main

import (
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"jobpipe/internal/config"
	"jobpipe/internal/handler"
	"jobpipe/internal/metrics"
	"jobpipe/internal/runner"
	"jobpipe/internal/service"
	"jobpipe/internal/store"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to config file")
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	st, err := store.NewSQLiteStore(cfg.Store.Path)
	if err != nil {
		log.Fatalf("failed to open store: %v", err)
	}
	defer st.Close()

	registry := runner.NewRegistry(cfg.Handlers.Dir)

	reg := prometheus.NewRegistry()
	collector := metrics.NewCollector(reg)

	jobService := service.NewJobService(st, collector)
	rateLimiter := service.NewRateLimiter(cfg.API.MaxSubmissionsPerMinute)
	jobHandler := handler.NewJobHandler(jobService, registry, rateLimiter)

	mux := http.NewServeMux()
	mux.HandleFunc("/jobs", jobHandler.CreateJob)
	mux.HandleFunc("/jobs/", jobHandler.GetJob)
	mux.HandleFunc("/topics", jobHandler.GetTopics)
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.API.Port),
		Handler: mux,
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		log.Printf("API server starting on port %d", cfg.API.Port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	<-sigChan
	log.Println("shutting down server...")
	if err := server.Close(); err != nil {
		log.Printf("error closing server: %v", err)
	}
	log.Println("server stopped")
}

// loadConfig falls back to defaults when the default config file is absent
func loadConfig(path string) (*config.Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return config.Default(), nil
	}
	return config.Load(path)
}
