package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"jobpipe/internal/config"
	"jobpipe/internal/metrics"
	"jobpipe/internal/runner"
	"jobpipe/internal/service"
	"jobpipe/internal/store"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "jobpipe",
	Short: "Durable multi-stage job pipeline",
	Long: `jobpipe is a durable job pipeline over a shared store: producers
enqueue work on a topic, a single locked worker per topic runs the topic's
handler program, and handler output chains follow-up jobs onto other topics.`,
}

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Start a worker process",
	RunE: func(cmd *cobra.Command, args []string) error {
		topicsFlag, err := cmd.Flags().GetStringSlice("topics")
		if err != nil {
			return err
		}

		cfg, st, registry, err := openEnv()
		if err != nil {
			return err
		}
		defer st.Close()

		topics, err := registry.Validate(topicsFlag)
		if err != nil {
			return err
		}
		if len(topics) == 0 {
			return fmt.Errorf("no handlers registered in %s", cfg.Handlers.Dir)
		}

		reg := prometheus.NewRegistry()
		collector := metrics.NewCollector(reg)

		if cfg.Metrics.Enabled {
			go func() {
				mux := http.NewServeMux()
				mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
				addr := fmt.Sprintf(":%d", cfg.Metrics.Port)
				log.Printf("metrics server starting on %s", addr)
				if err := http.ListenAndServe(addr, mux); err != nil {
					log.Printf("metrics server error: %v", err)
				}
			}()
		}

		jobService := service.NewJobService(st, collector)
		run := runner.NewRunner(registry, cfg.Artifacts.Dir, cfg.Worker.HandlerTimeout)
		dispatcher := service.NewDispatcher(st, run, jobService, collector, service.DispatcherConfig{
			Topics:            topics,
			PollInterval:      cfg.Worker.PollInterval,
			LockRetryInterval: cfg.Worker.LockRetryInterval,
		})

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		if err := dispatcher.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		log.Println("worker stopped")
		return nil
	},
}

var createCmd = &cobra.Command{
	Use:   "create <topic> <input> [attachment]",
	Short: "Create a new job",
	Long: `Create a job on a topic. The input is a JSON file, a JSON literal,
or (for a non-JSON file) an attachment. An optional second file is stored as
the job's attachment.`,
	Args: cobra.RangeArgs(2, 3),
	RunE: func(cmd *cobra.Command, args []string) error {
		parentJobID, err := cmd.Flags().GetString("parent-job-id")
		if err != nil {
			return err
		}

		_, st, registry, err := openEnv()
		if err != nil {
			return err
		}
		defer st.Close()

		topic := args[0]
		if _, err := registry.Validate([]string{topic}); err != nil {
			return err
		}

		data, attachmentPath, err := resolveInput(args[1])
		if err != nil {
			return err
		}
		if len(args) == 3 {
			attachmentPath = args[2]
		}

		var attachment []byte
		if attachmentPath != "" {
			attachment, err = os.ReadFile(attachmentPath)
			if err != nil {
				return fmt.Errorf("failed to read attachment: %w", err)
			}
		}

		jobService := service.NewJobService(st, metrics.NewCollector(prometheus.NewRegistry()))
		jobID, err := jobService.Create(cmd.Context(), topic, data, parentJobID, attachment)
		if err != nil {
			return err
		}

		fmt.Printf("Created job: %s\n", jobID)
		return nil
	},
}

var retryCmd = &cobra.Command{
	Use:   "retry [topics...]",
	Short: "Move failed jobs back to incoming",
	Long:  `Move every job in the failed queue of the given topics (all registered topics if omitted) back to incoming, preserving order.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		_, st, registry, err := openEnv()
		if err != nil {
			return err
		}
		defer st.Close()

		topics, err := registry.Validate(args)
		if err != nil {
			return err
		}

		jobService := service.NewJobService(st, metrics.NewCollector(prometheus.NewRegistry()))
		retried, err := jobService.RetryFailed(cmd.Context(), topics)
		if err != nil {
			return err
		}

		for _, topic := range topics {
			fmt.Printf("topic %s: %d job(s) retried\n", topic, retried[topic])
		}
		return nil
	},
}

var unlockCmd = &cobra.Command{
	Use:   "unlock [topics...]",
	Short: "Force-clear topic locks",
	Long:  `Clear the locks of the given topics (all registered topics if omitted). The recovery path after a crashed worker leaves a stale lock.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		_, st, registry, err := openEnv()
		if err != nil {
			return err
		}
		defer st.Close()

		topics, err := registry.Validate(args)
		if err != nil {
			return err
		}

		jobService := service.NewJobService(st, metrics.NewCollector(prometheus.NewRegistry()))
		return jobService.Unlock(cmd.Context(), topics)
	},
}

var devCmd = &cobra.Command{
	Use:   "dev <job-id>",
	Short: "Run a job's handler without committing anything",
	Long: `Run the handler for an existing job without lock acquisition and
without committing any queue transition or chaining. Surfaces the handler's
raw outputs for debugging; metadata is recorded as usual.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, st, registry, err := openEnv()
		if err != nil {
			return err
		}
		defer st.Close()

		jobService := service.NewJobService(st, metrics.NewCollector(prometheus.NewRegistry()))
		run := runner.NewRunner(registry, cfg.Artifacts.Dir, cfg.Worker.HandlerTimeout)

		res, err := jobService.DevRun(cmd.Context(), run, args[0])
		if err != nil {
			return err
		}

		fmt.Printf("exit_code: %d\n", res.ExitCode)
		fmt.Printf("elapsed:   %.2fs\n", res.EndTime.Sub(res.StartTime).Seconds())
		if res.Stdout != "" {
			fmt.Printf("--- stdout ---\n%s\n", res.Stdout)
		}
		if res.Stderr != "" {
			fmt.Printf("--- stderr ---\n%s\n", res.Stderr)
		}
		if res.Output != nil {
			out, _ := json.MarshalIndent(res.Output, "", "  ")
			fmt.Printf("--- output ---\n%s\n", out)
		} else if res.OutputErr != nil {
			fmt.Printf("--- output ---\ninvalid: %v\n", res.OutputErr)
		}
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show queue depths and locks per topic",
	RunE: func(cmd *cobra.Command, args []string) error {
		_, st, registry, err := openEnv()
		if err != nil {
			return err
		}
		defer st.Close()

		topics, err := registry.Topics()
		if err != nil {
			return err
		}

		jobService := service.NewJobService(st, metrics.NewCollector(prometheus.NewRegistry()))
		statuses, err := jobService.Status(cmd.Context(), topics)
		if err != nil {
			return err
		}

		fmt.Printf("%-20s %-10s %-12s %-8s %s\n", "TOPIC", "INCOMING", "PROCESSING", "FAILED", "LOCK")
		fmt.Println(strings.Repeat("-", 72))
		for _, s := range statuses {
			lock := s.LockHolder
			if lock == "" {
				lock = "-"
			}
			fmt.Printf("%-20s %-10d %-12d %-8d %s\n", s.Topic, s.Incoming, s.Processing, s.Failed, lock)
		}
		return nil
	},
}

// openEnv loads the configuration and opens the shared store and handler
// registry
func openEnv() (*config.Config, *store.SQLiteStore, *runner.Registry, error) {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return nil, nil, nil, err
	}

	st, err := store.NewSQLiteStore(cfg.Store.Path)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to open store: %w", err)
	}

	return cfg, st, runner.NewRegistry(cfg.Handlers.Dir), nil
}

// loadConfig falls back to defaults when the default config file is absent
func loadConfig(path string) (*config.Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return config.Default(), nil
	}
	return config.Load(path)
}

// resolveInput interprets the create command's input argument: a JSON file,
// a JSON literal, or (non-JSON existing file) an attachment
func resolveInput(input string) (json.RawMessage, string, error) {
	if _, err := os.Stat(input); err == nil {
		if filepath.Ext(input) == ".json" {
			raw, err := os.ReadFile(input)
			if err != nil {
				return nil, "", fmt.Errorf("failed to read input file: %w", err)
			}
			if !json.Valid(raw) {
				return nil, "", fmt.Errorf("input file is not valid JSON: %s", input)
			}
			return raw, "", nil
		}
		return json.RawMessage("{}"), input, nil
	}

	raw := json.RawMessage(input)
	if !json.Valid(raw) {
		return nil, "", fmt.Errorf("input is not a valid JSON string or file path: %s", input)
	}
	return raw, "", nil
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "config.yaml", "config file path")

	workerCmd.Flags().StringSlice("topics", nil, "topics to service (defaults to all registered)")
	createCmd.Flags().String("parent-job-id", "", "parent job id if this is a child job")

	rootCmd.AddCommand(workerCmd)
	rootCmd.AddCommand(createCmd)
	rootCmd.AddCommand(retryCmd)
	rootCmd.AddCommand(unlockCmd)
	rootCmd.AddCommand(devCmd)
	rootCmd.AddCommand(statusCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
