package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/BTreeMap/CoachPipe/internal/api"
	"github.com/BTreeMap/CoachPipe/internal/coaching"
	"github.com/BTreeMap/CoachPipe/internal/flow"
	"github.com/BTreeMap/CoachPipe/internal/genai"
	"github.com/BTreeMap/CoachPipe/internal/lockfile"
	"github.com/BTreeMap/CoachPipe/internal/models"
	"github.com/BTreeMap/CoachPipe/internal/store"
	"github.com/BTreeMap/CoachPipe/internal/util"
)

// Default configuration constants
const (
	// DefaultStateDir is the default directory for CoachPipe state data
	DefaultStateDir = "/var/lib/coachpipe"
	// DefaultDBFileName is the default SQLite database filename
	DefaultDBFileName = "coachpipe.db"
	// closeTimeout bounds the final history sync of open sessions.
	closeTimeout = 15 * time.Second
	// limiterReportInterval is how often limiter statistics are logged.
	limiterReportInterval = time.Minute
)

// Config holds the serve configuration resolved from the environment and flags.
type Config struct {
	OpenAIKey      string
	Model          string
	DatabaseURL    string
	StateDir       string
	APIAddr        string
	StepsFile      string
	MaxRetries     int
	SanitizePolicy string
	Metrics        bool
	Debug          bool
}

// DSN returns the database connection string, defaulting to SQLite in the state directory.
func (c Config) DSN() string {
	if c.DatabaseURL != "" {
		return c.DatabaseURL
	}
	return filepath.Join(c.StateDir, DefaultDBFileName)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the coaching HTTP API server",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

func init() {
	addServeFlags(serveCmd)
	rootCmd.AddCommand(serveCmd)
}

// addServeFlags registers the serve flags. Empty defaults leave the environment in charge.
func addServeFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.String("state-dir", "", "state directory for CoachPipe data (overrides $COACHPIPE_STATE_DIR)")
	f.String("db-dsn", "", "database DSN, a SQLite path or a PostgreSQL URL (overrides $DATABASE_URL)")
	f.String("openai-api-key", "", "OpenAI API key (overrides $OPENAI_API_KEY)")
	f.String("model", "", "OpenAI chat model (overrides $OPENAI_MODEL)")
	f.String("api-addr", "", "API server address (overrides $API_ADDR)")
	f.String("steps-file", "", "YAML file with default settings and coaching steps (overrides $COACHPIPE_STEPS_FILE)")
	f.Int("max-retries", 0, "attempts per AI response (overrides $GENAI_MAX_RETRIES)")
	f.String("sanitize-policy", "", "input sanitization policy, unicode or ascii (overrides $GENAI_SANITIZE_POLICY)")
	f.Bool("metrics", false, "expose Prometheus metrics at /metrics (overrides $COACHPIPE_METRICS)")
	f.Bool("debug", false, "write every AI call to the state directory (overrides $COACHPIPE_DEBUG)")
}

// loadEnvironmentConfig loads configuration from environment variables.
func loadEnvironmentConfig() Config {
	config := Config{
		OpenAIKey:      os.Getenv("OPENAI_API_KEY"),
		Model:          os.Getenv("OPENAI_MODEL"),
		DatabaseURL:    os.Getenv("DATABASE_URL"),
		StateDir:       os.Getenv("COACHPIPE_STATE_DIR"),
		APIAddr:        os.Getenv("API_ADDR"),
		StepsFile:      os.Getenv("COACHPIPE_STEPS_FILE"),
		MaxRetries:     util.ParseIntEnv("GENAI_MAX_RETRIES", genai.DefaultMaxRetries),
		SanitizePolicy: os.Getenv("GENAI_SANITIZE_POLICY"),
		Metrics:        util.ParseBoolEnv("COACHPIPE_METRICS", false),
		Debug:          util.ParseBoolEnv("COACHPIPE_DEBUG", false),
	}
	if config.StateDir == "" {
		config.StateDir = DefaultStateDir
		slog.Debug("No COACHPIPE_STATE_DIR set, using default", "default_state_dir", config.StateDir)
	}

	slog.Debug("environment variables loaded",
		"OPENAI_API_KEY_SET", config.OpenAIKey != "",
		"OPENAI_MODEL", config.Model,
		"DATABASE_URL_SET", config.DatabaseURL != "",
		"COACHPIPE_STATE_DIR", config.StateDir,
		"API_ADDR", config.APIAddr,
		"COACHPIPE_STEPS_FILE", config.StepsFile,
		"GENAI_MAX_RETRIES", config.MaxRetries,
		"GENAI_SANITIZE_POLICY", config.SanitizePolicy,
		"COACHPIPE_METRICS", config.Metrics)
	return config
}

// applyFlags overrides config with the flags set on the command line.
func applyFlags(cmd *cobra.Command, config *Config) error {
	f := cmd.Flags()
	strs := map[string]*string{
		"state-dir":       &config.StateDir,
		"db-dsn":          &config.DatabaseURL,
		"openai-api-key":  &config.OpenAIKey,
		"model":           &config.Model,
		"api-addr":        &config.APIAddr,
		"steps-file":      &config.StepsFile,
		"sanitize-policy": &config.SanitizePolicy,
	}
	for name, dst := range strs {
		if !f.Changed(name) {
			continue
		}
		v, err := f.GetString(name)
		if err != nil {
			return err
		}
		*dst = v
	}
	if f.Changed("max-retries") {
		n, err := f.GetInt("max-retries")
		if err != nil {
			return err
		}
		config.MaxRetries = n
	}
	for name, dst := range map[string]*bool{"metrics": &config.Metrics, "debug": &config.Debug} {
		if !f.Changed(name) {
			continue
		}
		v, err := f.GetBool(name)
		if err != nil {
			return err
		}
		*dst = v
	}
	return nil
}

func runServe(cmd *cobra.Command, _ []string) error {
	config := loadEnvironmentConfig()
	if err := applyFlags(cmd, &config); err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return runService(ctx, config)
}

// openStore selects the store implementation from the DSN.
func openStore(dsn string) (store.Store, error) {
	switch store.DetectDSNType(dsn) {
	case "postgres":
		slog.Debug("Using PostgreSQL store")
		return store.NewPostgresStore(store.WithPostgresDSN(dsn))
	default:
		slog.Debug("Using SQLite store", "path", dsn)
		return store.NewSQLiteStore(store.WithSQLiteDSN(dsn))
	}
}

// loadDefaultSettings reads the steps file, or returns the built-in defaults when none is configured.
func loadDefaultSettings(path string) (models.AISettings, error) {
	if path == "" {
		slog.Warn("No steps file configured, sessions start without coaching steps")
		return coaching.DefaultSettings(), nil
	}
	return coaching.LoadStepsFile(path)
}

// buildGenAIOptions constructs the AI client options.
func buildGenAIOptions(config Config, reg prometheus.Registerer) ([]genai.Option, error) {
	opts := []genai.Option{
		genai.WithAPIKey(config.OpenAIKey),
		genai.WithMaxRetries(config.MaxRetries),
	}
	if config.Model != "" {
		opts = append(opts, genai.WithModel(config.Model))
	}
	if config.SanitizePolicy != "" {
		policy, err := genai.ParseSanitizePolicy(config.SanitizePolicy)
		if err != nil {
			return nil, err
		}
		opts = append(opts, genai.WithSanitizePolicy(policy))
	}
	if reg != nil {
		opts = append(opts, genai.WithMetrics(genai.NewMetrics(reg)))
	}
	if config.Debug {
		opts = append(opts, genai.WithDebugMode(true, config.StateDir))
	}
	return opts, nil
}

// runService wires the modules together and serves until ctx is cancelled.
func runService(ctx context.Context, config Config) error {
	slog.Info("Bootstrapping CoachPipe", "state_dir", config.StateDir, "dsn_type", store.DetectDSNType(config.DSN()))
	if err := os.MkdirAll(config.StateDir, 0o755); err != nil {
		return fmt.Errorf("failed to create state directory: %w", err)
	}

	// The lock only protects the local SQLite file.
	if store.DetectDSNType(config.DSN()) == "sqlite3" {
		lock, err := lockfile.AcquireLock(config.StateDir)
		if err != nil {
			return err
		}
		defer lock.Release()
	}

	st, err := openStore(config.DSN())
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer st.Close()

	settings, err := loadDefaultSettings(config.StepsFile)
	if err != nil {
		return err
	}

	var reg *prometheus.Registry
	var registerer prometheus.Registerer
	if config.Metrics {
		reg = prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		registerer = reg
	}

	genaiOpts, err := buildGenAIOptions(config, registerer)
	if err != nil {
		return err
	}
	client, err := genai.NewClient(genaiOpts...)
	if err != nil {
		return fmt.Errorf("failed to create AI client: %w", err)
	}

	sink, err := flow.NewFileSink(config.StateDir)
	if err != nil {
		return err
	}
	manager, err := flow.NewManager(client,
		flow.WithStore(st),
		flow.WithDefaultSettings(settings),
		flow.WithFeedbackSink(sink))
	if err != nil {
		return err
	}

	apiOpts := []api.Option{}
	if config.APIAddr != "" {
		apiOpts = append(apiOpts, api.WithAddr(config.APIAddr))
	}
	if reg != nil {
		apiOpts = append(apiOpts, api.WithMetricsRegistry(reg))
	}
	server := api.NewServer(manager, apiOpts...)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return server.Run(gctx)
	})
	g.Go(func() error {
		reportLimiter(gctx, client.Limiter())
		return nil
	})
	runErr := g.Wait()

	closeCtx, cancel := context.WithTimeout(context.Background(), closeTimeout)
	defer cancel()
	manager.CloseAll(closeCtx)

	if runErr != nil {
		return fmt.Errorf("server failed: %w", runErr)
	}
	slog.Info("CoachPipe exited successfully")
	return nil
}

// reportLimiter logs limiter statistics until ctx is done.
func reportLimiter(ctx context.Context, l *genai.RateLimiter) {
	ticker := time.NewTicker(limiterReportInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats := l.Stats()
			slog.Debug("AI rate limiter", "available", stats.AvailableTokens, "capacity", stats.Capacity, "rejected", stats.Rejected)
		}
	}
}
