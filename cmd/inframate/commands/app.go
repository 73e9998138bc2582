package commands

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/inframate/inframate/pkg/config"
	"github.com/inframate/inframate/pkg/policy"
	"github.com/inframate/inframate/pkg/recovery"
	"github.com/inframate/inframate/pkg/stores"
	"github.com/inframate/inframate/pkg/telemetry"
)

// defaultConfigFiles are tried in order when --config is not given.
var defaultConfigFiles = []string{"inframate.yaml", "inframate.yml", "inframate.cue", "inframate.json"}

// loadDotenv reads .env from the working directory when present.
func loadDotenv() error {
	err := godotenv.Load()
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to load .env: %w", err)
	}
	return nil
}

// loadConfig loads --config, the first default file found, or the defaults.
func loadConfig() (*config.Config, error) {
	path := configPath
	if path == "" {
		for _, name := range defaultConfigFiles {
			if _, err := os.Stat(name); err == nil {
				path = name
				break
			}
		}
	}
	if path == "" {
		return config.Defaults(), nil
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	log.Debug().Str("path", path).Msg("Loaded configuration")
	return cfg, nil
}

// app holds the process-wide components built from configuration.
type app struct {
	cfg    *config.Config
	tel    *telemetry.Telemetry
	logger zerolog.Logger
	store  *stores.SQLiteStore
	policy *policy.Engine
	cancel context.CancelFunc
}

type appOptions struct {
	version     string
	withStore   bool
	withPolicy  bool
	withMetrics bool
}

func newApp(ctx context.Context, cfg *config.Config, opts appOptions) (*app, error) {
	tc := cfg.ToTelemetry(opts.version)
	if verbose {
		tc.Logging.Level = "debug"
	}
	if !opts.withMetrics {
		tc.Metrics.Enabled = false
	}
	tel, err := telemetry.NewTelemetry(tc)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	a := &app{
		cfg:    cfg,
		tel:    tel,
		logger: tel.Logger.Zerolog(),
		cancel: cancel,
	}

	if err := tel.Metrics.StartMetricsServer(ctx); err != nil {
		a.Close()
		return nil, err
	}

	if opts.withStore && cfg.Store.Enabled {
		if err := a.openStore(ctx); err != nil {
			a.Close()
			return nil, err
		}
		tel.Events.Subscribe(a.store.EventSubscriber(context.WithoutCancel(ctx)), nil)
	}

	if opts.withPolicy {
		if err := a.loadPolicies(ctx); err != nil {
			a.Close()
			return nil, err
		}
	}
	return a, nil
}

func (a *app) openStore(ctx context.Context) error {
	path := a.cfg.Store.Path
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return fmt.Errorf("failed to create store directory: %w", err)
		}
	}
	store, err := stores.NewSQLiteStore(stores.Config{Path: path, Logger: a.logger})
	if err != nil {
		return err
	}
	if err := store.Init(ctx); err != nil {
		return err
	}
	if err := store.Migrate(ctx); err != nil {
		_ = store.Close()
		return err
	}
	a.store = store
	return nil
}

func (a *app) loadPolicies(ctx context.Context) error {
	engine, err := policy.NewEngine(a.logger)
	if err != nil {
		return err
	}
	paths := a.cfg.Policy.Paths
	if len(paths) > 0 {
		if err := engine.LoadPolicies(ctx, paths); err != nil {
			return fmt.Errorf("failed to load policies: %w", err)
		}
		if a.cfg.Policy.Watch {
			if _, err := engine.Watch(ctx, paths); err != nil {
				return fmt.Errorf("failed to watch policies: %w", err)
			}
		}
	}
	a.policy = engine
	return nil
}

// newHandler builds the recovery handler, replacing built-in strategies
// with configured Starlark scripts.
func (a *app) newHandler() (*recovery.Handler, error) {
	cfg := a.cfg
	opts := []recovery.HandlerOption{
		recovery.WithPolicy(cfg.RetryPolicy()),
		recovery.WithMaxRetries(cfg.Recovery.MaxRetries),
		recovery.WithMetrics(a.tel.Metrics),
		recovery.WithTracer(a.tel.Tracer),
		recovery.WithLogger(a.logger),
	}
	if adv := cfg.NewAdvisor(); adv != nil {
		opts = append(opts, recovery.WithAdvisor(adv))
	}
	for class, path := range cfg.Recovery.Strategies {
		s, err := recovery.LoadStarlarkStrategy(path,
			recovery.WithMaxSteps(cfg.Recovery.StarlarkMaxSteps),
			recovery.WithStarlarkLogger(a.logger))
		if err != nil {
			return nil, fmt.Errorf("strategy for %s: %w", class, err)
		}
		opts = append(opts, recovery.WithStrategy(recovery.Classification(class), s))
	}
	return recovery.NewHandler(opts...), nil
}

// Close flushes telemetry and closes the store.
func (a *app) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.tel.Shutdown(ctx); err != nil {
		a.logger.Warn().Err(err).Msg("Telemetry shutdown incomplete")
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.logger.Warn().Err(err).Msg("Failed to close store")
		}
	}
	a.cancel()
}

// writeJSON writes v indented to path, or to w when path is empty.
func writeJSON(w io.Writer, path string, v any) error {
	blob, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode output: %w", err)
	}
	blob = append(blob, '\n')
	if path == "" {
		_, err = w.Write(blob)
		return err
	}
	if err := os.WriteFile(path, blob, 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	log.Info().Str("path", path).Msg("Output written")
	return nil
}
