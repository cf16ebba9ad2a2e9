package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"writingstudy/internal/blob"
	"writingstudy/internal/config"
	"writingstudy/internal/core"
)

// app carries state shared by every subcommand once PersistentPreRunE ran.
type app struct {
	configPath string
	logLevel   string

	cfg    *config.Config
	logger *zap.Logger
}

func newRootCmd() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:           "writingstudy",
		Short:         "Writing-study backend with balanced condition allocation",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.init()
		},
		PersistentPostRun: func(*cobra.Command, []string) {
			if a.logger != nil {
				_ = a.logger.Sync()
			}
		},
	}
	root.PersistentFlags().StringVarP(&a.configPath, "config", "c", "writingstudy.yaml", "path to the YAML config file")
	root.PersistentFlags().StringVar(&a.logLevel, "log-level", "", "override logging.level")

	root.AddCommand(newServeCmd(a), newTallyCmd(a), newExportCmd(a), newLoadtestCmd(a))
	return root
}

func (a *app) init() error {
	cfg, err := config.Load(a.configPath)
	if err != nil {
		return err
	}
	if a.logLevel != "" {
		cfg.Logging.Level = a.logLevel
	}
	logger, err := core.NewProductionLogger(cfg.Logging.Level, cfg.Logging.Development)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	a.cfg = cfg
	a.logger = logger
	return nil
}

// openStore opens the configured participant store.
func (a *app) openStore() (core.PersistentStore, error) {
	store, err := core.OpenPersistentStore(core.StorageOptions{
		Driver:      core.StorageDriver(a.cfg.Storage.Driver),
		SQLitePath:  a.cfg.Storage.SQLitePath,
		PostgresDSN: a.cfg.Storage.PostgresDSN,
	})
	if err != nil {
		return nil, fmt.Errorf("open %s store: %w", a.cfg.Storage.Driver, err)
	}
	return store, nil
}

// newService wires the registration service with the configured retry
// bounds, logger, metrics and tracing. The returned closer releases the
// trace file when one was opened.
func (a *app) newService(store core.PersistentStore, reg prometheus.Registerer) (*core.Service, io.Closer, error) {
	opts := []core.Option{
		core.WithLogger(core.NewZapLogger(a.logger)),
		core.WithTimeout(a.cfg.RegistrationTimeout()),
		core.WithRetryPolicy(core.RetryPolicy{
			MaxAttempts: a.cfg.Registration.MaxAttempts,
			BaseBackoff: a.cfg.RegistrationBackoff(),
			MaxBackoff:  a.cfg.RegistrationMaxBackoff(),
		}),
	}
	switch a.cfg.Metrics.Backend {
	case "expvar":
		opts = append(opts, core.WithMetricsRecorder(core.NewExpvarMetricsRecorder("")))
	case "none":
	default:
		if reg != nil {
			rec, err := core.NewPrometheusMetricsRecorder(reg)
			if err != nil {
				return nil, nil, err
			}
			opts = append(opts, core.WithMetricsRecorder(rec))
		}
	}
	var closer io.Closer = nopCloser{}
	if path := a.cfg.Logging.TracePath; path != "" {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, nil, fmt.Errorf("open trace log: %w", err)
		}
		opts = append(opts, core.WithTracer(core.NewJSONTracer(f)))
		closer = f
	}
	return core.NewService(store, opts...), closer, nil
}

func (a *app) openBlob(ctx context.Context) (blob.Store, error) {
	store, err := blob.Open(ctx, a.cfg.Blob)
	if err != nil {
		return nil, fmt.Errorf("open %s blob store: %w", a.cfg.Blob.Driver, err)
	}
	return store, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// closeStore closes store when the backend holds resources.
func closeStore(store core.PersistentStore) {
	if c, ok := store.(io.Closer); ok {
		_ = c.Close()
	}
}
