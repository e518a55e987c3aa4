package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/backkem/spcomms/pkg/telemetry"
	"github.com/pion/logging"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	// Global flags
	cfgFile      string
	outputFormat string
	logLevel     string
	metricsAddr  string
	listenAddr   string

	// Shared state set during PersistentPreRun
	cfg           *Config
	formatter     Formatter
	logger        *zap.Logger
	loggerFactory logging.LoggerFactory
	metrics       *telemetry.Metrics
	metricsServer *http.Server
)

var rootCmd = &cobra.Command{
	Use:   "spctl",
	Short: "Talk to service processors over the management network",
	Long: `spctl discovers service processors, queries and controls their power and
ignition state, attaches to their serial consoles and transfers firmware
updates. It speaks the SP management protocol over UDP.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = loadConfig(cfgFile, os.LookupEnv)
		if err != nil {
			return err
		}

		// Flags override the file and the environment.
		if outputFormat != "" {
			cfg.Output = outputFormat
		}
		if logLevel != "" {
			cfg.LogLevel = logLevel
		}
		if metricsAddr != "" {
			cfg.MetricsAddr = metricsAddr
		}
		if listenAddr != "" {
			cfg.Listen = listenAddr
		}
		if err := cfg.validate(); err != nil {
			return err
		}

		logger, err = newZapLogger(cmd.ErrOrStderr(), cfg.LogLevel)
		if err != nil {
			return fmt.Errorf("log level: %w", err)
		}
		loggerFactory = &zapLoggerFactory{base: logger}
		formatter = newFormatter(cfg.Output)

		return startMetrics()
	},
	PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
		stopMetrics()
		if logger != nil {
			_ = logger.Sync()
		}
		return nil
	},
}

// startMetrics registers the collectors and, if an address is configured,
// serves them over HTTP for the life of the command.
func startMetrics() error {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	var err error
	metrics, err = telemetry.New(reg)
	if err != nil {
		return err
	}
	if cfg.MetricsAddr == "" {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", telemetry.Handler(reg))
	metricsServer = &http.Server{Addr: cfg.MetricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("metrics server stopped", zap.Error(err))
		}
	}()
	logger.Info("serving metrics", zap.String("addr", cfg.MetricsAddr))
	return nil
}

func stopMetrics() {
	if metricsServer == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_ = metricsServer.Shutdown(ctx)
	metricsServer = nil
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (.yaml, .yml or .toml)")
	rootCmd.PersistentFlags().StringVarP(&outputFormat, "output", "o", "", "output format: table, json, yaml (default \"table\")")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level: trace, debug, info, warn, error, disabled (default \"info\")")
	rootCmd.PersistentFlags().StringVar(&metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")
	rootCmd.PersistentFlags().StringVar(&listenAddr, "listen", "", "local UDP address (default \"[::]:0\")")
}
