package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/chris-regnier/warden/internal/config"
	"github.com/chris-regnier/warden/internal/engine"
	"github.com/chris-regnier/warden/internal/output"
	"github.com/chris-regnier/warden/internal/telemetry"
)

var (
	// Version information injected by goreleaser
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

var (
	flagConfig    string
	flagQuiet     bool
	flagVerbose   bool
	flagDebug     bool
	flagLogFormat string
)

var rootCmd = &cobra.Command{
	Use:           "warden",
	Short:         "Signal-fusion malware scanning for installed applications",
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("warden %s\n", version)
		fmt.Printf("  commit: %s\n", commit)
		fmt.Printf("  built at: %s\n", date)
	},
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&flagConfig, "config", "", "Project config file (default: .warden/warden.yaml)")
	pf.BoolVarP(&flagQuiet, "quiet", "q", false, "Suppress all log output")
	pf.BoolVarP(&flagVerbose, "verbose", "v", false, "Log informational messages")
	pf.BoolVar(&flagDebug, "debug", false, "Log debug messages")
	pf.StringVar(&flagLogFormat, "log-format", "text", "Log format: text or json")

	rootCmd.AddCommand(versionCmd)
}

// loadConfig merges system defaults, the machine config and the project config.
func loadConfig() (*config.Config, error) {
	projectPath := flagConfig
	if projectPath == "" {
		projectPath = config.ProjectConfigPath(".")
	}
	cfg, err := config.LoadTiered(config.MachineConfigPath(), projectPath)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	cfg.Telemetry.ServiceVersion = version
	return cfg, nil
}

// session is the state shared by commands that drive the engine.
type session struct {
	cfg    *config.Config
	engine *engine.Engine
	logger *slog.Logger
	close  func()
}

// openSession configures logging and telemetry and builds the engine. The
// returned session must be closed.
func openSession(ctx context.Context) (*session, error) {
	logger := output.SetupLogger(flagQuiet, flagVerbose, flagDebug, flagLogFormat, os.Stderr)
	slog.SetDefault(logger)

	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}

	shutdownTelemetry, err := telemetry.Init(ctx, cfg.Telemetry)
	if err != nil {
		return nil, fmt.Errorf("initializing telemetry: %w", err)
	}
	stopTelemetry := func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(shutdownCtx); err != nil {
			logger.Warn("telemetry shutdown error", "err", err)
		}
	}

	e, err := engine.New(cfg, engine.WithLogger(logger), engine.WithVersion(version))
	if err != nil {
		stopTelemetry()
		return nil, fmt.Errorf("building engine: %w", err)
	}

	return &session{
		cfg:    cfg,
		engine: e,
		logger: logger,
		close: func() {
			if err := e.Close(); err != nil {
				logger.Warn("closing engine", "err", err)
			}
			stopTelemetry()
		},
	}, nil
}

// exitError carries a process exit code without printing anything further.
type exitError struct{ code int }

func (e exitError) Error() string { return fmt.Sprintf("exit status %d", e.code) }

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		if ee, ok := err.(exitError); ok {
			os.Exit(ee.code)
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
