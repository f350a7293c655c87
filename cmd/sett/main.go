package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/islishude/sett/internal/cli"
	"github.com/islishude/sett/internal/config"
	"github.com/islishude/sett/internal/engine"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

type app struct {
	cfgPath   string
	logLevel  string
	logFormat string
	legacy    bool
	quiet     bool

	logger *slog.Logger
	cfg    *config.Config
	result engine.RunResult
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	a := &app{}
	root := a.rootCmd()
	if err := root.ExecuteContext(ctx); err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "sett: %v\n", err)
		code := a.result.ExitCode
		if code == engine.ExitSuccess {
			code = engine.ExitFatal
		}
		cancel()
		os.Exit(code)
	}
	cancel()
	os.Exit(a.result.ExitCode)
}

func (a *app) rootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "sett",
		Short:         "Encrypt, sign, verify and transfer data packages",
		Long:          cli.HelpText("sett", cli.ModeNone),
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			a.setupLogging()
			if cmd.Name() == "version" {
				return nil
			}
			return a.loadConfig()
		},
	}
	cmd.PersistentFlags().StringVar(&a.cfgPath, "config", "", "path to config file (default $SETT_CONFIG or ~/.config/sett/config.yaml)")
	cmd.PersistentFlags().StringVar(&a.logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	cmd.PersistentFlags().StringVar(&a.logFormat, "log-format", "text", "log format (text or json)")
	cmd.PersistentFlags().BoolVar(&a.legacy, "legacy", false, "use the OpenPGP backend")
	cmd.PersistentFlags().BoolVarP(&a.quiet, "quiet", "q", false, "hide progress output")

	cmd.AddCommand(
		a.encryptCmd(),
		a.decryptCmd(),
		a.transferCmd(),
		a.checkCmd(),
		a.versionCmd(),
	)
	return cmd
}

func (a *app) setupLogging() {
	var level slog.Level
	switch strings.ToLower(a.logLevel) {
	case "debug":
		level = slog.LevelDebug
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	var handler slog.Handler
	if strings.ToLower(a.logFormat) == "json" {
		handler = slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	} else {
		handler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	}
	a.logger = slog.New(handler)
	slog.SetDefault(a.logger)
}

func (a *app) loadConfig() error {
	var (
		cfg *config.Config
		err error
	)
	if a.cfgPath != "" {
		cfg, err = config.Load(a.cfgPath)
	} else {
		cfg, err = config.LoadDefault()
	}
	if err != nil {
		return err
	}
	if a.legacy {
		cfg.LegacyMode = true
	}
	a.cfg = cfg
	a.logger.Debug("config loaded", "path", a.cfgPath, "keys_dir", cfg.KeysDir, "legacy", cfg.LegacyMode)
	return nil
}

// run executes opts and records the exit code for main.
func (a *app) run(ctx context.Context, opts cli.Options) error {
	runner, err := engine.New(a.cfg, os.Stdout, a.logger)
	if err != nil {
		return err
	}
	if !a.quiet {
		runner.Progress = progressPrinter(os.Stderr)
	}
	runner.TwoFactor = promptTwoFactor
	a.result = runner.Run(ctx, opts)
	return a.result.Err
}
