// Command runeforge runs PF2e rule elements against stored actors. It offers
// one-shot commands for inspecting and editing actors, an MCP server on stdio
// and a long-running health and metrics endpoint.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/MrWong99/runeforge/internal/config"
)

// version is stamped by the release build.
var version = "dev"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "runeforge: %v\n", err)
		stop()
		os.Exit(1)
	}
}

// rootOptions are the persistent flags shared by every subcommand.
type rootOptions struct {
	configPath string
	logLevel   string
	logFormat  string

	// Set by PersistentPreRunE.
	cfg      *config.Config
	logger   *slog.Logger
	levelVar *slog.LevelVar
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:           "runeforge",
		Short:         "PF2e rule element engine",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return opts.setup(cmd.Flags().Changed("config"), cmd.ErrOrStderr())
		},
	}
	cmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "runeforge.yaml", "path to the YAML configuration file")
	cmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "override server.log_level (debug, info, warn, error)")
	cmd.PersistentFlags().StringVar(&opts.logFormat, "log-format", "text", "log output format (text, json)")

	cmd.AddCommand(
		newPrepareCmd(opts),
		newEvalCmd(),
		newGrantCmd(opts),
		newDeleteCmd(opts),
		newReevaluateCmd(opts),
		newImportCmd(opts),
		newKeysCmd(opts),
		newMCPCmd(opts),
		newServeCmd(opts),
	)
	return cmd
}

// setup loads the config and installs the logger. A missing config file is
// only an error when the path was given explicitly.
func (o *rootOptions) setup(explicit bool, logOut io.Writer) error {
	cfg, err := config.Load(o.configPath)
	switch {
	case err == nil:
	case errors.Is(err, os.ErrNotExist) && !explicit:
		cfg = config.Default()
	default:
		return err
	}
	if o.logLevel != "" {
		lvl := config.LogLevel(o.logLevel)
		if !lvl.IsValid() {
			return fmt.Errorf("invalid --log-level %q", o.logLevel)
		}
		cfg.Server.LogLevel = lvl
	}

	o.levelVar = new(slog.LevelVar)
	o.levelVar.Set(slogLevel(cfg.Server.LogLevel))
	hopts := &slog.HandlerOptions{Level: o.levelVar}
	var h slog.Handler
	switch o.logFormat {
	case "text":
		h = slog.NewTextHandler(logOut, hopts)
	case "json":
		h = slog.NewJSONHandler(logOut, hopts)
	default:
		return fmt.Errorf("invalid --log-format %q", o.logFormat)
	}
	o.cfg = cfg
	o.logger = slog.New(h)
	slog.SetDefault(o.logger)
	return nil
}

func slogLevel(level config.LogLevel) slog.Level {
	switch level {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// withApp builds the app for one command run and closes it afterwards.
func (o *rootOptions) withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app) error) error {
	ctx := cmd.Context()
	a, err := newApp(ctx, o.cfg, o.logger)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}
