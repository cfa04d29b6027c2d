package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"mate-gateway/internal/config"
	"mate-gateway/internal/provider"
	providerfactory "mate-gateway/internal/provider/factory"
	"mate-gateway/internal/router"
)

type rootOptions struct {
	configPath string
	envFile    string
}

// Execute runs the CLI dispatcher with the provided arguments.
func Execute(ctx context.Context, args []string) error {
	root := newRootCmd()
	root.SetArgs(args)
	return root.ExecuteContext(ctx)
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	root := &cobra.Command{
		Use:           "mate-gateway",
		Short:         "Provider-neutral gateway for chat model APIs",
		Long:          "mate-gateway accepts a single conversation format, forwards it to Claude or OpenAI-style providers and normalizes their replies.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "path to YAML configuration file (required)")
	root.PersistentFlags().StringVar(&opts.envFile, "env-file", ".env", "dotenv file loaded before the configuration is expanded")

	root.AddCommand(newServeCmd(opts))
	root.AddCommand(newAskCmd(opts))
	root.AddCommand(newProvidersCmd(opts))

	return root
}

// loadConfig reads the configuration and installs the configured logger.
func (o *rootOptions) loadConfig() (config.Config, error) {
	if o.configPath == "" {
		return config.Config{}, fmt.Errorf("--config <path> is required")
	}

	cfg, err := config.Load(o.configPath, o.envFile)
	if err != nil {
		return config.Config{}, err
	}

	if err := setupLogging(cfg.Log); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}

// newRouter wires every configured provider into a router.
func newRouter(cfg config.Config) (*router.Router, error) {
	registry := provider.NewRegistry()
	if err := providerfactory.RegisterConfiguredProviders(cfg, registry); err != nil {
		return nil, err
	}
	return router.New(registry), nil
}

func setupLogging(cfg config.LogConfig) error {
	level, err := cfg.SlogLevel()
	if err != nil {
		return err
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	switch cfg.Format {
	case "json":
		handler = slog.NewJSONHandler(os.Stderr, opts)
	default:
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	slog.SetDefault(slog.New(handler))
	return nil
}
