package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"marketfeed/config"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the market data API and streaming server",
		Long: `Serve resolves quotes and bars from the configured upstream sources,
keeps tracked instruments fresh and fans live updates out to websocket
subscribers. Settings come from .env, the optional --config file and
MARKETFEED_* environment variables.`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), configPath)
		},
	}
	serveCmd.Flags().StringVarP(&configPath, "config", "c", "", "path to a YAML config file")

	rootCmd := &cobra.Command{
		Use:          "marketfeed",
		Short:        "Market data ingestion, caching and fan-out engine",
		SilenceUsage: true,
		RunE:         serveCmd.RunE,
	}
	rootCmd.Flags().AddFlagSet(serveCmd.Flags())
	rootCmd.AddCommand(serveCmd, newConfigCmd(&configPath))
	return rootCmd
}

// newConfigCmd prints the effective configuration after every override.
func newConfigCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%+v\n", redact(*cfg))
			return nil
		},
	}
	cmd.Flags().StringVarP(configPath, "config", "c", "", "path to a YAML config file")
	return cmd
}

func redact(cfg config.Config) config.Config {
	for _, key := range []*string{&cfg.Sources.AlphaVantage.APIKey, &cfg.Sources.RapidAPI.APIKey, &cfg.Sources.Yahoo.APIKey, &cfg.Sources.VNDirect.APIKey} {
		if *key != "" {
			*key = "***"
		}
	}
	for _, url := range []*string{&cfg.Database.URL, &cfg.Redis.URL, &cfg.Mongo.URI} {
		if *url != "" {
			*url = "***"
		}
	}
	return cfg
}

func runServe(parent context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return serve(ctx, cfg)
}
