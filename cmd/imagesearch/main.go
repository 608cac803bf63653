package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/localrivet/imagesearch"
	"github.com/localrivet/imagesearch/internal/config"
	"github.com/localrivet/imagesearch/internal/embedder"
	"github.com/localrivet/imagesearch/internal/logger"
	"github.com/localrivet/imagesearch/internal/search"
)

var (
	// version is set at build time
	version = "dev"

	// CLI flags
	configPath    string
	envFile       string
	debug         bool
	threshold     float64
	includeScores bool
	forceConfig   bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:           "imagesearch",
		Short:         "Find stored images that look like a query image",
		Long:          "imagesearch embeds images with a CLIP model and finds stored images by cosine similarity",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
				return fmt.Errorf("failed to load %s: %w", envFile, err)
			}
			return nil
		},
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", config.DefaultConfigFilename, "Path to the configuration file")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "Environment file loaded before the configuration")
	rootCmd.PersistentFlags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP search API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(imagesearch.ModeHTTP)
		},
	}

	mcpCmd := &cobra.Command{
		Use:   "mcp",
		Short: "Serve the search tools over MCP stdio",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(imagesearch.ModeMCP)
		},
	}

	searchCmd := &cobra.Command{
		Use:   "search <image-url>",
		Short: "Search once and print the matching image URLs",
		Args:  cobra.ExactArgs(1),
		RunE:  runSearch,
	}
	searchCmd.Flags().Float64VarP(&threshold, "threshold", "t", search.DefaultThreshold, "Minimum cosine similarity; the configured value is used when omitted")
	searchCmd.Flags().BoolVarP(&includeScores, "scores", "s", false, "Print the similarity score of each match")

	indexCmd := &cobra.Command{
		Use:   "index <image-url>...",
		Short: "Embed images and add them to the record store",
		Args:  cobra.MinimumNArgs(1),
		RunE:  runIndex,
	}

	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Manage the configuration file",
	}
	configInitCmd := &cobra.Command{
		Use:   "init",
		Short: "Write a configuration file with default values",
		RunE:  runConfigInit,
	}
	configInitCmd.Flags().BoolVarP(&forceConfig, "force", "f", false, "Overwrite an existing file")
	configCmd.AddCommand(configInitCmd)

	rootCmd.AddCommand(serveCmd, mcpCmd, searchCmd, indexCmd, configCmd)

	if err := rootCmd.Execute(); err != nil {
		color.New(color.FgRed).Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// loadConfig loads the configuration and builds the application logger.
// Logs go to stderr so stdout stays free for MCP and command output.
func loadConfig() (*config.Config, *slog.Logger, error) {
	cfg, err := config.LoadConfigWithPath(configPath)
	if err != nil {
		return nil, nil, err
	}
	if debug {
		cfg.Logging.Level = "debug"
	}

	appLogger := logger.New(logger.FromSettings(cfg.Logging.Level, cfg.Logging.Format, os.Stderr))
	slog.SetDefault(appLogger)
	return cfg, appLogger, nil
}

func runServer(mode imagesearch.Mode) error {
	cfg, appLogger, err := loadConfig()
	if err != nil {
		return err
	}

	imagesearch.Version = version
	srv, err := imagesearch.NewServer(imagesearch.ServerOptions{
		Config: cfg,
		Mode:   mode,
		Logger: appLogger,
	})
	if err != nil {
		return err
	}

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigs
		appLogger.Info("Received shutdown signal, terminating gracefully...")
		if err := srv.Stop(); err != nil {
			appLogger.Error("Shutdown failed", "error", err)
		}
		if mode == imagesearch.ModeMCP {
			// the stdio loop only returns once stdin closes
			os.Exit(0)
		}
	}()

	return srv.Start()
}

// commandContext returns a context canceled on SIGINT or SIGTERM.
func commandContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func runSearch(cmd *cobra.Command, args []string) error {
	cfg, appLogger, err := loadConfig()
	if err != nil {
		return err
	}
	if !cmd.Flags().Changed("threshold") {
		threshold = cfg.Search.Threshold
	}

	store, _, svc, err := imagesearch.CreateComponents(cfg, appLogger)
	if err != nil {
		return err
	}
	defer store.Close()

	ctx, cancel := commandContext()
	defer cancel()

	res, err := svc.Search(ctx, embedder.Image{URL: args[0]}, threshold)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if res.Failed() {
		color.New(color.FgYellow).Fprintf(out, "Search failed (%s); no matches returned\n", res.Failure)
		return nil
	}
	if len(res.Matches) == 0 {
		color.New(color.FgYellow).Fprintf(out, "No matches among %d stored images\n", res.Population)
		return nil
	}

	green := color.New(color.FgGreen)
	dim := color.New(color.Faint)
	for _, m := range res.Matches {
		if includeScores {
			green.Fprintf(out, "%.4f ", m.Score)
		}
		fmt.Fprintln(out, m.ID)
	}
	dim.Fprintf(out, "%d of %d stored images matched in %s\n", len(res.Matches), res.Population, res.Duration.Round(time.Millisecond))
	return nil
}

func runIndex(cmd *cobra.Command, args []string) error {
	cfg, appLogger, err := loadConfig()
	if err != nil {
		return err
	}

	store, _, svc, err := imagesearch.CreateComponents(cfg, appLogger)
	if err != nil {
		return err
	}
	defer store.Close()

	ctx, cancel := commandContext()
	defer cancel()

	out := cmd.OutOrStdout()
	failed := 0
	for _, u := range args {
		res, err := svc.Index(ctx, embedder.Image{URL: u})
		if err != nil {
			failed++
			color.New(color.FgRed).Fprintf(out, "✗ %s: %v\n", u, err)
			continue
		}
		color.New(color.FgGreen).Fprintf(out, "✓ %s (%d dimensions)\n", res.ImageURL, res.Dimensions)
	}

	if failed > 0 {
		return fmt.Errorf("%d of %d images failed to index", failed, len(args))
	}
	return nil
}

func runConfigInit(cmd *cobra.Command, args []string) error {
	if _, err := os.Stat(configPath); err == nil && !forceConfig {
		return fmt.Errorf("%s already exists; use --force to overwrite", configPath)
	}

	cfg := imagesearch.DefaultConfig()
	if err := cfg.SaveToFile(configPath); err != nil {
		return err
	}

	color.New(color.FgGreen).Fprintf(cmd.OutOrStdout(), "Wrote default configuration to %s\n", configPath)
	return nil
}
