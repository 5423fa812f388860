package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/kalambet/sift/internal/analyzer"
	"github.com/kalambet/sift/internal/config"
	"github.com/kalambet/sift/internal/storage"
)

var version = "dev"

var noColor bool

var rootCmd = &cobra.Command{
	Use:   "sift",
	Short: "sift enriches user-shared content through background analysis pipelines",
	Long: `sift stores content people share (text, links, images, files) and runs it
through LLM-backed enrichment pipelines driven by a persistent job queue:
analysis, title normalization, and follow-up conversations.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the sift version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("sift version %s\n", version)
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "disable colored output")
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		printError("%v", err)
		os.Exit(1)
	}
}

// setupLogging installs the default slog logger per the configured level.
func setupLogging(cfg config.Config) {
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: cfg.Log.SlogLevel(),
	})))
}

// openStore opens the configured store backend.
func openStore(cfg config.Config) (storage.Store, error) {
	switch cfg.Storage.Driver {
	case "postgres":
		return storage.OpenPostgres(cfg.Storage.PostgresDSN)
	default:
		return storage.Open(cfg.Storage.DataDir)
	}
}

// newAnalyzerClient builds the model client, requiring the API key.
func newAnalyzerClient(cfg config.Config) (*analyzer.Client, error) {
	if cfg.Analyzer.APIKey == "" {
		return nil, fmt.Errorf("missing analyzer API key: set SIFT_ANALYZER_API_KEY")
	}
	opts := []analyzer.Option{analyzer.WithBaseURL(cfg.Analyzer.BaseURL)}
	if cfg.Analyzer.NormalizeModel != "" {
		opts = append(opts, analyzer.WithNormalizeModel(cfg.Analyzer.NormalizeModel))
	}
	return analyzer.NewClient(cfg.Analyzer.APIKey, cfg.Analyzer.Model, opts...), nil
}
