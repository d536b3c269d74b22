package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/page-summarizer/internal/config"
	"github.com/JakeFAU/page-summarizer/internal/pipeline"
	"github.com/JakeFAU/page-summarizer/internal/server"
)

// application is the slice of server.App the commands use, so tests can
// inject a fake.
type application interface {
	Run(ctx context.Context) error
	Summarize(ctx context.Context, rawURL string) (pipeline.Result, error)
	Close(ctx context.Context) error
}

var (
	loadConfig = config.Load
	newApp     = func(ctx context.Context, cfg *config.Config) (application, error) {
		return server.Build(ctx, cfg)
	}
)

// newRootCmd creates and configures the root command.
func newRootCmd() *cobra.Command {
	var cfgFile string

	cmd := &cobra.Command{
		Use:   "summarizerd",
		Short: "Fetches web pages and returns LLM-written Markdown summaries.",
		Long: `summarizerd fetches a web page, extracts its readable text and asks an
OpenAI-compatible chat completions endpoint for a concise Markdown summary.
Summaries are cached in memory per URL.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "path to a YAML config file")

	build := func(ctx context.Context) (application, error) {
		cfg, err := loadConfig(cfgFile)
		if err != nil {
			return nil, fmt.Errorf("load config failed: %w", err)
		}
		app, err := newApp(ctx, &cfg)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize application services: %w", err)
		}
		return app, nil
	}

	cmd.AddCommand(newServeCmd(build))
	cmd.AddCommand(newSummarizeCmd(build))
	cmd.AddCommand(newVersionCmd())
	return cmd
}

type appBuilder func(ctx context.Context) (application, error)

func newServeCmd(build appBuilder) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Starts the HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			app, err := build(cmd.Context())
			if err != nil {
				return err
			}
			return app.Run(cmd.Context())
		},
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Prints the build version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), server.Version)
		},
	}
}
