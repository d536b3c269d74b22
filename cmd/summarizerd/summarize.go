package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func newSummarizeCmd(build appBuilder) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "summarize <url>",
		Short: "Summarizes one page and prints the Markdown",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			app, err := build(ctx)
			if err != nil {
				return err
			}
			defer func() {
				closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
				defer cancel()
				if closeErr := app.Close(closeCtx); closeErr != nil && err == nil {
					err = closeErr
				}
			}()

			result, err := app.Summarize(ctx, args[0])
			if err != nil {
				return fmt.Errorf("summarize %s: %w", args[0], err)
			}

			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				if err := enc.Encode(map[string]any{
					"url":              result.URL,
					"summary_markdown": result.Summary,
					"scraped_at":       result.ScrapedAt,
					"word_count":       result.WordCount,
					"status":           result.Status,
				}); err != nil {
					return fmt.Errorf("encode result: %w", err)
				}
				return nil
			}
			fmt.Fprintln(out, result.Summary)
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the full result as JSON")
	return cmd
}
