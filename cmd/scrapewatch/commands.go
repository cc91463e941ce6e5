package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"scrapewatch/internal/admin"
	"scrapewatch/internal/app"
	"scrapewatch/internal/config"
	"scrapewatch/internal/task/engine"
)

func newRootCmd() *cobra.Command {
	var cfgPath string
	root := &cobra.Command{
		Use:   "scrapewatch",
		Short: "Scheduled marketplace scraping with price alerts",
		Long: `scrapewatch runs marketplace scrapers on cron schedules, stores what it
finds and sends price alerts for watched items.

Examples:
  scrapewatch serve --config config.yaml   # run the scheduler and admin API
  scrapewatch run reddit                   # scrape one source now and exit
  scrapewatch check-config                 # validate the config file`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVarP(&cfgPath, "config", "c", "./config.yaml", "path to config file (yaml or json)")

	root.AddCommand(newServeCmd(&cfgPath), newRunCmd(&cfgPath), newCheckConfigCmd(&cfgPath))
	return root
}

func newServeCmd(cfgPath *string) *cobra.Command {
	var stopTimeout time.Duration
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the scheduler, coordinator and admin API until signaled",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := app.New(ctx, *cfgPath)
			if err != nil {
				return err
			}
			if err := a.Start(ctx); err != nil {
				stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), stopTimeout)
				defer cancel()
				_ = a.Stop(stopCtx, app.StopFatalError)
				return fmt.Errorf("start: %w", err)
			}

			reason := app.StopSIGTERM
			select {
			case <-ctx.Done():
			case <-a.Done():
				reason = app.StopFatalError
			}

			stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), stopTimeout)
			defer cancel()
			_ = a.Stop(stopCtx, reason)
			if err := a.Err(); err != nil && reason == app.StopFatalError {
				return err
			}
			return nil
		},
	}
	cmd.Flags().DurationVar(&stopTimeout, "stop-timeout", 45*time.Second, "upper bound for graceful shutdown")
	return cmd
}

func newRunCmd(cfgPath *string) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "run <source>",
		Short: "Scrape one source now, print the result and exit",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := app.New(ctx, *cfgPath)
			if err != nil {
				return err
			}
			defer func() {
				stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
				_ = a.Stop(stopCtx, app.StopAppStop)
				cancel()
			}()

			res, err := a.RunSource(ctx, args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(admin.ToRunResult(res))
			}
			switch {
			case res.Skipped:
				fmt.Fprintf(out, "%s: %s\n", args[0], summary(res.Value))
			case res.Success:
				fmt.Fprintf(out, "%s: %s (%s, %d attempt(s))\n", args[0], summary(res.Value), res.Duration.Round(time.Millisecond), res.Attempts)
			default:
				return runError(args[0], res)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the result as JSON")
	return cmd
}

func summary(v any) string {
	if s, ok := v.(interface{ Summary() string }); ok {
		return s.Summary()
	}
	return fmt.Sprint(v)
}

func runError(source string, res engine.Result) error {
	if res.Err == nil {
		return errors.New(source + ": failed")
	}
	return fmt.Errorf("%s: %w", source, res.Err)
}

func newCheckConfigCmd(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "check-config",
		Short: "Validate the config file and exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.NewConfigManager(*cfgPath).Parse()
			if err != nil {
				return err
			}
			if err := app.Validate(cfg); err != nil {
				return err
			}
			sources := len(cfg.Coordinator.Sources)
			if sources == 0 {
				sources = 3
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: ok (storage=%s, sources=%d, telegram=%v, admin=%v)\n",
				*cfgPath, cfg.Storage.Driver, sources, cfg.Telegram.Enabled, cfg.Admin.Enabled)
			return nil
		},
	}
}
