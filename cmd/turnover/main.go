package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"turnover/internal/caldate"
	"turnover/internal/config"
	"turnover/internal/engine"
	appLog "turnover/internal/log"
	"turnover/internal/metrics"
	"turnover/internal/model"
	"turnover/internal/web"
)

const version = "0.1.0"

// App holds what every subcommand needs after config loading.
type App struct {
	cfgPath  string
	cfg      *config.Config
	registry *prometheus.Registry
}

var (
	configPath string
	listen     string
	app        *App
)

func main() {
	_ = godotenv.Load()

	rootCmd := &cobra.Command{
		Use:           "turnover",
		Short:         "Turnover cleaning scheduler for short-term rentals",
		Long:          `Merges Airbnb, VRBO and Booking.com calendar feeds, tracks cleaning between stays and reminds you on checkout days.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initApp()
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			appLog.Sync()
		},
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", envOr("TURNOVER_CONFIG", "turnover.yaml"), "Path to config file")

	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(syncCmd())
	rootCmd.AddCommand(exportCmd())
	rootCmd.AddCommand(pendingCmd())

	if err := rootCmd.Execute(); err != nil {
		appLog.Error("turnover failed", err)
		appLog.Sync()
		os.Exit(1)
	}
}

func initApp() error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if err := appLog.Init(appLog.Options{
		Level:  appLog.ParseLevel(cfg.Log.Level),
		Format: cfg.Log.Format,
		File:   cfg.Log.File,
	}); err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	app = &App{cfgPath: configPath, cfg: cfg, registry: reg}

	appLog.Info("turnover starting",
		"version", version,
		"config_path", configPath,
		"timezone", cfg.Location().String(),
		"properties", len(cfg.Properties),
		"store", cfg.Store,
		"alerts_enabled", cfg.Alerts.Enabled,
		"alert_time", cfg.AlertTime().String(),
	)
	return nil
}

func (a *App) newEngine(ctx context.Context) (*engine.Engine, error) {
	return engine.New(ctx, a.cfg,
		engine.WithConfigPath(a.cfgPath),
		engine.WithMetrics(metrics.New(a.registry)),
	)
}

func runCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Bootstrap, then refresh on schedule and serve the local API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if listen != "" {
				app.cfg.Listen = listen
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			eng, err := app.newEngine(ctx)
			if err != nil {
				return err
			}
			defer func() {
				if err := eng.Close(); err != nil {
					appLog.Error("shutdown incomplete", err)
				}
			}()

			res, err := eng.Bootstrap(ctx)
			if err != nil {
				// Feeds may be briefly unreachable at boot; the scheduled refresh retries.
				appLog.Error("bootstrap refresh failed", err)
			} else {
				appLog.Info("bootstrap complete",
					"bookings", res.Bookings,
					"tasks_created", res.Tasks.Created,
					"alerts_scheduled", res.Alerts.Scheduled,
				)
			}

			if err := eng.Start(ctx); err != nil {
				return err
			}

			srv := web.NewServer(eng, app.registry, app.cfg.Location())
			if err := web.StartServer(ctx, app.cfg.Listen, srv); err != nil {
				return fmt.Errorf("http server: %w", err)
			}
			appLog.Info("signal received, shutting down")
			return nil
		},
	}
	cmd.Flags().StringVar(&listen, "listen", "", "HTTP listen address (overrides config if set)")
	return cmd
}

func syncCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Fetch every feed once, seed due cleaning tasks and print a summary",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			eng, err := app.newEngine(ctx)
			if err != nil {
				return err
			}
			defer eng.Close()

			res, err := eng.Refresh(ctx)
			if err != nil {
				return err
			}

			writeSyncSummary(cmd.OutOrStdout(), res, eng.Properties(), eng.Bookings)
			return nil
		},
	}
}

func exportCmd() *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Write the cleaning schedule as an iCalendar file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			eng, err := app.newEngine(ctx)
			if err != nil {
				return err
			}
			defer eng.Close()

			if _, err := eng.Refresh(ctx); err != nil {
				return err
			}
			body := eng.ExportCalendar()
			if output == "" || output == "-" {
				_, err := fmt.Fprint(cmd.OutOrStdout(), body)
				return err
			}
			return os.WriteFile(output, []byte(body), 0o644)
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "-", "Output file (- for stdout)")
	return cmd
}

func pendingCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "pending",
		Short: "List cleanings that still need attention",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, err := app.newEngine(cmd.Context())
			if err != nil {
				return err
			}
			defer eng.Close()

			pending := eng.Pending()
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%d cleaning(s) pending\n", len(pending))
			for _, cs := range pending {
				fmt.Fprintf(out, "  %s  %s  %s\n", cs.Date.Format(caldate.DayLayout), cs.PropertyKey, cs.Status)
			}
			return nil
		},
	}
}

// writeSyncSummary prints a one-shot refresh. Reminders computed here live in
// the in-process notifier and end with the command, so they are reported as
// due rather than scheduled.
func writeSyncSummary(out io.Writer, res engine.RefreshResult, props []model.Property, bookingsFor func(string) []model.Booking) {
	fmt.Fprintf(out, "Bookings:        %d\n", res.Bookings)
	fmt.Fprintf(out, "Tasks created:   %d\n", res.Tasks.Created)
	fmt.Fprintf(out, "Reminders due:   %d (delivered only while `turnover run` is running)\n", res.Alerts.Scheduled)
	for _, p := range props {
		fmt.Fprintf(out, "\n%s\n", p.DisplayName)
		for _, b := range bookingsFor(p.ID) {
			fmt.Fprintf(out, "  %s  %s -> %s  %s\n", b.Platform, b.Start.Format(caldate.DayLayout), b.End.Format(caldate.DayLayout), b.GuestName)
		}
	}
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
