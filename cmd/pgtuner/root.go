package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/guillermoBallester/pgtuner/internal/adapter/mcp"
	"github.com/guillermoBallester/pgtuner/internal/config"
	"github.com/guillermoBallester/pgtuner/internal/core/domain"
	"github.com/spf13/cobra"
)

// reportKinds are the arguments accepted by "pgtuner report".
var reportKinds = []string{"snapshot", "indexes", "queries", "partitions", "recommendations", "replicas"}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "pgtuner",
		Short: "PostgreSQL performance advisor and read/write router",
		Long: `pgtuner inspects PostgreSQL statistics and recommends index, query and
partitioning changes. It can apply them in a maintenance window, route
reads to healthy replicas and flag N+1 query patterns, and it reports
over MCP (stdio or HTTP) and a REST API.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	flags := bindFlags(root.PersistentFlags())

	load := func(cmd *cobra.Command) (*config.Config, *slog.Logger, error) {
		cfg, err := config.Load(flags.overrides(cmd.Flags()))
		if err != nil {
			return nil, nil, fmt.Errorf("loading config: %w", err)
		}
		return cfg, newLogger(cfg), nil
	}

	root.AddCommand(
		newServeCmd(load),
		newReportCmd(load),
		newMaintainCmd(load),
		&cobra.Command{
			Use:   "version",
			Short: "Print the version",
			Args:  cobra.NoArgs,
			Run: func(cmd *cobra.Command, _ []string) {
				fmt.Fprintf(cmd.OutOrStdout(), "pgtuner %s\n", version)
			},
		},
	)
	return root
}

type loadFunc func(cmd *cobra.Command) (*config.Config, *slog.Logger, error)

// withApp builds the app for one command run and tears it down afterwards.
func withApp(cmd *cobra.Command, load loadFunc, fn func(ctx context.Context, a *app) error) error {
	cfg, logger, err := load(cmd)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.close(context.Background())
	return fn(ctx, a)
}

func newServeCmd(load loadFunc) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve MCP tools and the REST API, and run background maintenance",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, load, func(ctx context.Context, a *app) error {
				a.logger.Info("starting pgtuner",
					slog.String("version", version),
					slog.String("log_level", a.cfg.LogLevel.String()),
					slog.String("transport", a.cfg.Transport),
					slog.Int("replicas", len(a.replicas)),
					slog.Bool("allow_schema_changes", a.cfg.AllowSchemaChanges),
					slog.Bool("maintenance", a.cfg.Tuning.Maintenance.Enabled),
					slog.String("query_timeout", a.cfg.QueryTimeout.String()),
				)
				a.startBackground(ctx)

				s := mcp.NewServer(version, a.reports, a.cfg.AllowSchemaChanges, a.logger, a.tracer, a.inst)
				var err error
				if a.cfg.Transport == "http" {
					err = a.serveHTTP(ctx, s)
				} else {
					err = serveStdio(ctx, s, a.logger)
				}
				if err == nil {
					a.logger.Info("shutdown complete")
				}
				return err
			})
		},
	}
}

func newReportCmd(load loadFunc) *cobra.Command {
	var minPriority string
	cmd := &cobra.Command{
		Use:       "report <kind>",
		Short:     "Print one report as JSON",
		Long:      "Print one report as JSON. Kinds: snapshot, indexes, queries, partitions, recommendations, replicas.",
		Args:      cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
		ValidArgs: reportKinds,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, load, func(ctx context.Context, a *app) error {
				if args[0] == "replicas" && len(a.replicas) > 0 {
					a.router.CheckHealth(ctx)
				}
				v, err := buildReport(ctx, a, args[0], domain.ParsePriority(minPriority))
				if err != nil {
					return err
				}
				return writeJSON(cmd.OutOrStdout(), v)
			})
		},
	}
	cmd.Flags().StringVar(&minPriority, "min-priority", "low", "lowest priority included by the recommendations report")
	return cmd
}

func buildReport(ctx context.Context, a *app, kind string, minPriority domain.Priority) (any, error) {
	r := a.reports
	switch kind {
	case "snapshot":
		return r.PerformanceSnapshot(ctx)
	case "indexes":
		return r.IndexReport(ctx)
	case "queries":
		return r.QueryReport(ctx)
	case "partitions":
		return r.PartitionReport(ctx)
	case "recommendations":
		return r.PriorityRecommendations(ctx, minPriority)
	case "replicas":
		return r.ReplicaHealth(), nil
	}
	return nil, fmt.Errorf("unknown report %q (want one of %v)", kind, reportKinds)
}

func newMaintainCmd(load loadFunc) *cobra.Command {
	return &cobra.Command{
		Use:   "maintain",
		Short: "Run every maintenance phase once, ignoring the window",
		Long: `Run every maintenance phase once, ignoring the window: refresh
statistics, build high-priority missing indexes, then ANALYZE and VACUUM
the tables that need it. Requires --allow-schema-changes.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, load, func(ctx context.Context, a *app) error {
				report, err := a.reports.RunMaintenance(ctx)
				if err != nil {
					return err
				}
				if err := writeJSON(cmd.OutOrStdout(), report); err != nil {
					return err
				}
				if !report.Success {
					return fmt.Errorf("maintenance finished with %d error(s)", len(report.Errors))
				}
				return nil
			})
		},
	}
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
