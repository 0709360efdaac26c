package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/agentworkforce/relaycache/internal/httpapi"
	"github.com/agentworkforce/relaycache/internal/relaycache"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.trai.ch/zerr"
)

func newRootCmd(v *viper.Viper, stdout, stderr io.Writer) *cobra.Command {
	root := &cobra.Command{
		Use:           "relaycache",
		Short:         "Coherent cache and write queue in front of Notion",
		SilenceUsage:  true,
		SilenceErrors: true,
		Version:       version,
	}
	root.SetOut(stdout)
	root.SetErr(stderr)

	flags := root.PersistentFlags()
	flags.String("config", "", "YAML config file")
	flags.String("log-level", "info", "Log level: debug, info, warn or error")
	flags.String("log-format", "text", "Log format: text or json")
	flags.String("log-file", "", "Write logs to a rotating file instead of stderr")
	flags.String("backend-profile", "", "Storage profile: memory, durable-local or production")
	_ = v.BindPFlag("config", flags.Lookup("config"))
	_ = v.BindPFlag("log.level", flags.Lookup("log-level"))
	_ = v.BindPFlag("log.format", flags.Lookup("log-format"))
	_ = v.BindPFlag("log.file", flags.Lookup("log-file"))
	_ = v.BindPFlag("backend.profile", flags.Lookup("backend-profile"))

	root.AddCommand(
		newServeCmd(v, stderr),
		newWarmCmd(v, stdout, stderr),
		newConflictsCmd(v, stdout, stderr),
		newVersionCmd(stdout),
	)
	return root
}

func newServeCmd(v *viper.Viper, stderr io.Writer) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, the sync queue consumer and the policy watcher",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(v)
			if err != nil {
				return err
			}
			return runServe(cmd.Context(), cfg, stderr, nil)
		},
	}
	cmd.Flags().String("addr", ":8080", "Listen address")
	_ = v.BindPFlag("addr", cmd.Flags().Lookup("addr"))
	return cmd
}

// runServe blocks until ctx is done, then shuts the listener down and drains the queue. ready,
// when set, receives the bound address.
func runServe(ctx context.Context, cfg appConfig, logOutput io.Writer, ready func(addr string)) error {
	eng, err := buildEngine(cfg, engineOptions{RequireSource: true, LogOutput: logOutput})
	if err != nil {
		return err
	}
	defer eng.Close()
	logger := eng.logger

	if cfg.PolicyFile != "" {
		watcher := relaycache.NewPolicyWatcher(cfg.PolicyFile, eng.resolver, logger)
		go func() {
			if err := watcher.Run(ctx); err != nil {
				zerr.Log(ctx, logger, zerr.Wrap(err, "policy watcher stopped"))
			}
		}()
	}

	// The consumer outlives ctx so the shutdown drain can still flush writes.
	if err := eng.queue.Start(context.WithoutCancel(ctx)); err != nil {
		return err
	}

	listener, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		return zerr.With(zerr.Wrap(err, "listen"), "addr", cfg.Addr)
	}
	server := &http.Server{
		Handler:           httpapi.NewServerWithConfig(eng.httpDependencies(), cfg.HTTP),
		ReadHeaderTimeout: 10 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		serveErr <- server.Serve(listener)
	}()
	logger.Info("relaycache listening", "addr", listener.Addr().String())
	if ready != nil {
		ready(listener.Addr().String())
	}

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if !errors.Is(err, http.ErrServerClosed) {
			return zerr.Wrap(err, "server failed")
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown incomplete", "error", err)
	}
	if err := eng.queue.Drain(shutdownCtx); err != nil {
		logger.Warn("sync queue not drained before shutdown", "queue_length", eng.queue.Status().QueueLength)
	}
	logger.Info("relaycache stopped")
	return nil
}

func newWarmCmd(v *viper.Viper, stdout, stderr io.Writer) *cobra.Command {
	return &cobra.Command{
		Use:   "warm [entity-type...]",
		Short: "Load entities from Notion into the cache",
		Long:  "Load every entity of the given types (all types when none are named) into the cache backend.",
		RunE: func(cmd *cobra.Command, args []string) error {
			types := relaycache.AllEntityTypes
			if len(args) > 0 {
				types = make([]relaycache.EntityType, 0, len(args))
				for _, raw := range args {
					entityType, err := relaycache.ParseEntityType(raw)
					if err != nil {
						return err
					}
					types = append(types, entityType)
				}
			}
			cfg, err := loadConfig(v)
			if err != nil {
				return err
			}
			eng, err := buildEngine(cfg, engineOptions{RequireSource: true, LogOutput: stderr})
			if err != nil {
				return err
			}
			defer eng.Close()

			for _, entityType := range types {
				stored, err := eng.coordinator.Warm(cmd.Context(), entityType)
				if err != nil {
					return err
				}
				fmt.Fprintf(stdout, "%s\t%d\n", entityType, stored)
			}
			return nil
		},
	}
}

func newConflictsCmd(v *viper.Viper, stdout, stderr io.Writer) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "conflicts",
		Short: "Inspect and resolve conflicts recorded in the ledger",
	}

	withResolver := func(fn func(*relaycache.ConflictResolver) error) error {
		cfg, err := loadConfig(v)
		if err != nil {
			return err
		}
		eng, err := buildEngine(cfg, engineOptions{LogOutput: stderr})
		if err != nil {
			return err
		}
		defer eng.Close()
		return fn(eng.resolver)
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "Print pending conflicts as JSON lines",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withResolver(func(r *relaycache.ConflictResolver) error {
				pending, err := r.GetPendingConflicts(cmd.Context())
				if err != nil {
					return err
				}
				enc := json.NewEncoder(stdout)
				for _, conflict := range pending {
					if err := enc.Encode(conflict); err != nil {
						return err
					}
				}
				return nil
			})
		},
	}

	var sinceDays int
	stats := &cobra.Command{
		Use:   "stats",
		Short: "Print conflict counts for a trailing window",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if sinceDays < 0 {
				return zerr.New("--since-days must not be negative")
			}
			return withResolver(func(r *relaycache.ConflictResolver) error {
				result, err := r.GetConflictStats(cmd.Context(), sinceDays)
				if err != nil {
					return err
				}
				enc := json.NewEncoder(stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(result)
			})
		},
	}
	stats.Flags().IntVar(&sinceDays, "since-days", 7, "Trailing window in days; 0 counts everything")

	resolve := &cobra.Command{
		Use:   "resolve <conflict-id> <notion_wins|local_wins|merged>",
		Short: "Resolve a pending conflict",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			strategy := relaycache.Resolution(args[1])
			if !strategy.IsStrategy() {
				return zerr.With(zerr.New("unknown strategy "+args[1]), "strategy", args[1])
			}
			return withResolver(func(r *relaycache.ConflictResolver) error {
				conflict, err := r.ResolvePending(cmd.Context(), args[0], strategy)
				if err != nil {
					return err
				}
				return json.NewEncoder(stdout).Encode(conflict)
			})
		},
	}

	cmd.AddCommand(list, stats, resolve)
	return cmd
}

func newVersionCmd(stdout io.Writer) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the application version",
		Run: func(_ *cobra.Command, _ []string) {
			fmt.Fprintf(stdout, "relaycache version %s\n", version)
		},
	}
}
