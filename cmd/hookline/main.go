package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/shohag/hookline/internal/api"
	"github.com/shohag/hookline/internal/config"
	"github.com/shohag/hookline/internal/delivery"
	"github.com/shohag/hookline/internal/inbox"
	"github.com/shohag/hookline/internal/metrics"
	"github.com/shohag/hookline/internal/models"
	"github.com/shohag/hookline/internal/notify"
	"github.com/shohag/hookline/internal/registry"
	"github.com/shohag/hookline/internal/storage"
)

var version = "0.1.0"

func main() {
	rootCmd := &cobra.Command{
		Use:          "hookline",
		Short:        "Hookline: signed webhook delivery and postback inbox",
		SilenceUsage: true,
	}

	var configPath string
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config file")

	rootCmd.AddCommand(
		serveCmd(&configPath),
		migrateCmd(&configPath),
		dispatchCmd(&configPath),
		purgeCmd(&configPath),
		workspaceCmd(&configPath),
		endpointCmd(&configPath),
		publishCmd(&configPath),
		statsCmd(&configPath),
		versionCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// app is the wired service graph shared by serve and the one-shot commands.
type app struct {
	cfg        *config.Config
	log        zerolog.Logger
	store      storage.Storage
	notifier   notify.Notifier
	metrics    *metrics.Metrics
	registry   *registry.Registry
	enqueuer   *delivery.Enqueuer
	dispatcher *delivery.Dispatcher
	inbox      *inbox.Service
}

func newApp(configPath string) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	log := setupLogger(cfg.Logging)

	store, err := setupStorage(cfg.Storage, log)
	if err != nil {
		return nil, fmt.Errorf("failed to setup storage: %w", err)
	}
	if err := store.Migrate(context.Background()); err != nil {
		store.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	notifier, err := notify.New(cfg.Notify, log)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("failed to setup notifier: %w", err)
	}

	m := metrics.New()
	reg := registry.New(store, log)

	return &app{
		cfg:        cfg,
		log:        log,
		store:      store,
		notifier:   notifier,
		metrics:    m,
		registry:   reg,
		enqueuer:   delivery.NewEnqueuer(reg, store, notifier, m, log),
		dispatcher: delivery.NewDispatcher(cfg.Delivery, store, store, delivery.NewSender(cfg.Delivery.Timeout), m, log),
		inbox:      inbox.NewService(store, cfg.Inbox.PostbackSecret, m, log),
	}, nil
}

func (a *app) Close() {
	if err := a.notifier.Close(); err != nil {
		a.log.Warn().Err(err).Msg("notifier close")
	}
	if err := a.store.Close(); err != nil {
		a.log.Warn().Err(err).Msg("storage close")
	}
}

func serveCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the API server and the dispatcher",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(*configPath)
			if err != nil {
				return err
			}
			defer a.Close()

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			wake, err := a.notifier.Subscribe(ctx)
			if err != nil {
				return fmt.Errorf("failed to subscribe to dispatch notifications: %w", err)
			}

			server := api.NewServer(a.cfg.Server, api.Deps{
				Store:      a.store,
				Registry:   a.registry,
				Enqueuer:   a.enqueuer,
				Dispatcher: a.dispatcher,
				Inbox:      a.inbox,
				Metrics:    a.metrics,
				AdminToken: a.cfg.Admin.Token,
			}, a.log)

			if a.cfg.Admin.Token == "" {
				a.log.Warn().Msg("admin.token is empty, operator routes are unauthenticated")
			}

			a.log.Info().
				Str("version", version).
				Int("port", a.cfg.Server.Port).
				Int("workers", a.cfg.Delivery.Workers).
				Str("storage", a.cfg.Storage.Driver).
				Str("notify", a.cfg.Notify.Driver).
				Msg("hookline is running")

			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error {
				if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return fmt.Errorf("http server: %w", err)
				}
				return nil
			})
			g.Go(func() error {
				<-gctx.Done()
				a.log.Info().Msg("shutting down...")
				return server.Shutdown(10 * time.Second)
			})
			g.Go(func() error {
				return a.dispatcher.Run(gctx, wake)
			})
			g.Go(func() error {
				runPurger(gctx, a.store, a.cfg.Retention, a.log)
				return nil
			})

			err = g.Wait()
			a.log.Info().Msg("hookline stopped")
			return err
		},
	}
}

// runPurger deletes terminal deliveries older than the retention TTL on every tick.
// A zero TTL disables purging.
func runPurger(ctx context.Context, store storage.DeliveryStore, cfg config.RetentionConfig, log zerolog.Logger) {
	if cfg.DeliveryTTL <= 0 || cfg.PurgeInterval <= 0 {
		return
	}
	ticker := time.NewTicker(cfg.PurgeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := store.PurgeTerminal(ctx, time.Now().Add(-cfg.DeliveryTTL))
			if err != nil {
				log.Error().Err(err).Msg("purge failed")
				continue
			}
			if n > 0 {
				log.Info().Int64("deleted", n).Msg("purged terminal deliveries")
			}
		}
	}
}

func migrateCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}

			log := setupLogger(cfg.Logging)

			store, err := setupStorage(cfg.Storage, log)
			if err != nil {
				return fmt.Errorf("failed to setup storage: %w", err)
			}
			defer store.Close()

			if err := store.Migrate(context.Background()); err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}

			log.Info().Msg("migrations completed successfully")
			return nil
		},
	}
}

func dispatchCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "dispatch",
		Short: "Run a single dispatcher batch and print the result",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(*configPath)
			if err != nil {
				return err
			}
			defer a.Close()

			res, err := a.dispatcher.RunBatch(context.Background())
			if err != nil {
				return err
			}
			return printJSON(res)
		},
	}
}

func purgeCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "purge",
		Short: "Delete terminal deliveries older than the retention TTL",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(*configPath)
			if err != nil {
				return err
			}
			defer a.Close()

			ttl, _ := cmd.Flags().GetDuration("older-than")
			if ttl <= 0 {
				ttl = a.cfg.Retention.DeliveryTTL
			}
			if ttl <= 0 {
				return fmt.Errorf("retention TTL must be positive")
			}

			n, err := a.store.PurgeTerminal(context.Background(), time.Now().Add(-ttl))
			if err != nil {
				return fmt.Errorf("purge failed: %w", err)
			}
			fmt.Printf("deleted %d deliveries\n", n)
			return nil
		},
	}
	cmd.Flags().Duration("older-than", 0, "override retention.delivery_ttl")
	return cmd
}

func workspaceCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "workspace",
		Short: "Manage workspaces",
	}

	createCmd := &cobra.Command{
		Use:   "create",
		Short: "Create a workspace and print its API key",
		RunE: func(cmd *cobra.Command, args []string) error {
			name, _ := cmd.Flags().GetString("name")
			if name == "" {
				return fmt.Errorf("--name is required")
			}

			store, cleanup, err := storeFromConfig(*configPath)
			if err != nil {
				return err
			}
			defer cleanup()

			apiKey, err := models.NewAPIKey()
			if err != nil {
				return err
			}

			now := time.Now().UTC()
			ws := &models.Workspace{
				ID:        models.NewID("ws"),
				Name:      name,
				APIKey:    apiKey,
				CreatedAt: now,
				UpdatedAt: now,
			}
			if err := store.CreateWorkspace(context.Background(), ws); err != nil {
				return fmt.Errorf("failed to create workspace: %w", err)
			}
			return printJSON(ws)
		},
	}
	createCmd.Flags().String("name", "", "workspace name")

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List all workspaces",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, cleanup, err := storeFromConfig(*configPath)
			if err != nil {
				return err
			}
			defer cleanup()

			list, err := store.ListWorkspaces(context.Background())
			if err != nil {
				return fmt.Errorf("failed to list workspaces: %w", err)
			}
			if len(list) == 0 {
				fmt.Println("No workspaces found.")
				return nil
			}
			for _, ws := range list {
				fmt.Printf("  %s  %s  (created %s)\n", ws.ID, ws.Name, ws.CreatedAt.Format(time.RFC3339))
			}
			return nil
		},
	}

	cmd.AddCommand(createCmd, listCmd)
	return cmd
}

func endpointCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "endpoint",
		Short: "Manage endpoints of a workspace",
	}

	createCmd := &cobra.Command{
		Use:   "create <workspace_id>",
		Short: "Register an endpoint and print its signing secret",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(*configPath)
			if err != nil {
				return err
			}
			defer a.Close()

			url, _ := cmd.Flags().GetString("url")
			events, _ := cmd.Flags().GetStringSlice("events")
			desc, _ := cmd.Flags().GetString("description")
			maxAttempts, _ := cmd.Flags().GetInt("max-attempts")

			ep, err := a.registry.Create(context.Background(), args[0], registry.CreateInput{
				URL:         url,
				EventTypes:  events,
				Description: desc,
				MaxAttempts: maxAttempts,
			})
			if err != nil {
				return err
			}
			return printJSON(ep)
		},
	}
	createCmd.Flags().String("url", "", "target URL")
	createCmd.Flags().StringSlice("events", nil, "subscribed event types, * for all")
	createCmd.Flags().String("description", "", "free-form description")
	createCmd.Flags().Int("max-attempts", 0, "per-endpoint attempt ceiling, 0 uses the global one")

	listCmd := &cobra.Command{
		Use:   "list <workspace_id>",
		Short: "List endpoints of a workspace",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(*configPath)
			if err != nil {
				return err
			}
			defer a.Close()

			list, err := a.registry.List(context.Background(), args[0])
			if err != nil {
				return err
			}
			if len(list) == 0 {
				fmt.Println("No endpoints found.")
				return nil
			}
			for _, ep := range list {
				fmt.Printf("  %s  %-6v  %s  %v\n", ep.ID, ep.Active, ep.URL, ep.EventTypes)
			}
			return nil
		},
	}

	rotateCmd := &cobra.Command{
		Use:   "rotate-secret <endpoint_id>",
		Short: "Generate a new signing secret",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(*configPath)
			if err != nil {
				return err
			}
			defer a.Close()

			secret, err := a.registry.RotateSecret(context.Background(), args[0])
			if err != nil {
				return err
			}
			fmt.Println(secret)
			return nil
		},
	}

	cmd.AddCommand(createCmd, listCmd, rotateCmd)
	return cmd
}

func publishCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "publish <workspace_id> <event_type>",
		Short: "Publish an event to every matching endpoint",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(*configPath)
			if err != nil {
				return err
			}
			defer a.Close()

			data, _ := cmd.Flags().GetString("data")
			var payload json.RawMessage
			if data != "" {
				payload = json.RawMessage(data)
			}

			rows, err := a.enqueuer.Publish(context.Background(), args[0], args[1], payload)
			if err != nil {
				return err
			}
			ids := make([]string, 0, len(rows))
			for _, d := range rows {
				ids = append(ids, d.ID)
			}
			return printJSON(map[string]any{"event_type": args[1], "delivery_ids": ids, "count": len(ids)})
		},
	}
	cmd.Flags().String("data", "", "JSON payload")
	return cmd
}

func statsCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "stats <workspace_id>",
		Short: "Show delivery stats for a workspace",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, cleanup, err := storeFromConfig(*configPath)
			if err != nil {
				return err
			}
			defer cleanup()

			stats, err := store.GetStats(context.Background(), args[0])
			if err != nil {
				return fmt.Errorf("failed to get stats: %w", err)
			}
			return printJSON(stats)
		},
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("hookline v%s\n", version)
		},
	}
}

func printJSON(v any) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

func setupLogger(cfg config.LoggingConfig) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if cfg.Format == "console" {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
			With().Timestamp().Logger()
	}
	return zerolog.New(os.Stderr).With().Timestamp().Logger()
}

func setupStorage(cfg config.StorageConfig, log zerolog.Logger) (storage.Storage, error) {
	switch cfg.Driver {
	case "sqlite":
		log.Debug().Str("path", cfg.SQLite.Path).Msg("using SQLite storage")
		return storage.NewSQLite(cfg.SQLite.Path)
	default:
		return nil, fmt.Errorf("unsupported storage driver: %s", cfg.Driver)
	}
}

func storeFromConfig(configPath string) (storage.Storage, func(), error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}

	log := setupLogger(cfg.Logging)
	store, err := setupStorage(cfg.Storage, log)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to setup storage: %w", err)
	}

	if err := store.Migrate(context.Background()); err != nil {
		store.Close()
		return nil, nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return store, func() { store.Close() }, nil
}
