package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/ignatij/tasktrack/internal/config"
	internal_http "github.com/ignatij/tasktrack/internal/http"
	"github.com/ignatij/tasktrack/internal/log"
	"github.com/ignatij/tasktrack/internal/realtime"
	internal_storage "github.com/ignatij/tasktrack/internal/storage"
	"github.com/ignatij/tasktrack/pkg/models"
	"github.com/ignatij/tasktrack/pkg/service"
	"github.com/spf13/cobra"
)

func SetupCLI(rootCmd *cobra.Command) {
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		Run: func(cmd *cobra.Command, args []string) {
			cfg := loadConfig()
			store := initStore(cfg)
			defer store.Close()

			effects := newDispatcher(cfg, store)
			effects.Start(cfg.EffectWorkers)
			defer effects.Stop()
			svc := service.New(store, effects, log.GetLogger())

			auth := newAuthenticator(cfg)
			server := internal_http.NewServer(svc, auth, log.GetLogger(), internal_http.Options{
				AllowedOrigins: cfg.CORSAllowedOrigins,
				Production:     cfg.Production(),
			})

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			if err := internal_http.StartServer(ctx, cfg.ServerPort, server.Handler(), log.GetLogger()); err != nil {
				log.GetLogger().Errorf("Server stopped: %v", err)
				os.Exit(1)
			}
		},
	}

	taskCmd := &cobra.Command{Use: "task", Short: "Inspect tasks"}
	taskCmd.PersistentFlags().String("as", "", "Acting user id")
	taskShowCmd := &cobra.Command{
		Use:   "show [task-id]",
		Short: "Show a task with its blockers and the tasks it blocks",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			svc, done := openServices()
			defer done()
			showTask(cmd.Context(), svc, actor(cmd), args[0])
		},
	}
	taskCmd.AddCommand(taskShowCmd)

	depCmd := &cobra.Command{Use: "dep", Short: "Manage task dependencies"}
	depCmd.PersistentFlags().String("as", "", "Acting user id")
	depAddCmd := &cobra.Command{
		Use:   "add [blocked-task-id] [blocker-task-id]",
		Short: "Make the blocker task a prerequisite of the blocked task",
		Args:  cobra.ExactArgs(2),
		Run: func(cmd *cobra.Command, args []string) {
			svc, done := openServices()
			defer done()
			if err := svc.Graph.AddEdge(cmd.Context(), actor(cmd), args[1], args[0]); err != nil {
				fail("add dependency", err)
			}
			fmt.Fprintf(os.Stdout, "Task %s is now blocked by %s\n", args[0], args[1])
		},
	}
	depRmCmd := &cobra.Command{
		Use:   "rm [blocked-task-id] [blocker-task-id]",
		Short: "Remove a dependency edge",
		Args:  cobra.ExactArgs(2),
		Run: func(cmd *cobra.Command, args []string) {
			svc, done := openServices()
			defer done()
			if err := svc.Graph.RemoveEdge(cmd.Context(), actor(cmd), args[1], args[0]); err != nil {
				fail("remove dependency", err)
			}
			fmt.Fprintf(os.Stdout, "Task %s is no longer blocked by %s\n", args[0], args[1])
		},
	}
	depCmd.AddCommand(depAddCmd, depRmCmd)

	graphCmd := &cobra.Command{Use: "graph", Short: "Inspect workspace dependency graphs"}
	graphCmd.PersistentFlags().String("as", "", "Acting user id")
	graphOrderCmd := &cobra.Command{
		Use:   "order [workspace-id]",
		Short: "Print the workspace's tasks in dependency order",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			svc, done := openServices()
			defer done()
			order, err := svc.Graph.Order(cmd.Context(), actor(cmd), args[0])
			if err != nil {
				fail("order dependency graph", err)
			}
			if len(order) == 0 {
				fmt.Fprintf(os.Stdout, "No dependencies in workspace %s.\n", args[0])
				return
			}
			for i, id := range order {
				fmt.Fprintf(os.Stdout, "%d. %s\n", i+1, id)
			}
		},
	}
	graphCmd.AddCommand(graphOrderCmd)

	watchCmd := &cobra.Command{
		Use:   "watch",
		Short: "Tail realtime events published by the API",
		Run: func(cmd *cobra.Command, args []string) {
			cfg := loadConfig()
			connStr, err := cfg.ConnString()
			if err != nil {
				fail("resolve database", err)
			}
			channel, _ := cmd.Flags().GetString("channel")
			if channel == "" {
				channel = cfg.RealtimeChannel
			}
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			err = realtime.Subscribe(ctx, connStr, channel, log.GetLogger(), func(e models.RealtimeEvent) {
				fmt.Fprintf(os.Stdout, "%s %s [%s] by %s\n",
					time.Now().Format(time.RFC3339), e.Name, strings.Join(e.Channels, ","), e.Payload.Meta.ByUserID)
			})
			if err != nil {
				fail("watch realtime events", err)
			}
		},
	}
	watchCmd.Flags().String("channel", "", "NOTIFY channel (defaults to REALTIME_CHANNEL)")

	rootCmd.AddCommand(serveCmd, taskCmd, depCmd, graphCmd, watchCmd)
}

func showTask(ctx context.Context, svc *service.Services, actorID, taskID string) {
	detail, err := svc.Tasks.GetTask(ctx, actorID, taskID)
	if err != nil {
		fail("get task", err)
	}
	fmt.Fprintf(os.Stdout, "Task %s: %s\n", detail.ID, detail.Title)
	fmt.Fprintf(os.Stdout, "  Status: %s, Priority: %s, Updated: %s\n",
		detail.Status, detail.Priority, detail.UpdatedAt.Format(time.RFC3339))
	if detail.AssigneeID != nil {
		fmt.Fprintf(os.Stdout, "  Assignee: %s\n", *detail.AssigneeID)
	}
	printSummaries("Blocked by", detail.Blockers)
	printSummaries("Blocking", detail.Blocking)
}

func printSummaries(label string, tasks []models.TaskSummary) {
	if len(tasks) == 0 {
		fmt.Fprintf(os.Stdout, "  %s: none\n", label)
		return
	}
	fmt.Fprintf(os.Stdout, "  %s:\n", label)
	for _, t := range tasks {
		fmt.Fprintf(os.Stdout, "  - %s %s (%s)\n", t.ID, t.Title, t.Status)
	}
}

func actor(cmd *cobra.Command) string {
	as, err := cmd.Flags().GetString("as")
	if err != nil {
		log.GetLogger().Errorf("Error retrieving as flag: %v", err)
		os.Exit(1)
	}
	return as
}

// openServices wires services for a one-shot command. Effects run inline so
// they finish before the process exits.
func openServices() (*service.Services, func()) {
	cfg := loadConfig()
	store := initStore(cfg)
	svc := service.New(store, newDispatcher(cfg, store), log.GetLogger())
	return svc, func() { store.Close() }
}

func newDispatcher(cfg *config.Config, store *internal_storage.PostgresStore) *service.SideEffectDispatcher {
	sink := realtime.Fanout{
		realtime.NewLogSink(log.GetLogger()),
		realtime.NewPgNotifySink(store.DB(), cfg.RealtimeChannel),
	}
	return service.NewSideEffectDispatcher(store, sink, log.GetLogger(),
		service.WithEffectTimeout(cfg.EffectTimeout),
		service.WithQueueSize(cfg.EffectQueueSize),
	)
}

func newAuthenticator(cfg *config.Config) internal_http.Authenticator {
	if cfg.AuthMode != config.FirebaseAuth {
		log.GetLogger().Warnf("Using %s authentication; only run behind a trusted gateway", internal_http.UserIDHeader)
		return internal_http.HeaderAuthenticator{}
	}
	auth, err := internal_http.NewFirebaseAuthenticator(context.Background(), cfg.FirebaseCredentialsPath)
	if err != nil {
		log.GetLogger().Errorf("Failed to initialize Firebase authentication: %v", err)
		os.Exit(1)
	}
	return auth
}

func loadConfig() *config.Config {
	cfg, err := config.Load()
	if err != nil {
		log.GetLogger().Errorf("Failed to load configuration: %v", err)
		os.Exit(1)
	}
	log.Configure(cfg.LogLevel, cfg.Production())
	return cfg
}

func initStore(cfg *config.Config) *internal_storage.PostgresStore {
	store, err := internal_storage.InitStore(cfg)
	if err != nil {
		log.GetLogger().Errorf("Failed to initialize store: %v", err)
		os.Exit(1)
	}
	return store
}

func fail(action string, err error) {
	log.GetLogger().Errorf("Failed to %s: %v", action, err)
	if svcErr, ok := service.AsError(err); ok {
		fmt.Fprintf(os.Stderr, "Error: failed to %s: %s (%s)\n", action, svcErr.Message, svcErr.Code)
	} else {
		fmt.Fprintf(os.Stderr, "Error: failed to %s: %v\n", action, err)
	}
	os.Exit(1)
}
