package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/TLoveOps1/ironclaw/pkg/client"
	"github.com/TLoveOps1/ironclaw/pkg/conductor"
	"github.com/TLoveOps1/ironclaw/pkg/config"
	"github.com/TLoveOps1/ironclaw/pkg/httputil"
	"github.com/TLoveOps1/ironclaw/pkg/ledger"
	"github.com/TLoveOps1/ironclaw/pkg/log"
	"github.com/TLoveOps1/ironclaw/pkg/model"
	"github.com/TLoveOps1/ironclaw/pkg/observer"
	"github.com/TLoveOps1/ironclaw/pkg/stack"
	"github.com/TLoveOps1/ironclaw/pkg/types"
	"github.com/TLoveOps1/ironclaw/pkg/vault"
	"github.com/TLoveOps1/ironclaw/pkg/worker"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "ironclaw",
	Short: "IronClaw - distributed mission orchestration platform",
	Long: `IronClaw turns a chat request into a durable, reproducible artifact
bundle: model outputs, an after-action report, a versioned git snapshot,
and a compressed archive, exactly once per request id.

Each subcommand runs one service role; 'ironclaw stack' launches all of
them locally.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"IronClaw version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")
	rootCmd.PersistentFlags().String("env-file", "", "Load environment from this .env file")

	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(ledgerCmd)
	rootCmd.AddCommand(vaultCmd)
	rootCmd.AddCommand(workerCmd)
	rootCmd.AddCommand(coCmd)
	rootCmd.AddCommand(observerCmd)
	rootCmd.AddCommand(stackCmd)
	rootCmd.AddCommand(chatCmd)
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")
	envFile, _ := rootCmd.PersistentFlags().GetString("env-file")

	log.Init(log.Config{
		Level:      log.Level(logLevel),
		JSONOutput: logJSON,
	})
	if envFile != "" {
		config.LoadDotenv(envFile)
	} else {
		config.LoadDotenv()
	}
}

// serveUntilSignal runs an HTTP server until SIGINT/SIGTERM, then shuts
// it down gracefully.
func serveUntilSignal(name string, srv *http.Server) error {
	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGTERM)

	errCh := make(chan error, 1)
	go func() {
		log.Logger.Info().Str("component", name).Str("addr", srv.Addr).Msg("listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-done:
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(ctx)
}

var ledgerCmd = &cobra.Command{
	Use:   "ledger",
	Short: "Run the ledger service (append-only event log + snapshots)",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := config.LoadLedger()

		store, err := ledger.NewBoltStore(cfg.DataDir)
		if err != nil {
			return err
		}
		defer store.Close()

		if ingest, _ := cmd.Flags().GetString("ingest"); ingest != "" {
			created, exists, err := ledger.IngestJSONL(store, ingest)
			if err != nil {
				return err
			}
			fmt.Printf("Ingested %d events (%d already present)\n", created, exists)
			return store.Rebuild()
		}

		srv := httputil.NewServer(cfg.Addr, ledger.NewServer(store).Router(), 0)
		return serveUntilSignal("ledger", srv)
	},
}

var vaultCmd = &cobra.Command{
	Use:   "vault",
	Short: "Run the vault service (per-order worktrees, archive-before-destroy)",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := config.LoadVault()

		manager, err := vault.NewManager(cfg.TheaterRoot)
		if err != nil {
			return err
		}

		srv := httputil.NewServer(cfg.Addr, vault.NewServer(manager).Router(), 60*time.Second)
		return serveUntilSignal("vault", srv)
	},
}

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run the worker service (mission execution engine)",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := config.LoadWorker()

		caller := model.NewClient(model.Config{
			BaseURL:    cfg.ModelBaseURL,
			APIKey:     cfg.ModelAPIKey,
			MaxRetries: cfg.ModelRetries,
			Timeout:    time.Duration(cfg.ModelTimeout) * time.Second,
		})
		runner, err := worker.NewRunner(cfg.TheaterRoot, client.NewLedger(cfg.LedgerURL), caller)
		if err != nil {
			return err
		}

		srv := httputil.NewServer(cfg.Addr, worker.NewServer(runner).Router(), 20*time.Minute)
		return serveUntilSignal("worker", srv)
	},
}

var coCmd = &cobra.Command{
	Use:   "co",
	Short: "Run the conductor service (chat orchestration)",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := config.LoadConductor()

		co := conductor.New(cfg)
		srv := httputil.NewServer(cfg.Addr, conductor.NewServer(co).Router(), 20*time.Minute)
		return serveUntilSignal("co", srv)
	},
}

var observerCmd = &cobra.Command{
	Use:   "observer",
	Short: "Run the observer service (stall, integrity and orphan probes)",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := config.LoadObserver()

		ledgerClient := client.NewLedger(cfg.LedgerURL)
		vaultClient := client.NewVault(cfg.VaultURL)
		signals := observer.NewSignals(ledgerClient, cfg.Theater, cfg.AlertsPath,
			time.Duration(cfg.DedupeTTLSeconds)*time.Second)
		monitor := observer.NewMonitor(cfg, ledgerClient, vaultClient, signals)

		monitor.Start()
		defer monitor.Stop()

		srv := httputil.NewServer(cfg.Addr, observer.NewServer(cfg, monitor, signals).Router(), 0)
		return serveUntilSignal("observer", srv)
	},
}

var stackCmd = &cobra.Command{
	Use:   "stack",
	Short: "Launch all five services locally and supervise them",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := stack.DefaultConfig()
		if path, _ := cmd.Flags().GetString("config"); path != "" {
			var err error
			if cfg, err = stack.LoadConfig(path); err != nil {
				return err
			}
		}

		sup := stack.NewSupervisor(cfg)
		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		if err := sup.Start(ctx); err != nil {
			return err
		}
		fmt.Println("IronClaw stack running; Ctrl-C to stop")
		<-ctx.Done()
		sup.Stop()
		return nil
	},
}

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Send a chat request to the conductor",
	RunE: func(cmd *cobra.Command, args []string) error {
		coURL, _ := cmd.Flags().GetString("co-url")
		message, _ := cmd.Flags().GetString("message")
		requestID, _ := cmd.Flags().GetString("request-id")
		theater, _ := cmd.Flags().GetString("theater")
		profile, _ := cmd.Flags().GetString("profile")
		missionType, _ := cmd.Flags().GetString("mission-type")
		keep, _ := cmd.Flags().GetBool("keep-worktree")

		if message == "" {
			return fmt.Errorf("--message is required")
		}

		req := &types.ChatRequest{
			Message:      message,
			RequestID:    requestID,
			Theater:      theater,
			ModelProfile: profile,
			MissionType:  missionType,
		}
		if keep {
			req.KeepWorktree = &keep
		}

		co := client.NewConductor(coURL, 0)
		res, err := co.Chat(cmd.Context(), req)
		if err != nil {
			return err
		}

		out, err := json.MarshalIndent(res, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(out))
		return nil
	},
}

func init() {
	ledgerCmd.Flags().String("ingest", "", "Bulk-import events from a JSONL file, then exit")
	stackCmd.Flags().String("config", "", "Path to stack.yaml")

	chatCmd.Flags().String("co-url", "http://127.0.0.1:8013", "Conductor base URL")
	chatCmd.Flags().String("message", "", "Chat message")
	chatCmd.Flags().String("request-id", "", "Idempotency request id")
	chatCmd.Flags().String("theater", "", "Theater name")
	chatCmd.Flags().String("profile", "", "Model profile")
	chatCmd.Flags().String("mission-type", "", "Mission type")
	chatCmd.Flags().Bool("keep-worktree", false, "Keep the worktree after completion")
}
