/*
main.go - Application entry point

PURPOSE:
  Command line for the billing ledger: runs the HTTP server and the
  operator tasks (migrations, reconciliation, audit, exports).

COMMANDS:
  serve                     Start the HTTP API
  migrate up                Apply pending schema migrations
  migrate status            List migrations and when they were applied
  reconcile [--dry-run]     Repair claims whose live totals drifted from their snapshot
  audit                     Ledger + snapshot integrity checks (exit 1 on failures)
  export <snapshot-id>      Write a snapshot export file into EXPORT_DIR
  verify <file>             Check an export file against its hash
  seed <scenario>           Load a demo scenario (see api/scenarios.go)

CONFIGURATION:
  Environment variables or a .env file, see config/config.go.
  PORT, ENV, LOG_LEVEL, DB_PATH, EXPORT_DIR, CORS_ORIGINS

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests to complete (30s timeout)
  3. Close database connection

EXAMPLES:
  DB_PATH=./data/billing.db billing-ledger serve
  billing-ledger reconcile --dry-run
  billing-ledger export 12 && billing-ledger verify exports/claim_3_snapshot_12_export.json

SEE ALSO:
  - api/server.go: Router configuration
  - store/sqlite/sqlite.go: Database implementation
*/
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/lifetrack/billing-ledger/api"
	"github.com/lifetrack/billing-ledger/billing"
	"github.com/lifetrack/billing-ledger/config"
	"github.com/lifetrack/billing-ledger/store/sqlite"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "billing-ledger",
		Short:         "CMS-1500 billing ledger",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.AddCommand(serveCmd())
	root.AddCommand(migrateCmd())
	root.AddCommand(reconcileCmd())
	root.AddCommand(auditCmd())
	root.AddCommand(exportCmd())
	root.AddCommand(verifyCmd())
	root.AddCommand(seedCmd())
	return root
}

// =============================================================================
// SETUP
// =============================================================================

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func newLogger(cfg *config.Config, out io.Writer) zerolog.Logger {
	logger := zerolog.New(out).With().Timestamp().Logger()
	if cfg.IsDev() {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: out}).With().Timestamp().Logger()
	}
	return logger.Level(cfg.Level())
}

// env bundles what every command needs.
type env struct {
	cfg    *config.Config
	logger zerolog.Logger
	store  *sqlite.Store
}

// openEnv loads config and opens the migrated store. Callers close env.store.
func openEnv(cmd *cobra.Command) (*env, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	logger := newLogger(cfg, cmd.ErrOrStderr())
	store, err := sqlite.New(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}
	return &env{cfg: cfg, logger: logger, store: store}, nil
}

// =============================================================================
// SERVE
// =============================================================================

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the billing API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEnv(cmd)
			if err != nil {
				return err
			}
			defer e.store.Close()
			return runServer(e)
		},
	}
}

func runServer(e *env) error {
	logger := e.logger
	logger.Info().Str("db", e.cfg.DBPath).Msg("connected to database")

	handler := api.NewHandler(e.store, logger)
	router := api.NewRouter(handler, api.RouterOptions{
		CORSOrigins:     e.cfg.CORSOrigins,
		Logger:          logger,
		EnableScenarios: e.cfg.IsDev(),
	})

	server := &http.Server{
		Addr:         ":" + e.cfg.Port,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("port", e.cfg.Port).Str("env", e.cfg.Env).Msg("server starting")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case err := <-errCh:
		return fmt.Errorf("server failed: %w", err)
	}

	logger.Info().Msg("shutting down server")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}
	logger.Info().Msg("server stopped")
	return nil
}

// =============================================================================
// MIGRATE
// =============================================================================

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the database schema",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			store, err := sqlite.Open(cfg.DBPath)
			if err != nil {
				return err
			}
			defer store.Close()

			count, err := store.Migrate(cmd.Context())
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Applied %d migration(s); schema at version %d.\n", count, sqlite.LatestVersion())
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			store, err := sqlite.Open(cfg.DBPath)
			if err != nil {
				return err
			}
			defer store.Close()

			statuses, err := store.MigrationStatus(cmd.Context())
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%-8s %-32s %-9s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
			for _, s := range statuses {
				status, at := "pending", ""
				if s.AppliedAt != nil {
					status, at = "applied", s.AppliedAt.Format(time.RFC3339)
				}
				fmt.Fprintf(out, "%-8d %-32s %-9s %s\n", s.Version, s.Name, status, at)
			}
			return nil
		},
	})
	return cmd
}

// =============================================================================
// RECONCILE & AUDIT
// =============================================================================

func reconcileCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Repair claims whose live totals drifted from their latest snapshot",
		RunE: func(cmd *cobra.Command, args []string) error {
			dryRun, _ := cmd.Flags().GetBool("dry-run")

			e, err := openEnv(cmd)
			if err != nil {
				return err
			}
			defer e.store.Close()

			r := billing.NewReconciler(e.store)
			r.Logger = e.logger
			out := cmd.OutOrStdout()

			if dryRun {
				drifts, err := r.DetectDrift(cmd.Context())
				if err != nil {
					return err
				}
				for _, d := range drifts {
					fmt.Fprintf(out, "claim %d (snapshot %d): snapshot %s | live %s\n",
						d.ClaimID, d.SnapshotID, d.Snapshot, d.Live)
				}
				fmt.Fprintf(out, "%d claim(s) drifted\n", len(drifts))
				return nil
			}

			report, err := r.Reconcile(cmd.Context())
			if err != nil {
				return fmt.Errorf("reconciliation aborted, nothing changed: %w", err)
			}
			for _, rep := range report.Repairs {
				fmt.Fprintf(out, "claim %d: deleted %d application(s), %d adjustment(s), %d charge(s); restored %d charge(s) [%s]; now %s\n",
					rep.ClaimID, rep.DeletedApplications, rep.DeletedAdjustments, rep.DeletedCharges,
					len(rep.RestoredCharges), rep.RestoreMode, rep.Final)
			}
			s := report.Summary
			fmt.Fprintf(out, "checked %d, repaired %d, deleted %d row(s), restored %d charge(s)\n",
				s.ClaimsChecked, s.ClaimsRepaired, s.Deleted, s.Restored)
			return nil
		},
	}
	cmd.Flags().Bool("dry-run", false, "Report drift without changing anything")
	return cmd
}

func auditCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "audit",
		Short: "Check ledger invariants and snapshot hashes",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEnv(cmd)
			if err != nil {
				return err
			}
			defer e.store.Close()

			a := billing.NewAuditor(e.store)
			a.Logger = e.logger
			report, err := a.Audit(cmd.Context())
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			failures := 0
			for _, f := range report.Findings {
				if f.Severity == billing.SeverityError {
					failures++
				}
				fmt.Fprintf(out, "%-4s %-24s %s %d: %s\n", f.Severity, f.Check, f.Entity, f.ID, f.Message)
			}
			fmt.Fprintf(out, "payments %d, charges %d, claims %d, snapshots %d checked\n",
				report.PaymentsChecked, report.ChargesChecked, report.ClaimsChecked, report.SnapshotsChecked)
			if !report.OK() {
				return fmt.Errorf("audit found %d failure(s)", failures)
			}
			fmt.Fprintln(out, "OK")
			return nil
		},
	}
}

// =============================================================================
// EXPORT & VERIFY
// =============================================================================

func exportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "export <snapshot-id>",
		Short: "Write the export file of a snapshot into EXPORT_DIR",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid id %q: %w", args[0], err)
			}
			latest, _ := cmd.Flags().GetBool("claim")

			e, err := openEnv(cmd)
			if err != nil {
				return err
			}
			defer e.store.Close()

			ledger := billing.NewLedger(e.store)
			ledger.Logger = e.logger
			var exp *billing.Export
			if latest {
				exp, err = ledger.ExportLatestSnapshot(cmd.Context(), billing.ClaimID(id))
			} else {
				exp, err = ledger.ExportSnapshot(cmd.Context(), billing.SnapshotID(id))
			}
			if err != nil {
				return err
			}

			path, err := writeExportFile(e.cfg.ExportDir, exp)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), path)
			return nil
		},
	}
	cmd.Flags().Bool("claim", false, "Treat the argument as a claim id and export its latest snapshot")
	return cmd
}

func writeExportFile(dir string, exp *billing.Export) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create export dir: %w", err)
	}
	path := filepath.Join(dir, exp.FileName())
	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("create export file: %w", err)
	}
	if err := billing.WriteExport(f, exp); err != nil {
		f.Close()
		return "", err
	}
	return path, f.Close()
}

func verifyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "verify <file>",
		Short: "Verify an export file against its snapshot hash",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()

			exp, err := billing.VerifyExport(f)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "OK claim %d snapshot %d sha256 %s\n",
				exp.Meta.ClaimID, exp.Meta.SnapshotID, exp.SnapshotHash)
			return nil
		},
	}
}

// =============================================================================
// SEED
// =============================================================================

func seedCmd() *cobra.Command {
	return &cobra.Command{
		Use:       "seed <scenario>",
		Short:     "Load a demo scenario into the ledger",
		Args:      cobra.ExactArgs(1),
		ValidArgs: api.ScenarioIDs(),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEnv(cmd)
			if err != nil {
				return err
			}
			defer e.store.Close()

			ledger := billing.NewLedger(e.store)
			ledger.Logger = e.logger
			res, err := api.RunScenario(cmd.Context(), ledger, args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Loaded %s: patient %d, claim %d.\n", res.Scenario, res.PatientID, res.ClaimID)
			return nil
		},
	}
}
