package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"

	"github.com/hibiken/asynq"
	"github.com/spf13/cobra"

	"github.com/odyssey-erp/odyssey-ledger/internal/app"
	"github.com/odyssey-erp/odyssey-ledger/internal/platform/db"
	"github.com/odyssey-erp/odyssey-ledger/internal/shared"
	"github.com/odyssey-erp/odyssey-ledger/jobs"
)

var version = "dev"

// runtime is resolved once per invocation before any subcommand runs.
type runtime struct {
	cfg    *app.Config
	logger *slog.Logger
}

// NewRootCommand assembles the ledgerctl command tree.
func NewRootCommand() *cobra.Command {
	rt := &runtime{}
	root := &cobra.Command{
		Use:           "ledgerctl",
		Short:         "Operate the ledger and inventory costing engine",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := app.LoadConfig()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			rt.cfg = cfg
			rt.logger = app.NewLoggerTo(cmd.ErrOrStderr(), cfg)
			return nil
		},
	}
	root.AddCommand(newMigrateCommand(rt), newJobsCommand(rt), newReportCommand(rt), newCheckCommand(rt))
	return root
}

// Execute runs the CLI and exits non-zero on failure.
func Execute() {
	ctx := context.Background()
	if err := NewRootCommand().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "ledgerctl: %v\n", err)
		os.Exit(1)
	}
}

func newMigrateCommand(rt *runtime) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply or roll back the embedded schema migrations",
	}
	run := func(fn func(*db.Migrator) error) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, args []string) error {
			pool, err := db.New(cmd.Context(), rt.cfg.PGDSN)
			if err != nil {
				return err
			}
			defer pool.Close()
			m, err := db.NewMigrator(pool, rt.logger)
			if err != nil {
				return err
			}
			defer func() {
				if err := m.Close(); err != nil {
					rt.logger.Warn("close migrator", slog.Any("error", err))
				}
			}()
			return fn(m)
		}
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "up",
			Short: "Apply all pending migrations",
			RunE:  run(func(m *db.Migrator) error { return m.Up() }),
		},
		&cobra.Command{
			Use:   "down",
			Short: "Roll back every migration",
			RunE:  run(func(m *db.Migrator) error { return m.Down() }),
		},
		&cobra.Command{
			Use:   "steps N",
			Short: "Apply N migrations; negative N rolls back",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				n, err := strconv.Atoi(args[0])
				if err != nil || n == 0 {
					return fmt.Errorf("steps must be a non-zero integer, got %q", args[0])
				}
				return run(func(m *db.Migrator) error { return m.Steps(n) })(cmd, args)
			},
		},
		&cobra.Command{
			Use:   "version",
			Short: "Print the applied schema version",
			RunE: run(func(m *db.Migrator) error {
				v, dirty, err := m.Version()
				if err != nil {
					return err
				}
				fmt.Fprintf(os.Stdout, "version %d dirty=%t\n", v, dirty)
				return nil
			}),
		},
	)
	return cmd
}

func newJobsCommand(rt *runtime) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "Trigger background jobs and inspect queues",
	}
	trigger := &cobra.Command{
		Use:       "trigger " + jobs.TaskLedgerIntegrity + "|" + jobs.TaskInventoryValuation,
		Short:     "Enqueue a job now",
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{jobs.TaskLedgerIntegrity, jobs.TaskInventoryValuation},
		RunE: func(cmd *cobra.Command, args []string) error {
			tenantID, _ := cmd.Flags().GetString("tenant")
			client, err := jobs.NewClient(asynq.RedisClientOpt{Addr: rt.cfg.RedisAddr})
			if err != nil {
				return err
			}
			defer client.Close()
			info, err := NewJobsCLI(client, nil).Trigger(cmd.Context(), args[0], tenantID)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "enqueued %s id=%s queue=%s\n", info.Type, info.ID, info.Queue)
			return nil
		},
	}
	trigger.Flags().String("tenant", "", "Limit the job to one tenant (default: every tenant)")

	stats := &cobra.Command{
		Use:   "stats",
		Short: "Print queue depth and daily throughput",
		RunE: func(cmd *cobra.Command, args []string) error {
			inspector := asynq.NewInspector(asynq.RedisClientOpt{Addr: rt.cfg.RedisAddr})
			defer inspector.Close()
			return NewJobsCLI(nil, inspector).WriteStats(cmd.OutOrStdout())
		},
	}
	cmd.AddCommand(trigger, stats)
	return cmd
}

func newReportCommand(rt *runtime) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "report",
		Short: "Render ledger reports for a tenant",
	}
	cmd.PersistentFlags().String("tenant", "", "Tenant to report on")
	cmd.PersistentFlags().Bool("json", false, "Print JSON instead of a table")
	_ = cmd.MarkPersistentFlagRequired("tenant")

	tb := &cobra.Command{
		Use:   "trial-balance",
		Short: "Print the trial balance",
		RunE: func(cmd *cobra.Command, args []string) error {
			asOf, err := ParseAsOf(mustString(cmd, "as-of"))
			if err != nil {
				return err
			}
			return withServices(cmd, rt, func(svc *app.Services, scope shared.Scope) error {
				out, err := svc.Reports.TrialBalance(cmd.Context(), scope, asOf)
				if err != nil {
					return err
				}
				if mustBool(cmd, "json") {
					return WriteJSON(cmd.OutOrStdout(), out)
				}
				return WriteTrialBalance(cmd.OutOrStdout(), out, rt.cfg.MoneyScale)
			})
		},
	}
	tb.Flags().String("as-of", "", "Inclusive cut-off date YYYY-MM-DD (default: all time)")

	reconcile := &cobra.Command{
		Use:   "reconcile",
		Short: "Compare the inventory control account with FIFO layer value",
		RunE: func(cmd *cobra.Command, args []string) error {
			account := mustString(cmd, "account")
			if account == "" {
				account = rt.cfg.InventoryAccount
			}
			if account == "" {
				return errors.New("--account or INVENTORY_ACCOUNT is required")
			}
			return withServices(cmd, rt, func(svc *app.Services, scope shared.Scope) error {
				rec, err := svc.Reports.ReconcileInventory(cmd.Context(), scope, account)
				if err != nil {
					return err
				}
				if mustBool(cmd, "json") {
					return WriteJSON(cmd.OutOrStdout(), rec)
				}
				return WriteReconciliation(cmd.OutOrStdout(), rec, rt.cfg.MoneyScale)
			})
		},
	}
	reconcile.Flags().String("account", "", "Inventory control account code")

	cmd.AddCommand(tb, reconcile)
	return cmd
}

func newCheckCommand(rt *runtime) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "check",
		Short: "Run the ledger integrity check synchronously for one tenant",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withServices(cmd, rt, func(svc *app.Services, scope shared.Scope) error {
				job := jobs.NewLedgerIntegrityJob(svc.Ledger, svc.Reports, svc.Tenants, rt.cfg.InventoryAccount, rt.logger, nil)
				report, err := job.Check(cmd.Context(), scope.TenantID)
				if err != nil {
					return err
				}
				if mustBool(cmd, "json") {
					err = WriteJSON(cmd.OutOrStdout(), report)
				} else {
					err = WriteIntegrity(cmd.OutOrStdout(), report, rt.cfg.MoneyScale)
				}
				if err != nil {
					return err
				}
				if n := len(report.Violations); n > 0 {
					return fmt.Errorf("%w: %d violations", jobs.ErrIntegrityViolation, n)
				}
				return nil
			})
		},
	}
	cmd.Flags().String("tenant", "", "Tenant to check")
	cmd.Flags().Bool("json", false, "Print JSON instead of text")
	_ = cmd.MarkFlagRequired("tenant")
	return cmd
}

func withServices(cmd *cobra.Command, rt *runtime, fn func(*app.Services, shared.Scope) error) error {
	scope := shared.Scope{TenantID: mustString(cmd, "tenant"), Actor: "ledgerctl"}
	if err := scope.Validate(); err != nil {
		return err
	}
	svc, err := app.NewServices(cmd.Context(), rt.cfg, rt.logger, app.ServiceOptions{})
	if err != nil {
		return err
	}
	defer svc.Close()
	return fn(svc, scope)
}

func mustString(cmd *cobra.Command, name string) string {
	v, _ := cmd.Flags().GetString(name)
	return v
}

func mustBool(cmd *cobra.Command, name string) bool {
	v, _ := cmd.Flags().GetBool(name)
	return v
}
