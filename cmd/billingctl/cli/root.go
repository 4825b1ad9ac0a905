package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/hibiken/asynq"
	"github.com/spf13/cobra"

	"github.com/carebook/carebook/internal/app"
	"github.com/carebook/carebook/internal/billing"
	jobmetrics "github.com/carebook/carebook/internal/jobs"
	"github.com/carebook/carebook/internal/platform/cache"
	"github.com/carebook/carebook/internal/platform/db"
	"github.com/carebook/carebook/jobs"
)

// Backend is the billing runtime the commands drive.
type Backend interface {
	GenerateForPeriod(ctx context.Context, req billing.PeriodRequest) (billing.PeriodSummary, error)
	Reconcile(ctx context.Context, batch int) (billing.ReconcileResult, error)
	RefreshHolidays(ctx context.Context, year int) error
	Close() error
}

// Queue is the job queue the commands drive.
type Queue interface {
	EnqueuePeriodRun(ctx context.Context, payload jobs.BillingPeriodRunPayload) (*asynq.TaskInfo, error)
	InspectQueue(ctx context.Context) (QueueStats, error)
	Close() error
}

// Openers connect the commands to their dependencies lazily.
type Openers struct {
	Backend func(ctx context.Context) (Backend, error)
	Queue   func(ctx context.Context) (Queue, error)
}

// NewRootCommand builds the billingctl command tree.
func NewRootCommand(open Openers, stdout, stderr io.Writer) *cobra.Command {
	root := &cobra.Command{
		Use:   "billingctl",
		Short: "Operate the care billing engine",
		Long: `billingctl runs and inspects invoice generation.

Invoices can be generated synchronously with "run" or queued for the worker
with "enqueue". "reconcile" repairs invoiced flags from line items.
"holidays refresh" drops cached bank-holiday calendars after the table changes.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(stdout)
	root.SetErr(stderr)
	root.AddCommand(
		newRunCommand(open),
		newEnqueueCommand(open),
		newReconcileCommand(open),
		newQueueCommand(open),
		newHolidaysCommand(open),
	)
	return root
}

// Execute runs billingctl against the configured environment.
func Execute() {
	if err := app.LoadDotEnv(); err != nil {
		slog.Default().Warn("dotenv", slog.Any("error", err))
	}
	root := NewRootCommand(Openers{Backend: openBackend, Queue: openQueue}, os.Stdout, os.Stderr)
	if err := root.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "billingctl: %v\n", err)
		os.Exit(1)
	}
}

type runtimeBackend struct {
	engine  *app.Billing
	closers []func()
}

func (b *runtimeBackend) GenerateForPeriod(ctx context.Context, req billing.PeriodRequest) (billing.PeriodSummary, error) {
	return b.engine.Service.GenerateForPeriod(ctx, req)
}

func (b *runtimeBackend) Reconcile(ctx context.Context, batch int) (billing.ReconcileResult, error) {
	return b.engine.Reconciler.Run(ctx, batch)
}

func (b *runtimeBackend) RefreshHolidays(ctx context.Context, year int) error {
	return b.engine.Holidays.Invalidate(ctx, year)
}

func (b *runtimeBackend) Close() error {
	for i := len(b.closers) - 1; i >= 0; i-- {
		b.closers[i]()
	}
	return nil
}

func openBackend(ctx context.Context) (Backend, error) {
	cfg, err := app.LoadConfig()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	logger := app.NewLogger(cfg)
	pool, err := db.New(ctx, cfg.PGDSN)
	if err != nil {
		return nil, err
	}
	redisClient, err := cache.New(ctx, cfg.RedisAddr)
	if err != nil {
		pool.Close()
		return nil, err
	}
	engine := app.NewBilling(cfg, pool, redisClient, jobmetrics.NewMetrics(nil), logger)
	return &runtimeBackend{
		engine: engine,
		closers: []func(){
			pool.Close,
			func() { _ = redisClient.Close() },
		},
	}, nil
}

func openQueue(context.Context) (Queue, error) {
	cfg, err := app.LoadConfig()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return newQueueAdmin(cfg.RedisAddr), nil
}
