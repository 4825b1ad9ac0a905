package app

import (
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/carebook/carebook/internal/billing"
	jobmetrics "github.com/carebook/carebook/internal/jobs"
	"github.com/carebook/carebook/internal/shared"
)

// Billing bundles the billing services shared by the binaries.
type Billing struct {
	Repository *billing.Repository
	Service    *billing.Service
	Reconciler *billing.Reconciler
	Holidays   *billing.HolidayOracle
}

// NewBilling wires the billing engine against Postgres and Redis.
func NewBilling(cfg *Config, pool *pgxpool.Pool, redisClient *redis.Client, metrics *jobmetrics.Metrics, logger *slog.Logger) *Billing {
	repo := billing.NewRepository(pool)

	var sequences billing.SequenceStore = repo
	if cfg.SequenceBackend == SequenceBackendRedis {
		sequences = billing.NewRedisSequenceStore(redisClient)
	}

	holidays := billing.NewHolidayOracle(repo, redisClient, cfg.HolidayCacheTTL)
	service := billing.NewService(billing.ServiceConfig{
		Store:    repo,
		Settings: repo,
		Rates:    repo,
		Holidays: holidays,
		Numbers:  sequences,
		Locker:   shared.NewRedisLocker(redisClient),
		LockTTL:  cfg.RunLockTTL,
		Metrics:  metrics,
		Logger:   logger,
	})
	return &Billing{
		Repository: repo,
		Service:    service,
		Reconciler: billing.NewReconciler(repo, metrics, logger),
		Holidays:   holidays,
	}
}
