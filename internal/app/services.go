package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/hibiken/asynq"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/odyssey-erp/odyssey-ledger/internal/accounting"
	"github.com/odyssey-erp/odyssey-ledger/internal/audit"
	"github.com/odyssey-erp/odyssey-ledger/internal/inventory"
	"github.com/odyssey-erp/odyssey-ledger/internal/observability"
	"github.com/odyssey-erp/odyssey-ledger/internal/orchestration"
	"github.com/odyssey-erp/odyssey-ledger/internal/platform/cache"
	"github.com/odyssey-erp/odyssey-ledger/internal/platform/db"
	"github.com/odyssey-erp/odyssey-ledger/internal/reporting"
	"github.com/odyssey-erp/odyssey-ledger/internal/shared"
	"github.com/odyssey-erp/odyssey-ledger/internal/store/memory"
	"github.com/odyssey-erp/odyssey-ledger/jobs"
)

// Services is the wired ledger core shared by the binaries.
type Services struct {
	Config        *Config
	Logger        *slog.Logger
	Pool          *pgxpool.Pool
	Redis         redis.UniversalClient
	Memory        *memory.Store
	Ledger        *accounting.Service
	Stock         *inventory.Service
	Orchestrator  *orchestration.Orchestrator
	Reports       *reporting.Service
	Cache         *reporting.Cache
	Audit         *audit.Service
	AuditRecorder audit.Recorder
	AuditFailures *audit.ChannelSink
	Tenants       jobs.TenantSource
	Metrics       *observability.Metrics
	Jobs          *jobs.Client

	closers []func()
}

// ServiceOptions overrides collaborators, mostly for tests.
type ServiceOptions struct {
	Redis     redis.UniversalClient
	AuditSink audit.FailureSink
	Metrics   *observability.Metrics
}

// NewServices connects the configured store and Redis and wires every service.
func NewServices(ctx context.Context, cfg *Config, logger *slog.Logger, opts ServiceOptions) (*Services, error) {
	if cfg == nil {
		return nil, errors.New("app: config required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &Services{Config: cfg, Logger: logger, Metrics: opts.Metrics}
	if s.Metrics == nil {
		s.Metrics = observability.NewMetrics()
	}

	s.Redis = opts.Redis
	if s.Redis == nil {
		client, err := cache.New(ctx, cfg.RedisAddr)
		if err != nil {
			return nil, err
		}
		s.Redis = client
		s.closers = append(s.closers, func() { _ = client.Close() })
	}

	var (
		ledgerRepo accounting.RepositoryPort
		stockRepo  inventory.RepositoryPort
		opsRepo    orchestration.RepositoryPort
		timeline   audit.Repository
	)
	switch cfg.StoreDriver {
	case StoreDriverMemory:
		s.Memory = memory.New()
		ledgerRepo = s.Memory.Accounting()
		stockRepo = s.Memory.Inventory()
		opsRepo = s.Memory.Orchestration()
		timeline = s.Memory
		s.AuditRecorder = s.Memory
		s.Tenants = s.Memory
	case StoreDriverPostgres:
		pool, err := db.New(ctx, cfg.PGDSN)
		if err != nil {
			s.Close()
			return nil, err
		}
		s.Pool = pool
		s.closers = append(s.closers, pool.Close)
		accountingRepo := accounting.NewRepository(pool)
		ledgerRepo = accountingRepo
		stockRepo = inventory.NewRepository(pool)
		opsRepo = orchestration.NewRepository(pool)
		timeline = audit.NewRepository(pool)
		s.AuditRecorder = shared.NewAuditLogger(pool)
		s.Tenants = accountingRepo
	default:
		s.Close()
		return nil, fmt.Errorf("app: unknown store driver %q", cfg.StoreDriver)
	}

	sink := opts.AuditSink
	switch {
	case sink != nil:
	case s.Memory != nil:
		// a worker cannot reach this process's store, so failures stay local
		s.AuditFailures = audit.NewChannelSink(cfg.AuditFailureBuffer, logger)
		sink = s.AuditFailures
	default:
		s.Jobs = jobs.NewClientFromRedis(s.Redis)
		sink = audit.NewRetrySink(s.Jobs, jobs.QueueAudit, logger)
	}
	notifier := audit.NewNotifier(s.AuditRecorder, s.Metrics.CountAuditFailures(sink), logger)

	s.Cache = reporting.NewCache(s.Redis, cfg.ReportCacheTTL)
	locker := cache.NewLocker(s.Redis, cfg.LockTTL)
	s.Ledger = accounting.NewService(ledgerRepo, notifier, accounting.ServiceConfig{
		BlockDeactivateWithBalance: cfg.BlockDeactivateWithBalance,
		Invalidator:                s.Cache,
		Logger:                     logger,
	})
	s.Stock = inventory.NewService(stockRepo, notifier, inventory.ServiceConfig{
		Locker:      locker,
		Invalidator: s.Cache,
		Logger:      logger,
	})
	s.Orchestrator = orchestration.New(opsRepo, s.Ledger, s.Stock, notifier,
		orchestration.WithMetrics(s.Metrics),
		orchestration.WithLogger(logger),
	)
	s.Reports = reporting.NewService(s.Ledger, s.Stock, s.Orchestrator, s.Cache, logger)
	s.Audit = audit.NewService(timeline)
	return s, nil
}

// Ready pings the store and Redis.
func (s *Services) Ready(ctx context.Context) error {
	if s.Pool != nil {
		if err := s.Pool.Ping(ctx); err != nil {
			return fmt.Errorf("postgres: %w", err)
		}
	}
	if s.Redis != nil {
		if err := s.Redis.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis: %w", err)
		}
	}
	return nil
}

// AsynqRedis derives the asynq connection from the configured Redis address.
func (s *Services) AsynqRedis() asynq.RedisClientOpt {
	return asynq.RedisClientOpt{Addr: s.Config.RedisAddr}
}

// Close releases connections in reverse order of acquisition.
func (s *Services) Close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		s.closers[i]()
	}
	s.closers = nil
}
