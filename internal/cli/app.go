package cli

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/example/tripledger/internal/agents"
	"github.com/example/tripledger/internal/config"
	"github.com/example/tripledger/internal/disputes"
	"github.com/example/tripledger/internal/lease"
	"github.com/example/tripledger/internal/ledger"
	"github.com/example/tripledger/internal/metrics"
	"github.com/example/tripledger/internal/postgres"
	"github.com/example/tripledger/internal/reconcile"
	"github.com/example/tripledger/internal/trip"
	"github.com/example/tripledger/pkg/audit"
)

// app is the wired engine shared by the commands.
type app struct {
	cfg       *config.Config
	log       *zap.Logger
	registry  *prometheus.Registry
	metrics   *metrics.Metrics
	redis     *redis.Client
	directory agents.Directory
	tripStore trip.Store
	history   *trip.History
	ledger    *ledger.Service
	trips     *trip.Service
	disputes  *disputes.Reconciler
	audit     audit.Sink

	closers []func()
}

func buildApp(ctx context.Context, cfg *config.Config, log *zap.Logger) (_ *app, err error) {
	a := &app{cfg: cfg, log: log, registry: prometheus.NewRegistry()}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	a.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	a.metrics = metrics.New(a.registry)

	if cfg.RedisAddr != "" {
		a.redis = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		a.closers = append(a.closers, func() { _ = a.redis.Close() })
		if err := a.redis.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("redis: ping %s: %w", cfg.RedisAddr, err)
		}
	}

	var locker lease.Locker
	switch cfg.LeaseBackend {
	case config.BackendRedis:
		rl := lease.NewRedis(a.redis)
		rl.Observe = a.metrics.ObserveLeaseWait
		locker = rl
	default:
		locker = lease.NewLocal().OnWait(a.metrics.ObserveLeaseWait)
	}

	var (
		entries      ledger.Store
		disputeStore disputes.Store
	)
	switch cfg.StoreBackend {
	case config.BackendPostgres:
		pool, err := postgres.NewPool(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, pool.Close)
		a.directory = agents.NewPostgresDirectory(pool)
		a.tripStore = trip.NewPostgresStore(pool)
		entries = ledger.NewPostgresStore(pool)
		disputeStore = disputes.NewPostgresStore(pool)
		a.history = trip.NewStoredHistory(trip.NewPostgresHistory(pool))
	default:
		dir, err := seedDirectory(cfg.Agents)
		if err != nil {
			return nil, err
		}
		a.directory = dir
		a.tripStore = trip.NewMemoryStore()
		entries = ledger.NewMemoryStore()
		disputeStore = disputes.NewMemoryStore()
		a.history = trip.NewHistory()
	}

	a.audit = audit.Nop{}
	if cfg.AuditDSN != "" {
		sink, err := audit.OpenSQLite(ctx, cfg.AuditDSN)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, func() { _ = sink.Close() })
		a.audit = sink
	}

	a.ledger = ledger.NewService(entries, ledger.Options{Logger: log, Metrics: a.metrics, Locker: locker})
	a.trips = trip.NewService(a.tripStore, a.ledger, trip.Options{
		Directory: a.directory,
		Locker:    locker,
		History:   a.history,
		Audit:     a.audit,
		Logger:    log,
		Metrics:   a.metrics,
	})
	a.disputes = disputes.NewReconciler(disputeStore, a.tripStore, a.ledger, disputes.Options{
		Locker:  locker,
		History: a.history,
		Audit:   a.audit,
		Logger:  log,
		Metrics: a.metrics,
	})
	a.trips.SetDisputeGate(a.disputes)
	return a, nil
}

// reconcileJob builds a drift check over the app's stores.
func (a *app) reconcileJob(opts reconcile.Options) *reconcile.Job {
	opts.Logger = a.log
	opts.Metrics = a.metrics
	opts.Disputes = a.disputes
	opts.History = a.history
	return reconcile.New(a.tripStore, a.ledger, opts)
}

func seedDirectory(seeds []config.AgentSeed) (*agents.MemoryDirectory, error) {
	dir := agents.NewMemoryDirectory()
	for _, s := range seeds {
		role, err := agents.ParseRole(s.Role)
		if err != nil {
			return nil, fmt.Errorf("agent %s: %w", s.ID, err)
		}
		dir.Put(agents.Agent{ID: s.ID, Name: s.Name, Role: role, Branch: s.Branch})
	}
	return dir, nil
}

// Close releases resources in reverse order of acquisition.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

func openPool(ctx context.Context, cfg *config.Config) (*pgxpool.Pool, error) {
	if cfg.StoreBackend != config.BackendPostgres {
		return nil, fmt.Errorf("STORE_BACKEND is %s; migrate needs postgres", cfg.StoreBackend)
	}
	return postgres.NewPool(ctx, cfg.DatabaseURL)
}
