package cli

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"

	"github.com/example/tripledger/internal/api"
	"github.com/example/tripledger/internal/reconcile"
	"github.com/example/tripledger/internal/rpc"
	"github.com/example/tripledger/internal/security"
)

const shutdownTimeout = 10 * time.Second

func init() {
	rootCmd.AddCommand(serveCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve HTTP and gRPC and run the reconciliation job",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, log, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		defer func() { _ = log.Sync() }()

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		a, err := buildApp(ctx, cfg, log)
		if err != nil {
			return err
		}
		defer a.Close()
		return serve(ctx, a)
	},
}

// serve runs until ctx is cancelled or a listener fails.
func serve(ctx context.Context, a *app) error {
	deps := api.Dependencies{
		Logger:    a.log,
		Directory: a.directory,
		Trips:     a.trips,
		Disputes:  a.disputes,
		Ledger:    a.ledger,
		Audit:     a.audit,
		Metrics:   promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{}),
	}
	if a.cfg.RateLimitPerMinute > 0 {
		deps.RateLimiter = security.NewPerMinute(a.redis, a.cfg.RateLimitPerMinute)
	}
	handler, err := api.NewRouter(deps)
	if err != nil {
		return err
	}

	httpLis, err := net.Listen("tcp", a.cfg.HTTPAddr)
	if err != nil {
		return err
	}
	grpcLis, err := net.Listen("tcp", a.cfg.GRPCAddr)
	if err != nil {
		_ = httpLis.Close()
		return err
	}

	httpSrv := &http.Server{Handler: handler, ReadHeaderTimeout: 5 * time.Second}
	grpcSrv := rpc.NewGRPCServer(rpc.NewServer(a.ledger, a.trips), a.log)
	job := a.reconcileJob(reconcile.Options{Interval: a.cfg.ReconcileInterval.Duration})

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.log.Info("http listening", zap.String("addr", httpLis.Addr().String()))
		if err := httpSrv.Serve(httpLis); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		a.log.Info("grpc listening", zap.String("addr", grpcLis.Addr().String()))
		if err := grpcSrv.Serve(grpcLis); !errors.Is(err, grpc.ErrServerStopped) {
			return err
		}
		return nil
	})
	if a.cfg.ReconcileInterval.Duration > 0 {
		g.Go(func() error { return job.Run(ctx) })
	}
	g.Go(func() error {
		<-ctx.Done()
		a.log.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		grpcSrv.GracefulStop()
		return httpSrv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
