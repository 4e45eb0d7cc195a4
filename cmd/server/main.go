package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"attendkaro/attendance/internal/attendance"
	"attendkaro/attendance/internal/clients"
	"attendkaro/attendance/internal/config"
	"attendkaro/attendance/internal/db"
	attendancegrpc "attendkaro/attendance/internal/grpc"
	internalhttp "attendkaro/attendance/internal/http"
	"attendkaro/attendance/internal/jobs"
	"attendkaro/attendance/internal/lockout"
	"attendkaro/attendance/internal/logging"
	"attendkaro/attendance/internal/metrics"
	"attendkaro/attendance/internal/token"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	logger := logging.New(cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("attendance server stopped", logging.Error(err))
		os.Exit(1)
	}
}

func run(cfg config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	backends, err := clients.New(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer backends.Close()

	if cfg.MigrateOnStart {
		if err := db.Migrate(ctx, backends.Pool, logger); err != nil {
			return err
		}
	}
	store := db.NewStore(backends.Pool)

	codec, err := token.NewCodec([]byte(cfg.QRSignatureSecret), cfg.QRValidity)
	if err != nil {
		return fmt.Errorf("token codec: %w", err)
	}

	group, ctx := errgroup.WithContext(ctx)

	policy := lockout.Policy{Threshold: cfg.LockoutThreshold, Duration: cfg.LockoutDuration}
	var locks lockout.Tracker
	if backends.Redis != nil {
		locks = lockout.NewRedisTracker(backends.Redis, lockout.WithRedisPolicy(policy))
		logger.Info("session code lockouts stored in redis")
	} else {
		memory := lockout.NewMemoryTracker(
			lockout.WithPolicy(policy),
			lockout.WithSweepInterval(cfg.LockoutSweepInterval),
			lockout.WithLogger(logger),
		)
		group.Go(memory.Run(ctx))
		locks = memory
	}

	recorder := metrics.New(prometheus.DefaultRegisterer)
	opts := []attendance.Option{
		attendance.WithConfig(attendance.Config{
			MaxSessionDuration: cfg.SessionMaxDuration,
			DefaultRadius:      cfg.GeoFenceRadius,
			CodeAttempts:       cfg.SessionCodeAttempts,
			RefreshInterval:    cfg.QRRefreshInterval,
			StoreTimeout:       cfg.StoreTimeout,
			ReadRetries:        2,
		}),
		attendance.WithLogger(logger),
		attendance.WithRecorder(recorder),
	}
	sessions := attendance.NewManager(store, codec, locks, opts...)
	devices := attendance.NewLedger(store, opts...)
	pipeline := attendance.NewPipeline(store, codec, sessions, devices, opts...)

	server, err := internalhttp.NewServer(cfg, internalhttp.Deps{
		Sessions: sessions,
		Devices:  devices,
		Pipeline: pipeline,
		Logger:   logger,
		Ready:    db.Healthcheck(backends.Pool),
		Metrics:  promhttp.Handler(),
	})
	if err != nil {
		return fmt.Errorf("http server init: %w", err)
	}
	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           server.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	var grpcServer *grpc.Server
	if cfg.ServiceAuthToken == "" {
		logger.Warn("SERVICE_AUTH_TOKEN not set, grpc server disabled")
	} else {
		interceptor, err := attendancegrpc.NewServiceAuthUnaryInterceptor(cfg.ServiceAuthToken)
		if err != nil {
			return fmt.Errorf("grpc service auth init: %w", err)
		}
		grpcServer = grpc.NewServer(grpc.UnaryInterceptor(interceptor))
		attendancegrpc.RegisterAttendanceCommandServiceServer(grpcServer, attendancegrpc.NewAttendanceServer(sessions, devices, logger))
		attendancegrpc.RegisterAttendanceQueryServiceServer(grpcServer, attendancegrpc.NewAttendanceQueryServer(sessions))
		healthpb.RegisterHealthServer(grpcServer, health.NewServer())

		listener, err := net.Listen("tcp", cfg.GRPCAddr)
		if err != nil {
			return fmt.Errorf("grpc listen: %w", err)
		}
		group.Go(func() error {
			logger.Info("attendance grpc listening", slog.String("addr", cfg.GRPCAddr))
			return grpcServer.Serve(listener)
		})
	}

	group.Go(func() error {
		return jobs.RunSessionExpiryJob(ctx, cfg, sessions, logger)
	})

	group.Go(func() error {
		logger.Info("attendance http listening", slog.String("addr", cfg.HTTPAddr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	group.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("http shutdown error", logging.Error(err))
		}
		if grpcServer != nil {
			grpcServer.GracefulStop()
		}
		return nil
	})

	return group.Wait()
}
