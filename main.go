package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/mlosab3/ck-openvino/backend"
	"github.com/mlosab3/ck-openvino/config"
	"github.com/mlosab3/ck-openvino/engine"
	"github.com/mlosab3/ck-openvino/logger"
	"github.com/mlosab3/ck-openvino/preprocess"
)

// newEngine returns the configured engine and its teardown.
func newEngine(cfg config.EngineConfig, family backend.Family) (engine.Engine, func() error, error) {
	if cfg.Simulated {
		sim := engine.NewSimulated(backend.SimulatedModel(family, 0), cfg.Latency)
		return sim, func() error { return nil }, nil
	}

	libPath, err := resolveLibrary(cfg.LibraryPath)
	if err != nil {
		return nil, nil, err
	}
	onnx, err := engine.NewONNX(libPath, cfg.IntraOpThreads, cfg.InterOpThreads)
	if err != nil {
		return nil, nil, err
	}
	return onnx, onnx.Destroy, nil
}

// newAppState builds and loads the backend described by cfg.
func newAppState(ctx context.Context, cfg config.AppConfig, eng engine.Engine, zlog *zap.Logger) (*AppState, error) {
	scenario, err := backend.ParseScenario(cfg.Backend.Scenario)
	if err != nil {
		return nil, err
	}

	state := &AppState{Logger: zlog, Debug: cfg.Server.Debug}
	b, err := backend.New(eng, backend.Options{
		Workload:       cfg.Backend.Workload,
		Scenario:       scenario,
		NIReq:          cfg.Backend.NIReq,
		BatchSize:      cfg.Backend.BatchSize,
		AcquireTimeout: cfg.Backend.AcquireTimeout,
		OnServerResult: state.pending.Deliver,
		Logger:         zlog,
	})
	if err != nil {
		return nil, err
	}
	if err := b.Load(ctx, cfg.Engine.ModelPath); err != nil {
		return nil, err
	}

	width, height := b.InputSize()
	state.Backend = b
	state.Prep = preprocess.New(width, height, b.Family().Norm)
	state.ready.Store(true)
	return state, nil
}

// engineFactory builds the inference engine and its teardown.
type engineFactory func(cfg config.EngineConfig, family backend.Family) (engine.Engine, func() error, error)

func main() {
	if err := config.Init(config.ParseConfigFlag()); err != nil {
		log.Fatal(err.Error())
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	zlog, _ := logger.GetZapLogger(ctx)

	err := serve(ctx, config.Config, zlog, newEngine)
	stop()
	if err != nil {
		zlog.Error("service stopped", zap.Error(err))
	}
	// can't handle the error due to https://github.com/uber-go/zap/issues/880
	_ = zlog.Sync()
	if err != nil {
		os.Exit(1)
	}
}

// serve runs the service until ctx is done. Everything it creates is torn
// down before it returns, including on a failed startup.
func serve(ctx context.Context, cfg config.AppConfig, zlog *zap.Logger, newEngine engineFactory) (err error) {
	family, err := backend.Lookup(cfg.Backend.Workload)
	if err != nil {
		return fmt.Errorf("unsupported workload: %w", err)
	}
	eng, destroyEngine, err := newEngine(cfg.Engine, family)
	if err != nil {
		return fmt.Errorf("failed to create engine: %w", err)
	}
	defer func() { err = multierr.Append(err, destroyEngine()) }()

	state, err := newAppState(ctx, cfg, eng, zlog)
	if err != nil {
		return fmt.Errorf("failed to load backend: %w", err)
	}
	defer func() { err = multierr.Append(err, state.Backend.Close()) }()

	healthSrv := health.NewServer()
	grpcSrv := grpc.NewServer()
	healthpb.RegisterHealthServer(grpcSrv, healthSrv)
	healthSrv.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)

	grpcLis, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.Server.GRPCPort))
	if err != nil {
		return fmt.Errorf("failed to listen for grpc: %w", err)
	}
	go func() {
		if err := grpcSrv.Serve(grpcLis); err != nil {
			zlog.Error("grpc server stopped", zap.Error(err))
		}
	}()

	r := mux.NewRouter()
	state.addRoutes(r)

	srv := &http.Server{
		Handler:      r,
		Addr:         fmt.Sprintf(":%d", cfg.Server.HTTPPort),
		WriteTimeout: 60 * time.Second,
		ReadTimeout:  60 * time.Second,
	}

	httpErr := make(chan error, 1)
	go func() {
		zlog.Info("starting server",
			zap.String("addr", srv.Addr),
			zap.Int("grpc_port", cfg.Server.GRPCPort),
			zap.String("engine", state.Backend.Name()),
			zap.String("workload", family.Name),
			zap.Stringer("scenario", state.Backend.Scenario()),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			httpErr <- fmt.Errorf("http server failed: %w", err)
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
		zlog.Info("shutting down")
	case runErr = <-httpErr:
	}
	healthSrv.Shutdown()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		zlog.Error("http shutdown", zap.Error(err))
	}
	grpcSrv.GracefulStop()
	if err := state.Backend.Flush(); err != nil {
		zlog.Warn("in-flight requests failed during shutdown", zap.Error(err))
	}
	return runErr
}
