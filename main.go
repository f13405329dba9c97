package main

import (
	"context"
	"database/sql"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/zCloak-Network/sbt-api/api"
	"github.com/zCloak-Network/sbt-api/database"
	"github.com/zCloak-Network/sbt-api/external"
	"github.com/zCloak-Network/sbt-api/services"
	"github.com/zCloak-Network/sbt-api/tasks"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"go.uber.org/zap"
)

func waitForTermination() {
	// Trap termination signals
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)

	// Block until a signal is received.
	<-c

	// Allow subsequent termination signals to quickly shut down by removing the trap.
	signal.Reset()
	close(c)
}

var logger *zap.Logger

// Logger initialization.
func initLogger(debug bool) error {
	var cfg zap.Config
	var err error

	if debug {
		cfg = zap.NewDevelopmentConfig()
	} else {
		cfg = zap.NewProductionConfig()
	}

	logger, err = cfg.Build()
	return err
}

// Query a running ledger's health and exit with its status.
func runHealthCheck(cfg config) {
	client := external.NewHealthClient(cfg.GRPCAddr, cfg.SecureGRPC)
	defer client.Close()
	st, err := client.Check(tasks.LedgerService)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Health check failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(st.String())
	if st != healthpb.HealthCheckResponse_SERVING {
		os.Exit(1)
	}
}

func main() {
	var cfg config
	var err error

	// Parse command line arguments.
	if cfg, err = parseArguments(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "Error parsing command-line arguments: %v\n", err)
		os.Exit(1)
	}

	if cfg.HealthCheck {
		runHealthCheck(cfg)
		return
	}

	// Initialize the logger.
	if err := initLogger(cfg.Debug); err != nil {
		fmt.Fprintf(os.Stderr, "Error initializing logger: %v\n", err)
		os.Exit(1)
	}

	// Connect to the database and initialize the database schema, if necessary.
	var db *sql.DB
	db, err = database.Open(cfg.DBPath)
	if err != nil {
		logger.Fatal("Unable to open the database connection", zap.Error(err))
	}
	defer db.Close()

	// Clock
	clock := clockwork.NewRealClock()

	// Metrics
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	// Services contain the business logic and are used by the API handlers.
	svcCfg := &services.ServiceConfig{
		DB:               db,
		Domain:           cfg.Domain,
		Admin:            cfg.Admin,
		GenesisVerifiers: cfg.Verifiers,
		RequestMaxAge:    cfg.RequestMaxAge,
		Registerer:       registry,
		Logger:           logger,
		Clock:            clock,
	}
	svc := services.NewService(svcCfg)
	if err := svc.Init(); err != nil {
		logger.Fatal("Unable to initialize the service layer", zap.Error(err))
	}

	// Background task to publish the ledger's health.
	healthServer := health.NewServer()
	healthTask := tasks.NewHealthTask(svc, healthServer, cfg.HealthInterval, clock, logger)
	go healthTask.Run()

	// Create the API router.
	path := "/sbt/v1"
	router := api.NewAPIRouter(path, svc, cfg.AllowedOrigins, registry, logger)

	// Listen on the provided address. This listener will be used by the HTTP server.
	listener, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Unable to listen on provided address %s\n%v\n", cfg.ListenAddr, err)
		os.Exit(1)
	}

	// Spin up the HTTP server on a different goroutine, since it blocks.
	server := http.Server{Handler: router}
	var serverWaitGroup sync.WaitGroup
	serverWaitGroup.Add(1)
	go func() {
		logger.Info("Starting HTTP server", zap.String("url", cfg.ListenAddr))
		if err := server.Serve(listener); err != nil {
			logger.Error("HTTP server stopped", zap.Error(err))
		}
		serverWaitGroup.Done()
	}()

	// The gRPC health service is optional.
	var grpcServer *grpc.Server
	if cfg.GRPCAddr != "" {
		grpcListener, err := net.Listen("tcp", cfg.GRPCAddr)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Unable to listen on provided address %s\n%v\n", cfg.GRPCAddr, err)
			os.Exit(1)
		}
		grpcServer = grpc.NewServer()
		healthpb.RegisterHealthServer(grpcServer, healthServer)
		serverWaitGroup.Add(1)
		go func() {
			logger.Info("Starting gRPC health server", zap.String("url", cfg.GRPCAddr))
			if err := grpcServer.Serve(grpcListener); err != nil {
				logger.Error("gRPC server stopped", zap.Error(err))
			}
			serverWaitGroup.Done()
		}()
	}

	waitForTermination()

	// Shut down gracefully
	logger.Info("Received termination signal, shutting down...")
	healthServer.Shutdown()
	if grpcServer != nil {
		grpcServer.GracefulStop()
	}
	_ = server.Shutdown(context.Background())
	listener.Close()

	// Wait for the listeners/servers to exit
	serverWaitGroup.Wait()

	// Stop the background tasks
	if err = healthTask.Stop(); err != nil {
		logger.Error("Error stopping background tasks", zap.Error(err))
	}

	// Shut down the service layer
	svc.Deinit()

	logger.Info("Shutdown complete")

	_ = logger.Sync()
}
