package main

import (
	"bytes"
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dimiro1/banner"
	"github.com/hashicorp/go-multierror"
	"github.com/rs/zerolog/log"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"ai-speech-relay-service/internal/app"
	"ai-speech-relay-service/internal/config"
	apphttp "ai-speech-relay-service/internal/http"
	"ai-speech-relay-service/internal/observability"
	"ai-speech-relay-service/internal/observability/metrics"
)

const version = "dev"

const shutdownTimeout = 10 * time.Second

func printBanner() {
	tpl := "{{ .Title \"SPEECH RELAY\" \"\" 0 }}\nVersion: " + version + "\n"
	banner.Init(os.Stdout, true, true, bytes.NewBufferString(tpl))
}

func main() {
	printBanner()
	cfg := config.Load()

	application := app.New(cfg)
	if err := application.Start(context.Background()); err != nil {
		log.Fatal().Err(err).Msg("Application start failed")
	}

	obs := observability.NewServer(":"+cfg.Service.MetricsPort, application.Ready)
	obs.Start()

	httpServer := &http.Server{
		Addr:              ":" + cfg.Service.HTTPPort,
		Handler:           apphttp.NewRouter(application),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		log.Info().Str("addr", httpServer.Addr).Msg("Speech Relay HTTP server started")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("http serve failed")
		}
	}()

	lis, err := net.Listen("tcp", ":"+cfg.Service.GRPCPort)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to listen")
	}
	grpcServer := grpc.NewServer(
		grpc.UnaryInterceptor(observability.UnaryServerInterceptor(metrics.DefaultMetrics)),
		grpc.StreamInterceptor(observability.StreamServerInterceptor(metrics.DefaultMetrics)),
	)

	// Register gRPC health check service
	healthServer := health.NewServer()
	grpc_health_v1.RegisterHealthServer(grpcServer, healthServer)
	healthServer.SetServingStatus("", grpc_health_v1.HealthCheckResponse_SERVING)

	// Enable gRPC reflection for debugging tools like grpcurl
	reflection.Register(grpcServer)

	go func() {
		log.Info().Str("addr", lis.Addr().String()).Msg("gRPC health server started")
		if err := grpcServer.Serve(lis); err != nil {
			log.Fatal().Err(err).Msg("grpc serve failed")
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	log.Info().Msg("shutting down")
	healthServer.SetServingStatus("", grpc_health_v1.HealthCheckResponse_NOT_SERVING)

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	var result *multierror.Error
	if err := httpServer.Shutdown(ctx); err != nil {
		result = multierror.Append(result, err)
	}
	if err := application.Shutdown(ctx); err != nil {
		result = multierror.Append(result, err)
	}
	grpcServer.GracefulStop()
	if err := obs.Shutdown(ctx); err != nil {
		result = multierror.Append(result, err)
	}
	if err := result.ErrorOrNil(); err != nil {
		log.Error().Err(err).Msg("shutdown completed with errors")
		os.Exit(1)
	}
	log.Info().Msg("shutdown complete")
}
