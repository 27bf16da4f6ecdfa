package main

import (
	"context"
	"net/http"
	"os"
	"time"

	"condominio/internal/amqp"
	"condominio/internal/blob"
	"condominio/internal/cli"
	apphttp "condominio/internal/http"
	"condominio/internal/rate"
	"condominio/internal/services"
)

func main() {
	cli.LoadEnvFile()
	logger := cli.SetupLogger()
	cfg := cli.LoadAndValidateConfig(logger)

	repo := cli.InitSQLite(logger, cfg.SQLiteDBPath)
	defer repo.Close()

	// AMQP is optional for local development: without a broker the
	// service still works, it just skips notifications and reports.
	var amqpClient *amqp.Client
	if cfg.AMQPURL != "" {
		client, err := amqp.NewClient(cfg.AMQPURL, cfg.AMQPExchange, cfg.NotifyQueue, cfg.ReportQueue)
		if err != nil {
			logger.Error("Failed to connect to AMQP broker", "error", err, "url", cfg.AMQPURL)
			os.Exit(1)
		}
		amqpClient = client
		logger.Info("Connected to AMQP broker", "exchange", cfg.AMQPExchange)
	} else {
		logger.Warn("AMQP_URL not set, notifications and payment reports disabled")
	}

	blobs, err := blob.NewStore(cfg.BlobDir)
	if err != nil {
		logger.Error("Failed to initialize evidence store", "error", err, "dir", cfg.BlobDir)
		os.Exit(1)
	}

	rates := rate.NewResolver(cfg.RatePrimaryURL, cfg.RateSecondaryURL, cfg.RateTimeout, cfg.RateCacheTTL, repo)

	payments := services.NewPaymentService(repo, amqpClient, blobs, rates)
	defer payments.Close()

	srv := apphttp.NewServer(":"+cfg.Port, payments, blobs)

	// Configure server timeouts and limits
	srv.ReadTimeout = 10 * time.Second
	srv.WriteTimeout = 10 * time.Second
	srv.IdleTimeout = 60 * time.Second
	srv.MaxHeaderBytes = 1 << 16 // 64KB

	ctx, done := cli.GracefulShutdown(logger, 30*time.Second, func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("Server shutdown error", "error", err)
		}
	})

	logger.Info("Starting condominio server", "port", cfg.Port)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("Server error", "error", err, "port", cfg.Port)
		os.Exit(1)
	}

	cli.WaitForShutdown(ctx, done)
	logger.Info("Server stopped gracefully")
}
