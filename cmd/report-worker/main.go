package main

import (
	"context"
	"os"
	"time"

	"condominio/internal/amqp"
	"condominio/internal/cli"
	"condominio/internal/export"
	"condominio/internal/export/google"
	"condominio/internal/worker"
)

func main() {
	cli.LoadEnvFile()
	logger := cli.SetupLogger()
	cfg := cli.LoadAndValidateConfig(logger)

	if cfg.AMQPURL == "" {
		logger.Error("AMQP_URL is required for the report worker")
		os.Exit(1)
	}

	repo := cli.InitSQLite(logger, cfg.SQLiteDBPath)
	defer repo.Close()

	var report export.ReportWriter
	if cfg.ReportSpreadsheetID != "" {
		sheets, err := google.New(context.Background(), cfg.ReportSpreadsheetID, cfg.ReportSheetName)
		if err != nil {
			logger.Error("Failed to initialize Google Sheets client", "error", err)
			os.Exit(1)
		}
		report = sheets
		logger.Info("Report worker writing to Google Sheets", "sheet", cfg.ReportSheetName)
	} else {
		logger.Warn("REPORT_SPREADSHEET_ID not set, settled payments will not be exported")
	}

	client, err := amqp.NewClient(cfg.AMQPURL, cfg.AMQPExchange, cfg.NotifyQueue, cfg.ReportQueue)
	if err != nil {
		logger.Error("Failed to connect to AMQP broker", "error", err, "url", cfg.AMQPURL)
		os.Exit(1)
	}
	defer client.Close()

	reporter := worker.NewReportWorker(repo, report, cfg.ReportBatchSize)

	ctx, done := cli.GracefulShutdown(logger, 10*time.Second, func() {
		client.Close()
	})

	// Catch up on payments settled while the worker was down.
	if report != nil {
		exported, err := reporter.SweepUnreported(context.Background())
		if err != nil {
			logger.Error("Startup sweep failed", "error", err, "exported", exported)
		} else if exported > 0 {
			logger.Info("Startup sweep exported pending payments", "count", exported)
		}
	}

	go func() {
		logger.Info("Report worker consuming", "queue", cfg.ReportQueue)
		if err := client.ConsumePaymentReports(ctx, func(msg *amqp.PaymentReportMessage) error {
			return reporter.HandleReportMessage(context.Background(), msg)
		}); err != nil {
			logger.Error("Report consumer stopped", "error", err)
		}
	}()

	cli.WaitForShutdown(ctx, done)
	logger.Info("Report worker stopped gracefully")
}
