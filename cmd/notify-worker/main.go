package main

import (
	"context"
	"os"
	"time"

	"condominio/internal/amqp"
	"condominio/internal/cli"
	"condominio/internal/worker"
)

func main() {
	cli.LoadEnvFile()
	logger := cli.SetupLogger()
	cfg := cli.LoadAndValidateConfig(logger)

	if cfg.AMQPURL == "" {
		logger.Error("AMQP_URL is required for the notification worker")
		os.Exit(1)
	}

	client, err := amqp.NewClient(cfg.AMQPURL, cfg.AMQPExchange, cfg.NotifyQueue, cfg.ReportQueue)
	if err != nil {
		logger.Error("Failed to connect to AMQP broker", "error", err, "url", cfg.AMQPURL)
		os.Exit(1)
	}
	defer client.Close()

	notifier := worker.NewNotifyWorker(nil)

	ctx, done := cli.GracefulShutdown(logger, 10*time.Second, func() {
		client.Close()
	})

	go func() {
		logger.Info("Notification worker consuming", "queue", cfg.NotifyQueue)
		if err := client.ConsumeNotifications(ctx, func(msg *amqp.NotificationMessage) error {
			return notifier.HandleNotification(context.Background(), msg)
		}); err != nil {
			logger.Error("Notification consumer stopped", "error", err)
		}
	}()

	cli.WaitForShutdown(ctx, done)
	logger.Info("Notification worker stopped gracefully")
}
