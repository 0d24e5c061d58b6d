package main

import (
	"os"

	"golang.org/x/sync/errgroup"

	"groupsave/internal/amqp"
	"groupsave/internal/cli"
	"groupsave/internal/log"
	"groupsave/internal/metrics"
	"groupsave/internal/worker"
)

func main() {
	cfg, logger := cli.Bootstrap(log.ComponentWorker)
	logger.Info("Starting groupsave-worker")

	if cfg.AMQPURL == "" {
		logger.Error("AMQP_URL is required for the worker")
		os.Exit(1)
	}

	ctx, stop := cli.SignalContext()
	defer stop()

	exporter, err := cli.NewActivityExporter(ctx, logger, cfg)
	if err != nil {
		logger.Error("Failed to initialize Google Sheets client", "error", err)
		os.Exit(1)
	}

	client, err := amqp.NewClient(cfg.AMQPURL, cfg.AMQPExchange, cfg.AMQPQueue)
	if err != nil {
		logger.Error("Failed to initialize AMQP client", "error", err)
		os.Exit(1)
	}
	defer client.Close()

	dispatcher := worker.NewDispatcher(exporter, worker.LogDeliverer{Logger: logger.Logger}, metrics.New())

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return dispatcher.Run(gctx, client)
	})

	if err := g.Wait(); err != nil {
		logger.Error("Message consumption failed", "error", err)
		os.Exit(1)
	}
	logger.Info("Worker shutdown complete")
}
