package main

import (
	"os"
	"time"

	"groupsave/internal/cli"
	"groupsave/internal/log"
	"groupsave/internal/metrics"
	"groupsave/internal/services"
)

func main() {
	cfg, logger := cli.Bootstrap(log.ComponentReminders)
	logger.Info("Starting reminder-worker")

	ctx, stop := cli.SignalContext()
	defer stop()

	backend := cli.InitBackend(ctx, logger, cfg)
	defer backend.Cleanup()

	if backend.Broker == nil {
		logger.Error("Reminders need a reachable AMQP broker")
		os.Exit(1)
	}
	if cfg.DataBackend == "memory" {
		logger.Warn("Memory backend is private to this process, no groups will be found")
	}

	processor := services.NewReminderProcessor(backend.Store, backend.Broker, metrics.New())
	interval := cfg.ReminderInterval
	logger.Info("Reminder processor configured", "interval", interval, "backend", cfg.DataBackend)

	run := func(now time.Time) {
		count, err := processor.ProcessDueReminders(ctx, now)
		if err != nil {
			logger.Error("Reminder processing failed", "error", err)
			return
		}
		logger.Info("Reminder processing complete",
			"reminders_sent", count,
			"next_check", now.Add(interval).Format("15:04:05"))
	}

	run(time.Now())

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			logger.Info("Reminder-worker shutdown complete")
			return
		case now := <-ticker.C:
			run(now)
		}
	}
}
