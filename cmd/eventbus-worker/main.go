package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"

	"github.com/triggerline/eventbus/pkg/config"
	"github.com/triggerline/eventbus/pkg/delivery"
	"github.com/triggerline/eventbus/pkg/monitor"
	"github.com/triggerline/eventbus/pkg/queue"
	"github.com/triggerline/eventbus/pkg/store"
	"github.com/triggerline/eventbus/pkg/telemetry"
	"github.com/triggerline/eventbus/pkg/worker"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Load configuration from file or environment
	cfg, err := config.LoadFromFile("./cmd/eventbus-worker")
	if err != nil {
		log.Fatal("Error loading configuration: ", err)
	}

	// Validate the configuration
	err = cfg.Validate()
	if err != nil {
		log.Fatal("Invalid configuration: ", err)
	}

	// Initialize telemetry (tracing)
	shutdownTelemetry, err := telemetry.Init(cfg.Observability)
	if err != nil {
		log.Fatal("Failed to initialize telemetry: ", err)
	}
	defer shutdownTelemetry() // Ensure telemetry is properly shut down on exit

	// Initialize the event store
	events, err := store.NewStore(ctx, cfg.Store)
	if err != nil {
		log.Fatal("Failed to initialize event store: ", err)
	}

	// Initialize the retry queue
	retries, err := queue.NewQueue(ctx, cfg.Queue)
	if err != nil {
		log.Fatal("Failed to initialize retry queue: ", err)
	}
	defer retries.Close()

	// The dispatcher pushes events to the configured downstream target
	dispatcher := delivery.NewHTTPDispatcher(events, cfg.Delivery)

	// Watch the dead-letter queue while the worker drains retries
	deadLetters := monitor.NewDeadLetterMonitor(retries, monitor.LogNotifier{}, cfg.Monitor.ObservationWindow)
	go deadLetters.Run(ctx)

	// Run the worker (blocks until the context is canceled)
	w := worker.NewDeliveryWorker(events, retries, dispatcher, cfg.Worker)
	w.Run(ctx)
}
