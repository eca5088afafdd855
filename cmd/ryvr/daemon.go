package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/schuttebj/ryvr-sub001/internal/approval"
	"github.com/schuttebj/ryvr-sub001/internal/config"
	"github.com/schuttebj/ryvr-sub001/internal/controlplane"
	"github.com/schuttebj/ryvr-sub001/internal/engine"
	"github.com/schuttebj/ryvr-sub001/internal/graph"
	"github.com/schuttebj/ryvr-sub001/internal/ledger"
	"github.com/schuttebj/ryvr-sub001/internal/lifecycle"
	"github.com/schuttebj/ryvr-sub001/internal/logging"
	"github.com/schuttebj/ryvr-sub001/internal/notify"
	"github.com/schuttebj/ryvr-sub001/internal/processor"
	"github.com/schuttebj/ryvr-sub001/internal/processor/contentgen"
	"github.com/schuttebj/ryvr-sub001/internal/processor/keyword"
	"github.com/schuttebj/ryvr-sub001/internal/processor/seoaudit"
	"github.com/schuttebj/ryvr-sub001/internal/scheduler"
	"github.com/schuttebj/ryvr-sub001/internal/store"
)

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Start the Ryvr engine daemon",
	Long:  `Starts the task engine: worker pool, scheduler, and the HTTP control plane.`,
	RunE:  runDaemon,
}

func runDaemon(cmd *cobra.Command, args []string) error {
	cfg := config.Load()

	log.Println("Starting ryvr daemon...")

	// Initialize OpenTelemetry before anything logs through it
	otelShutdown, err := logging.SetupOTelSDK(context.Background())
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		otelShutdown(shutdownCtx)
	}()

	// Initialize store
	s, err := store.New(cfg.DBPath)
	if err != nil {
		return err
	}

	// Core collaborators
	led := ledger.New(s)
	resolver := graph.New(s)

	// Processor registry: one external service client shared by all variants
	client := processor.NewHTTPClient(cfg.ServiceURL, cfg.ServiceKey)
	registry := processor.NewRegistry()
	for _, p := range []processor.Processor{contentgen.New(client), keyword.New(client), seoaudit.New(client)} {
		if err := registry.Register(p); err != nil {
			s.Close()
			return fmt.Errorf("register processor: %w", err)
		}
	}
	log.Printf("Registered processors: %v", registry.Types())

	// Notification channels
	channels := []notify.Channel{notify.LogChannel{}}
	if cfg.WebhookURL != "" {
		channels = append(channels, notify.NewWebhookChannel(cfg.WebhookURL))
	}
	if cfg.KafkaBrokers != "" {
		kafka := notify.NewKafkaChannel(cfg.KafkaBrokers, cfg.KafkaTopic)
		defer kafka.Close()
		channels = append(channels, kafka)
	}
	bus := notify.NewDispatcher(channels...)

	// State machine and scheduling
	auth := approval.NewPolicy(cfg.ApprovalTaskTypes, cfg.ApprovalOwners)
	machine := lifecycle.New(s, led, resolver, registry, bus, auth)
	picker := scheduler.New(s, resolver, led)

	eng := engine.New(machine, picker, registry, s, &engine.Config{
		Workers:              cfg.Workers,
		PollInterval:         cfg.PollInterval,
		ProcessTimeout:       cfg.ProcessTimeout,
		ExternalPollInterval: cfg.ExternalPollInterval,
	})

	// Control plane
	service := controlplane.NewService(s, machine, led, resolver, eng.Stats)
	server := controlplane.NewServer(service, cfg.APIAddr)

	eng.Start()
	defer eng.Stop()

	// Set up signal handling for graceful shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	serverErr := make(chan error, 1)
	go func() {
		err := server.Start()
		if err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
		close(serverErr)
	}()

	select {
	case sig := <-sigCh:
		log.Printf("Received signal %v, initiating graceful shutdown...", sig)
	case err := <-serverErr:
		if err != nil {
			log.Printf("Server error: %v", err)
			s.Close()
			return err
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	log.Println("Shutting down HTTP server...")
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("HTTP server shutdown error: %v", err)
	}

	log.Println("Closing database connection...")
	if err := s.Close(); err != nil {
		log.Printf("Database close error: %v", err)
	}

	log.Println("Shutdown complete")
	return nil
}
