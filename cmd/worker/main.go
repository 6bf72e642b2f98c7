// Command worker runs the background job consumers: agent research
// runs and media labeling, decoupled from the request path.
package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jfremy/ancestra/pkg/agent"
	"github.com/jfremy/ancestra/pkg/contrib"
	"github.com/jfremy/ancestra/pkg/graph/metrics"
	"github.com/jfremy/ancestra/pkg/jobs"
	"github.com/jfremy/ancestra/services"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

func main() {
	envFile := flag.String("env", ".env", "Path to environment file")
	logLevel := flag.String("log-level", "info", "Log level (debug, info, warn, error)")
	workers := flag.Int("workers", 2, "Number of concurrent job workers")
	flag.Parse()

	if err := godotenv.Load(*envFile); err != nil {
		log.Printf("Warning: Error loading env file %s: %v\n", *envFile, err)
	}

	logger := logrus.New()
	level, err := logrus.ParseLevel(*logLevel)
	if err != nil {
		logger.Warnf("Invalid log level %s, using info", *logLevel)
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
	})

	cfg, err := services.LoadConfig()
	if err != nil {
		logger.Fatalf("Invalid configuration: %v", err)
	}

	store, err := services.NewGraphStore(cfg)
	if err != nil {
		logger.Fatalf("Failed to connect to graph store: %v", err)
	}
	defer store.Close()

	queue, err := jobs.Open(cfg.QueuePath)
	if err != nil {
		logger.Fatalf("Failed to open job queue: %v", err)
	}
	defer queue.Close()

	chat, err := services.NewOpenAIClient(cfg)
	if err != nil {
		logger.Fatalf("Failed to build model client: %v", err)
	}

	contribs := contrib.NewStore(store, logger)
	dispatcher := agent.NewDispatcher(store, contribs, cfg.AgentID, logger)
	orchestrator := agent.NewOrchestrator(chat, cfg.ChatModel, store, dispatcher, logger)
	labeler := agent.NewLabeler(chat, cfg.VisionModel, store, logger)

	pool := jobs.NewPool(queue, *workers, 10*time.Minute, logger)
	pool.Register(jobs.KindResearch, func(ctx context.Context, job *jobs.Job) error {
		payload, err := job.DecodeResearch()
		if err != nil {
			return err
		}
		result, err := orchestrator.Run(ctx, payload.PersonID, payload.ContributorID)
		if err != nil {
			return err
		}
		logger.WithFields(logrus.Fields{
			"job":        job.ID,
			"outcome":    result.Outcome,
			"iterations": result.Iterations,
		}).Info("Research run finished")
		return nil
	})
	pool.Register(jobs.KindLabelMedia, func(ctx context.Context, job *jobs.Job) error {
		payload, err := job.DecodeLabelMedia()
		if err != nil {
			return err
		}
		labels, err := labeler.LabelMedia(ctx, payload.MediaID)
		if err != nil {
			return err
		}
		logger.WithFields(logrus.Fields{"job": job.ID, "labels": labels}).Info("Media labeling finished")
		return nil
	})

	pool.Start(context.Background())
	logger.Info("Workers started: research, label-media")

	go func() {
		ticker := time.NewTicker(15 * time.Second)
		defer ticker.Stop()
		for range ticker.C {
			metrics.UpdateSystemMetrics()
		}
	}()
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		logger.Infof("Metrics listening on %s", cfg.MetricsAddr)
		if err := http.ListenAndServe(cfg.MetricsAddr, mux); err != nil {
			logger.WithError(err).Error("Metrics server stopped")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Infof("Received signal %v, draining workers...", sig)

	pool.Drain()
}
