package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jfremy/ancestra/pkg/contrib"
	"github.com/jfremy/ancestra/pkg/graph"
	"github.com/jfremy/ancestra/pkg/jobs"
	"github.com/jfremy/ancestra/services"
	"github.com/jfremy/ancestra/tools"
	"github.com/joho/godotenv"
	"github.com/mark3labs/mcp-go/server"
	"github.com/sirupsen/logrus"
)

func main() {
	envFile := flag.String("env", ".env", "Path to environment file")
	enableSSE := flag.Bool("sse", false, "Enable SSE server")
	sseAddr := flag.String("sse-addr", ":8080", "Address for SSE server to listen on")
	logLevel := flag.String("log-level", "info", "Log level (debug, info, warn, error)")
	flag.Parse()

	if err := godotenv.Load(*envFile); err != nil {
		log.Printf("Warning: Error loading env file %s: %v\n", *envFile, err)
	}

	logger := logrus.New()
	level, err := logrus.ParseLevel(*logLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)
	logger.SetFormatter(&logrus.JSONFormatter{})

	cfg, err := services.LoadConfig()
	if err != nil {
		logger.Fatalf("Invalid configuration: %v", err)
	}

	// Resources are constructed here, once, and closed on shutdown.
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

	engine := graph.NewEngine(store, logger)
	contribs := contrib.NewStore(store, logger)

	mcpServer := server.NewMCPServer(
		"ancestra",
		"1.0.0",
		server.WithLogging(),
		server.WithToolCapabilities(true),
		server.WithRecovery(),
	)

	tools.RegisterPersonTools(mcpServer, engine)
	tools.RegisterAgentTools(mcpServer, queue, contribs)

	if *enableSSE || os.Getenv("ENABLE_SSE") == "true" {
		sseServer := server.NewSSEServer(mcpServer)

		go func() {
			logger.Infof("Starting SSE server on %s", *sseAddr)
			if err := sseServer.Start(*sseAddr); err != nil {
				logger.Fatalf("Failed to start SSE server: %v", err)
			}
		}()

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

		sig := <-sigCh
		logger.Infof("Received signal %v, shutting down...", sig)

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := sseServer.Shutdown(ctx); err != nil {
			logger.Errorf("Error during SSE server shutdown: %v", err)
		}
		logger.Info("SSE server shutdown complete")
	} else {
		if err := server.ServeStdio(mcpServer); err != nil {
			panic(fmt.Sprintf("Server error: %v", err))
		}
	}
}
