// Package services constructs the process-wide external clients.
// Resources are built once at startup and handed down by reference;
// nothing here is a lazy global.
package services

import (
	"os"

	"github.com/jfremy/ancestra/pkg/graph/storage"
	"github.com/pkg/errors"
	"github.com/sashabaranov/go-openai"
)

// Config is the environment-backed process configuration. Load it once
// in main after godotenv has run.
type Config struct {
	OpenAIAPIKey  string
	OpenAIBaseURL string
	ChatModel     string
	VisionModel   string
	AgentID       string

	Neo4jURI      string
	Neo4jUsername string
	Neo4jPassword string

	QueuePath   string
	MetricsAddr string
}

// LoadConfig reads configuration from the environment.
func LoadConfig() (*Config, error) {
	cfg := &Config{
		OpenAIAPIKey:  os.Getenv("OPENAI_API_KEY"),
		OpenAIBaseURL: os.Getenv("OPENAI_BASE_URL"),
		ChatModel:     envOr("ANCESTRA_CHAT_MODEL", openai.GPT4o),
		VisionModel:   envOr("ANCESTRA_VISION_MODEL", openai.GPT4o),
		AgentID:       envOr("ANCESTRA_AGENT_ID", "ancestra"),
		Neo4jURI:      os.Getenv("NEO4J_URI"),
		Neo4jUsername: os.Getenv("NEO4J_USERNAME"),
		Neo4jPassword: os.Getenv("NEO4J_PASSWORD"),
		QueuePath:     envOr("ANCESTRA_QUEUE_PATH", "ancestra-jobs.db"),
		MetricsAddr:   envOr("ANCESTRA_METRICS_ADDR", ":9090"),
	}
	if cfg.Neo4jURI == "" {
		return nil, errors.New("NEO4J_URI is not set")
	}
	return cfg, nil
}

// NewOpenAIClient builds the chat client from config.
func NewOpenAIClient(cfg *Config) (*openai.Client, error) {
	if cfg.OpenAIAPIKey == "" {
		return nil, errors.New("OPENAI_API_KEY is not set")
	}
	clientConfig := openai.DefaultConfig(cfg.OpenAIAPIKey)
	if cfg.OpenAIBaseURL != "" {
		clientConfig.BaseURL = cfg.OpenAIBaseURL
	}
	return openai.NewClientWithConfig(clientConfig), nil
}

// NewGraphStore builds the Neo4j-backed graph store from config.
func NewGraphStore(cfg *Config) (*storage.Neo4jStore, error) {
	return storage.NewNeo4jStore(storage.Config{
		URI:      cfg.Neo4jURI,
		Username: cfg.Neo4jUsername,
		Password: cfg.Neo4jPassword,
	})
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
