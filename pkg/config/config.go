package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/caarlos0/env/v10"
	"gopkg.in/yaml.v3"
)

const (
	BackendPinecone = "pinecone"
	BackendPgvector = "pgvector"
	BackendChromem  = "chromem"

	ProviderOpenAI = "openai"
	ProviderOllama = "ollama"
)

type Config struct {
	Pinecone    PineconeConfig    `yaml:"pinecone"`
	OpenAI      OpenAIConfig      `yaml:"openai"`
	Embedding   EmbeddingConfig   `yaml:"embedding"`
	VectorStore VectorStoreConfig `yaml:"vector_store"`
	Paths       PathsConfig       `yaml:"paths"`
	Processor   ProcessorConfig   `yaml:"processor"`
	Log         LogConfig         `yaml:"log"`
}

type PineconeConfig struct {
	APIKey        string        `yaml:"api_key" env:"PINECONE_API_KEY"`
	Environment   string        `yaml:"environment" env:"PINECONE_ENVIRONMENT"`
	IndexName     string        `yaml:"index_name" env:"PINECONE_INDEX_NAME"`
	Cloud         string        `yaml:"cloud" env:"PINECONE_CLOUD"`
	Region        string        `yaml:"region" env:"PINECONE_REGION"`
	Namespace     string        `yaml:"namespace" env:"PINECONE_NAMESPACE"`
	ControllerURL string        `yaml:"controller_url" env:"PINECONE_CONTROLLER_URL"`
	Timeout       time.Duration `yaml:"timeout" env:"PINECONE_TIMEOUT"`
}

type OpenAIConfig struct {
	APIKey         string `yaml:"api_key" env:"OPENAI_API_KEY"`
	Model          string `yaml:"model" env:"OPENAI_MODEL"`
	EmbeddingModel string `yaml:"embedding_model" env:"OPENAI_EMBEDDING_MODEL"`
	BaseURL        string `yaml:"base_url" env:"OPENAI_BASE_URL"`
}

type EmbeddingConfig struct {
	Provider    string        `yaml:"provider" env:"EMBEDDING_PROVIDER"`
	Dimension   int           `yaml:"dimension" env:"EMBEDDING_DIMENSION"`
	BatchSize   int           `yaml:"batch_size" env:"EMBEDDING_BATCH_SIZE"`
	Timeout     time.Duration `yaml:"timeout" env:"EMBEDDING_TIMEOUT"`
	MaxRetries  int           `yaml:"max_retries" env:"EMBEDDING_MAX_RETRIES"`
	RateLimit   float64       `yaml:"rate_limit" env:"EMBEDDING_RATE_LIMIT"`
	CacheSize   int           `yaml:"cache_size" env:"EMBEDDING_CACHE_SIZE"`
	OllamaURL   string        `yaml:"ollama_url" env:"OLLAMA_BASE_URL"`
	OllamaModel string        `yaml:"ollama_model" env:"OLLAMA_EMBEDDING_MODEL"`
}

type VectorStoreConfig struct {
	Backend     string `yaml:"backend" env:"VECTOR_BACKEND"`
	Metric      string `yaml:"metric" env:"VECTOR_METRIC"`
	DatabaseURL string `yaml:"database_url" env:"DATABASE_URL"`
	TableName   string `yaml:"table_name" env:"VECTOR_TABLE"`
	BatchSize   int    `yaml:"batch_size" env:"UPSERT_BATCH_SIZE"`
	Persist     bool   `yaml:"persist" env:"VECTOR_PERSIST"`
}

type PathsConfig struct {
	Docs   string `yaml:"docs" env:"DOCS_PATH"`
	Output string `yaml:"output" env:"OUTPUT_PATH"`
}

type ProcessorConfig struct {
	ChunkSize    int `yaml:"chunk_size" env:"CHUNK_SIZE"`
	ChunkOverlap int `yaml:"chunk_overlap" env:"CHUNK_OVERLAP"`
	Workers      int `yaml:"workers" env:"CHUNK_WORKERS"`
}

type LogConfig struct {
	Level string `yaml:"level" env:"LOG_LEVEL"`
	JSON  bool   `yaml:"json" env:"LOG_JSON"`
}

// LoadConfig builds the configuration from defaults, an optional YAML file
// and the environment, in that order of precedence (environment wins).
// An empty path searches the default locations; finding none is not an error.
func LoadConfig(path string) (*Config, error) {
	if path == "" {
		locations := []string{
			"config.yaml",
			"config.yml",
			filepath.Join(os.Getenv("HOME"), ".config/ragpipe/config.yaml"),
			"/etc/ragpipe/config.yaml",
		}

		for _, loc := range locations {
			if _, err := os.Stat(loc); err == nil {
				path = loc
				break
			}
		}
	}

	config := defaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		if err := yaml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("error parsing config file: %w", err)
		}
	}

	if err := mergeWithEnv(config); err != nil {
		return nil, err
	}

	applyDefaults(config)

	return config, nil
}

func defaultConfig() *Config {
	config := &Config{}
	config.Pinecone.Cloud = "aws"
	config.Pinecone.ControllerURL = "https://api.pinecone.io"
	config.Pinecone.Timeout = 30 * time.Second

	config.OpenAI.Model = "gpt-4-turbo"
	config.OpenAI.EmbeddingModel = "text-embedding-3-small"

	config.Embedding.Provider = ProviderOpenAI
	config.Embedding.BatchSize = 100
	config.Embedding.Timeout = 30 * time.Second
	config.Embedding.OllamaURL = "http://localhost:11434"
	config.Embedding.OllamaModel = "nomic-embed-text"

	config.VectorStore.Backend = BackendPinecone
	config.VectorStore.Metric = "cosine"
	config.VectorStore.TableName = "chunks"
	config.VectorStore.BatchSize = 100

	config.Paths.Docs = "./documents"
	config.Paths.Output = "./output"

	config.Processor.ChunkSize = 512
	config.Processor.ChunkOverlap = 50
	config.Processor.Workers = runtime.NumCPU()

	config.Log.Level = "INFO"
	return config
}

// modelDimensions holds the output size of common embedding models. Other
// models need an explicit dimension.
var modelDimensions = map[string]int{
	"text-embedding-3-small": 1536,
	"text-embedding-3-large": 3072,
	"text-embedding-ada-002": 1536,
	"nomic-embed-text":       768,
	"mxbai-embed-large":      1024,
	"all-minilm":             384,
}

// applyDefaults fills values that depend on other settings.
func applyDefaults(config *Config) {
	if config.Pinecone.Region == "" {
		if config.Pinecone.Environment != "" {
			config.Pinecone.Region = config.Pinecone.Environment
		} else {
			config.Pinecone.Region = "us-west-2"
		}
	}
	if config.Pinecone.IndexName == "" {
		config.Pinecone.IndexName = "ragpipe"
	}
	if config.Embedding.Dimension == 0 {
		config.Embedding.Dimension = modelDimensions[config.EmbeddingModel()]
	}
	if config.Processor.Workers < 1 {
		config.Processor.Workers = 1
	}
}

func mergeWithEnv(config *Config) error {
	if err := env.Parse(config); err != nil {
		return fmt.Errorf("error parsing environment: %w", err)
	}
	return nil
}

// IndexName returns the index, table or collection name for the selected backend.
func (c *Config) IndexName() string {
	if c.VectorStore.Backend == BackendPgvector {
		return c.VectorStore.TableName
	}
	return c.Pinecone.IndexName
}

// EmbeddingModel returns the model name for the selected provider.
func (c *Config) EmbeddingModel() string {
	if c.Embedding.Provider == ProviderOllama {
		return c.Embedding.OllamaModel
	}
	return c.OpenAI.EmbeddingModel
}
