package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"multidoc-rag/internal/ragerr"
)

type Config struct {
	Server       ServerConfig    `yaml:"server"`
	InferenceLLM LLMConfig       `yaml:"inference_llm"`
	EmbedLLM     LLMConfig       `yaml:"embed_llm"`
	RAG          RAGConfig       `yaml:"rag"`
	Converter    ConverterConfig `yaml:"converter"`
	Store        StoreConfig     `yaml:"store"`
	Log          LogConfig       `yaml:"log"`
}

type ServerConfig struct {
	Host         string        `yaml:"host"`
	Port         int           `yaml:"port"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	MaxUploadMB  int64         `yaml:"max_upload_mb"`
}

// LLMConfig describes one provider endpoint, used for both generation and
// embeddings.
type LLMConfig struct {
	Provider    string        `yaml:"provider"`
	BaseURL     string        `yaml:"base_url"`
	Key         string        `yaml:"key"`
	Model       string        `yaml:"model"`
	Timeout     time.Duration `yaml:"timeout"`
	MaxAttempts int           `yaml:"max_attempts"`
	Backoff     time.Duration `yaml:"backoff"`
	RateLimit   float64       `yaml:"rate_limit"`
	BatchSize   int           `yaml:"batch_size"`
	Temperature float64       `yaml:"temperature"`
	MaxTokens   int           `yaml:"max_tokens"`
	JSONMode    bool          `yaml:"json_mode"`
}

type RAGConfig struct {
	ChunkSize     int    `yaml:"chunk_size"`
	ChunkOverlap  int    `yaml:"chunk_overlap"`
	TopK          int    `yaml:"top_k"`
	MaxTopK       int    `yaml:"max_top_k"`
	OnDuplicate   string `yaml:"on_duplicate"`
	EncryptionKey string `yaml:"encryption_key"`
}

type ConverterConfig struct {
	Enabled bool          `yaml:"enabled"`
	Command string        `yaml:"command"`
	Timeout time.Duration `yaml:"timeout"`
}

type StoreConfig struct {
	Type       string `yaml:"type"`
	Path       string `yaml:"path"`
	Collection string `yaml:"collection"`
	Compress   bool   `yaml:"compress"`
	InMemory   bool   `yaml:"in_memory"`
	DSN        string `yaml:"dsn"`
	Debug      bool   `yaml:"debug"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

const (
	ProviderOpenAI = "openai"
	ProviderOllama = "ollama"

	StoreChromem  = "chromem"
	StorePostgres = "postgres"
	StoreSQLite   = "sqlite"

	DuplicateReplace = "replace"
	DuplicateReject  = "reject"
)

// ValidationError names one invalid setting.
type ValidationError struct {
	Field   string
	Message string
}

func (v ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", v.Field, v.Message)
}

// LoadConfig reads the yaml file at path (a missing file is not an error),
// a .env file in the working directory, then environment overrides, and
// validates the result.
func LoadConfig(path string) (*Config, error) {
	var cfg Config

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return nil, ragerr.ErrConfiguration.WithReason("error parsing config file %s", path).WithCause(err)
			}
		case errors.Is(err, os.ErrNotExist):
		default:
			return nil, ragerr.ErrConfiguration.WithReason("error reading config file %s", path).WithCause(err)
		}
	}

	// .env never overrides variables already set in the environment
	_ = godotenv.Load()

	errs := mergeWithEnv(&cfg)
	applyDefaults(&cfg)

	if errs = append(errs, cfg.Validate()...); len(errs) > 0 {
		msgs := make([]string, len(errs))
		for i, e := range errs {
			msgs[i] = e.Error()
		}
		return nil, ragerr.ErrConfiguration.WithReason("%s", strings.Join(msgs, "; "))
	}
	return &cfg, nil
}

// Default returns a configuration with every default applied and no
// environment merged in.
func Default() *Config {
	var cfg Config
	applyDefaults(&cfg)
	return &cfg
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8000
	}
	if cfg.Server.ReadTimeout == 0 {
		cfg.Server.ReadTimeout = 30 * time.Second
	}
	if cfg.Server.WriteTimeout == 0 {
		cfg.Server.WriteTimeout = 120 * time.Second
	}
	if cfg.Server.MaxUploadMB == 0 {
		cfg.Server.MaxUploadMB = 50
	}

	inf := &cfg.InferenceLLM
	if inf.Provider == "" {
		inf.Provider = ProviderOpenAI
	}
	if inf.BaseURL == "" && inf.Provider == ProviderOpenAI {
		inf.BaseURL = "https://api.groq.com/openai/v1"
	}
	if inf.BaseURL == "" && inf.Provider == ProviderOllama {
		inf.BaseURL = "http://localhost:11434"
	}
	if inf.Model == "" {
		inf.Model = "llama-3.1-70b-versatile"
	}
	if inf.Timeout == 0 {
		inf.Timeout = 60 * time.Second
	}
	if inf.MaxAttempts == 0 {
		inf.MaxAttempts = 2
	}
	if inf.Backoff == 0 {
		inf.Backoff = 500 * time.Millisecond
	}
	if inf.MaxTokens == 0 {
		inf.MaxTokens = 1024
	}

	emb := &cfg.EmbedLLM
	if emb.Provider == "" {
		emb.Provider = ProviderOllama
	}
	if emb.BaseURL == "" && emb.Provider == ProviderOllama {
		emb.BaseURL = "http://localhost:11434"
	}
	if emb.Model == "" {
		emb.Model = "nomic-embed-text"
	}
	if emb.Timeout == 0 {
		emb.Timeout = 30 * time.Second
	}
	if emb.MaxAttempts == 0 {
		emb.MaxAttempts = 3
	}
	if emb.Backoff == 0 {
		emb.Backoff = 200 * time.Millisecond
	}
	if emb.BatchSize == 0 {
		emb.BatchSize = 32
	}

	// an explicit overlap of 0 is valid, so only default it with the size
	if cfg.RAG.ChunkSize == 0 {
		cfg.RAG.ChunkSize = 500
		if cfg.RAG.ChunkOverlap == 0 {
			cfg.RAG.ChunkOverlap = 50
		}
	}
	if cfg.RAG.TopK == 0 {
		cfg.RAG.TopK = 5
	}
	if cfg.RAG.MaxTopK == 0 {
		cfg.RAG.MaxTopK = 20
	}
	if cfg.RAG.OnDuplicate == "" {
		cfg.RAG.OnDuplicate = DuplicateReplace
	}

	if cfg.Converter.Command == "" {
		cfg.Converter.Command = "soffice"
	}
	if cfg.Converter.Timeout == 0 {
		cfg.Converter.Timeout = 60 * time.Second
	}

	if cfg.Store.Type == "" {
		cfg.Store.Type = StoreChromem
	}
	if cfg.Store.Path == "" {
		switch cfg.Store.Type {
		case StoreSQLite:
			cfg.Store.Path = "./data/rag.db"
		default:
			cfg.Store.Path = "./data/chromem"
		}
	}
	if cfg.Store.Collection == "" {
		cfg.Store.Collection = "documents"
	}

	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "console"
	}
}

// mergeWithEnv applies environment overrides and reports the ones that
// could not be parsed.
func mergeWithEnv(cfg *Config) []ValidationError {
	var errs []ValidationError
	setInt := func(dst *int, key string) {
		if err := parseIntEnv(dst, key); err != nil {
			errs = append(errs, *err)
		}
	}

	setString(&cfg.InferenceLLM.Provider, "LLM_PROVIDER")
	setString(&cfg.InferenceLLM.BaseURL, "LLM_BASE_URL")
	setString(&cfg.InferenceLLM.Key, "GROQ_API_KEY")
	setString(&cfg.InferenceLLM.Key, "LLM_API_KEY")
	setString(&cfg.InferenceLLM.Model, "LLM_MODEL")

	setString(&cfg.EmbedLLM.Provider, "EMBED_PROVIDER")
	setString(&cfg.EmbedLLM.BaseURL, "EMBED_BASE_URL")
	setString(&cfg.EmbedLLM.Key, "EMBED_API_KEY")
	setString(&cfg.EmbedLLM.Model, "EMBEDDING_MODEL")

	setInt(&cfg.RAG.ChunkSize, "CHUNK_SIZE")
	setInt(&cfg.RAG.ChunkOverlap, "CHUNK_OVERLAP")
	setInt(&cfg.RAG.TopK, "TOP_K")

	setString(&cfg.Store.Type, "STORE_TYPE")
	setString(&cfg.Store.Path, "STORE_PATH")
	setString(&cfg.Store.DSN, "DATABASE_URL")

	setString(&cfg.Server.Host, "HOST")
	setInt(&cfg.Server.Port, "PORT")
	setString(&cfg.Log.Level, "LOG_LEVEL")
	return errs
}

func setString(dst *string, key string) {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		*dst = v
	}
}

func parseIntEnv(dst *int, key string) *ValidationError {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return &ValidationError{Field: key, Message: fmt.Sprintf("not an integer: %q", v)}
	}
	*dst = n
	return nil
}

// Validate returns every problem found, not just the first.
func (c *Config) Validate() []ValidationError {
	var errs []ValidationError
	add := func(field, msg string) {
		errs = append(errs, ValidationError{Field: field, Message: msg})
	}

	if c.RAG.ChunkSize <= 0 {
		add("rag.chunk_size", "must be positive")
	}
	if c.RAG.ChunkOverlap < 0 {
		add("rag.chunk_overlap", "must not be negative")
	}
	if c.RAG.ChunkSize > 0 && c.RAG.ChunkOverlap >= c.RAG.ChunkSize {
		add("rag.chunk_overlap", fmt.Sprintf("must be smaller than chunk_size (%d >= %d)", c.RAG.ChunkOverlap, c.RAG.ChunkSize))
	}
	if c.RAG.TopK < 1 {
		add("rag.top_k", "must be at least 1")
	}
	if c.RAG.MaxTopK < c.RAG.TopK {
		add("rag.max_top_k", "must not be smaller than top_k")
	}
	if c.RAG.OnDuplicate != DuplicateReplace && c.RAG.OnDuplicate != DuplicateReject {
		add("rag.on_duplicate", "must be replace or reject")
	}
	// chromem-go only accepts AES-256 keys
	if k := c.RAG.EncryptionKey; k != "" && len(k) != 32 {
		add("rag.encryption_key", fmt.Sprintf("must be exactly 32 bytes, got %d", len(k)))
	}

	errs = append(errs, validateLLM("inference_llm", c.InferenceLLM)...)
	errs = append(errs, validateLLM("embed_llm", c.EmbedLLM)...)
	if c.EmbedLLM.BatchSize < 1 {
		add("embed_llm.batch_size", "must be at least 1")
	}

	switch c.Store.Type {
	case StoreChromem, StoreSQLite:
	case StorePostgres:
		if c.Store.DSN == "" {
			add("store.dsn", "is required for the postgres store")
		}
	default:
		add("store.type", fmt.Sprintf("unknown store %q", c.Store.Type))
	}

	if _, err := zerolog.ParseLevel(c.Log.Level); err != nil {
		add("log.level", fmt.Sprintf("unknown level %q", c.Log.Level))
	}
	if c.Log.Format != "console" && c.Log.Format != "json" {
		add("log.format", "must be console or json")
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		add("server.port", "out of range")
	}

	return errs
}

func validateLLM(prefix string, l LLMConfig) []ValidationError {
	var errs []ValidationError
	switch l.Provider {
	case ProviderOllama:
	case ProviderOpenAI:
		// a key is optional only for self-hosted OpenAI compatible
		// endpoints on the embedding side
		if l.Key == "" && (prefix == "inference_llm" || l.BaseURL == "") {
			errs = append(errs, ValidationError{Field: prefix + ".key", Message: "API key is required"})
		}
	default:
		errs = append(errs, ValidationError{Field: prefix + ".provider", Message: fmt.Sprintf("unknown provider %q", l.Provider)})
	}
	if l.Model == "" {
		errs = append(errs, ValidationError{Field: prefix + ".model", Message: "is required"})
	}
	if l.MaxAttempts < 1 {
		errs = append(errs, ValidationError{Field: prefix + ".max_attempts", Message: "must be at least 1"})
	}
	if l.Timeout < 0 {
		errs = append(errs, ValidationError{Field: prefix + ".timeout", Message: "must not be negative"})
	}
	return errs
}

// Addr is the listen address of the HTTP server.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}
