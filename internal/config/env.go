package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Port           string
	CORSOrigins    []string
	RequestTimeout time.Duration
	MaxUploadMB    int
	JWTSecret      string
	LogLevel       string
	LogFormat      string

	VectorBackend  string
	DatabaseURL    string
	SslCertPath    string
	QdrantURL      string
	QdrantAPIKey   string
	CollectionName string

	ObjectBackend string
	AwsAccessKey  string
	AwsSecretKey  string
	AwsRegion     string
	BucketName    string

	EmbedProvider  string
	EmbedModel     string
	EmbedDim       int
	OllamaURL      string
	AIAPIKey       string
	LLMProvider    string
	GenModel       string
	OpenAIAPIKey   string
	OpenAIBaseURL  string
	OpenAIModel    string
	DeepSeekAPIKey string
	DeepSeekURL    string
	DeepSeekModel  string
	Tokenizer      string

	ChunkSize      int
	ChunkOverlap   int
	EmbedBatchSize int
	IngestWorkers  int
	IngestQueue    int
	IngestTimeout  time.Duration
	EmbedTimeout   time.Duration
	GenTimeout     time.Duration
	RetryAttempts  int
	RetryBaseDelay time.Duration
	EmbedRPS       float64
	SearchTopK     int
	QueryTopK      int
}

// LoadConfig loads the environment variables, reading .env first when present.
func LoadConfig() *Config {
	_ = godotenv.Load()

	return &Config{
		Port:           getEnv("PORT", "8080"),
		CORSOrigins:    splitList(getEnv("CORS_ORIGINS", "http://localhost:5173")),
		RequestTimeout: getEnvDuration("REQUEST_TIMEOUT", 60*time.Second),
		MaxUploadMB:    getEnvInt("MAX_UPLOAD_MB", 32),
		JWTSecret:      getEnv("JWT_SECRET", ""),
		LogLevel:       getEnv("LOG_LEVEL", "info"),
		LogFormat:      getEnv("LOG_FORMAT", "text"),

		VectorBackend:  strings.ToLower(getEnv("VECTOR_BACKEND", "memory")),
		DatabaseURL:    getEnv("DATABASE_URL", ""),
		SslCertPath:    getEnv("DB_SSL_ROOT_CERT", ""),
		QdrantURL:      getEnv("QDRANT_URL", "http://localhost:6333"),
		QdrantAPIKey:   getEnv("QDRANT_API_KEY", ""),
		CollectionName: getEnv("COLLECTION_NAME", "legal_documents"),

		ObjectBackend: strings.ToLower(getEnv("OBJECT_BACKEND", "memory")),
		AwsAccessKey:  getEnv("AWS_ACCESS_KEY", ""),
		AwsSecretKey:  getEnv("AWS_SECRET_KEY", ""),
		AwsRegion:     getEnv("AWS_REGION", "us-east-2"),
		BucketName:    getEnv("BUCKET_NAME", "lexa-docs"),

		EmbedProvider:  strings.ToLower(getEnv("EMBED_PROVIDER", "hash")),
		EmbedModel:     getEnv("EMBED_MODEL", "text-embedding-004"),
		EmbedDim:       getEnvInt("EMBED_DIM", 768),
		OllamaURL:      getEnv("OLLAMA_URL", "http://localhost:11434"),
		AIAPIKey:       getEnv("GEMINI_API_KEY", ""),
		LLMProvider:    strings.ToLower(getEnv("LLM_PROVIDER", "gemini")),
		GenModel:       getEnv("GEN_MODEL", "gemini-1.5-flash"),
		OpenAIAPIKey:   getEnv("OPENAI_API_KEY", ""),
		OpenAIBaseURL:  getEnv("OPENAI_BASE_URL", "https://api.openai.com/v1"),
		OpenAIModel:    getEnv("OPENAI_MODEL", "gpt-4o"),
		DeepSeekAPIKey: getEnv("DEEPSEEK_API_KEY", ""),
		DeepSeekURL:    getEnv("DEEPSEEK_BASE_URL", "https://api.deepseek.com/v1"),
		DeepSeekModel:  getEnv("DEEPSEEK_MODEL", "deepseek-chat"),
		Tokenizer:      getEnv("TOKENIZER", ""),

		ChunkSize:      getEnvInt("CHUNK_SIZE", 1000),
		ChunkOverlap:   getEnvInt("CHUNK_OVERLAP", 150),
		EmbedBatchSize: getEnvInt("EMBED_BATCH_SIZE", 16),
		IngestWorkers:  getEnvInt("INGEST_WORKERS", 4),
		IngestQueue:    getEnvInt("INGEST_QUEUE", 64),
		IngestTimeout:  getEnvDuration("INGEST_TIMEOUT", 5*time.Minute),
		EmbedTimeout:   getEnvDuration("EMBED_TIMEOUT", 30*time.Second),
		GenTimeout:     getEnvDuration("GEN_TIMEOUT", 60*time.Second),
		RetryAttempts:  getEnvInt("RETRY_ATTEMPTS", 3),
		RetryBaseDelay: getEnvDuration("RETRY_BASE_DELAY", 200*time.Millisecond),
		EmbedRPS:       getEnvFloat("EMBED_RPS", 0),
		SearchTopK:     getEnvInt("SEARCH_TOP_K", 5),
		QueryTopK:      getEnvInt("QUERY_TOP_K", 3),
	}
}

// Validate reports every setting the selected backends are missing.
func (c *Config) Validate() error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	switch c.VectorBackend {
	case "memory":
	case "pgvector":
		if c.DatabaseURL == "" {
			add("DATABASE_URL is required for VECTOR_BACKEND=pgvector")
		}
	case "qdrant":
		if c.QdrantURL == "" {
			add("QDRANT_URL is required for VECTOR_BACKEND=qdrant")
		}
	default:
		add("VECTOR_BACKEND must be memory, pgvector or qdrant, got %q", c.VectorBackend)
	}

	switch c.ObjectBackend {
	case "memory":
	case "s3":
		if c.AwsAccessKey == "" || c.AwsSecretKey == "" {
			add("AWS_ACCESS_KEY and AWS_SECRET_KEY are required for OBJECT_BACKEND=s3")
		}
		if c.BucketName == "" {
			add("BUCKET_NAME is required for OBJECT_BACKEND=s3")
		}
	default:
		add("OBJECT_BACKEND must be memory or s3, got %q", c.ObjectBackend)
	}

	switch c.EmbedProvider {
	case "hash", "ollama":
	case "gemini":
		if c.AIAPIKey == "" {
			add("GEMINI_API_KEY is required for EMBED_PROVIDER=gemini")
		}
	default:
		add("EMBED_PROVIDER must be gemini, ollama or hash, got %q", c.EmbedProvider)
	}

	switch c.LLMProvider {
	case "none":
	case "gemini":
		if c.AIAPIKey == "" {
			add("GEMINI_API_KEY is required for LLM_PROVIDER=gemini")
		}
	case "openai":
		if c.OpenAIAPIKey == "" {
			add("OPENAI_API_KEY is required for LLM_PROVIDER=openai")
		}
	case "deepseek":
		if c.DeepSeekAPIKey == "" {
			add("DEEPSEEK_API_KEY is required for LLM_PROVIDER=deepseek")
		}
	default:
		add("LLM_PROVIDER must be gemini, openai, deepseek or none, got %q", c.LLMProvider)
	}

	if c.EmbedDim <= 0 {
		add("EMBED_DIM must be positive")
	}
	if c.ChunkSize <= 0 || c.ChunkOverlap < 0 || c.ChunkOverlap >= c.ChunkSize {
		add("CHUNK_OVERLAP must be in [0, CHUNK_SIZE), got size %d overlap %d", c.ChunkSize, c.ChunkOverlap)
	}
	if c.SearchTopK < 1 || c.SearchTopK > 50 {
		add("SEARCH_TOP_K must be between 1 and 50")
	}
	if c.QueryTopK < 1 || c.QueryTopK > 10 {
		add("QUERY_TOP_K must be between 1 and 10")
	}
	return errors.Join(errs...)
}

// Helper to read environment variables with a default fallback. Empty values count as unset.
func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists && value != "" {
		return value
	}
	return fallback
}

func getEnvInt(key string, def int) int {
	v := getEnv(key, "")
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		slog.Warn("invalid integer setting, using default", "key", key, "value", v, "default", def)
		return def
	}
	return n
}

func getEnvFloat(key string, def float64) float64 {
	v := getEnv(key, "")
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		slog.Warn("invalid number setting, using default", "key", key, "value", v, "default", def)
		return def
	}
	return f
}

func getEnvDuration(key string, def time.Duration) time.Duration {
	v := getEnv(key, "")
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		slog.Warn("invalid duration setting, using default", "key", key, "value", v, "default", def)
		return def
	}
	return d
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
