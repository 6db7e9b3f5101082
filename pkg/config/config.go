// Package config loads the process configuration from environment variables.
// The snapshot is taken once at start and never mutated afterwards; database
// and bus handles built from it are long-lived and shared.
package config

import (
	"os"
	"strconv"
)

// Config is the frozen settings snapshot.
type Config struct {
	Port     string
	LogLevel string

	// Storage.
	StorageMode         string // "s3" or "local"
	StorageRoot         string
	S3EndpointURL       string
	S3AccessKeyID       string
	S3SecretAccessKey   string
	S3Bucket            string
	S3Region            string
	SignedURLExpiresSec int

	// Database.
	DatabaseURL string

	// Bus.
	BusMode     string // "memory" or "redis"
	RedisAddr   string
	BusClientID string
	TopicEvents string

	// Generator versions recorded on artifacts.
	ExtractorVersion   string
	LayoutVersion      string
	ChunkerVersion     string
	ChunkSchemaVersion string

	// Limits.
	MaxPDFMB             int
	CharArtifactMaxPages int
	ChunkMaxChars        int
	ChunkOverlapChars    int

	// Auth.
	AuthMode       string // "jwt_hs256" or "none"
	JWTHS256Secret string
	JWTAudience    string
	JWTIssuer      string

	// Rules override file (optional).
	RulesFile string

	// LLM.
	EnableLLMPrimaryAxisSuggestion bool
	LLMBaseURL                     string
	LLMAPIKey                      string
	LLMModelName                   string
	LLMModelVersion                string
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getenvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func getenvBool(key string) bool {
	switch os.Getenv(key) {
	case "true", "1", "yes":
		return true
	}
	return false
}

// Load reads the environment into a Config snapshot.
func Load() *Config {
	return &Config{
		Port:     getenv("PORT", "8080"),
		LogLevel: getenv("LOG_LEVEL", "INFO"),

		StorageMode:         getenv("STORAGE_MODE", "local"),
		StorageRoot:         getenv("STORAGE_ROOT", "./data/blobs"),
		S3EndpointURL:       os.Getenv("S3_ENDPOINT_URL"),
		S3AccessKeyID:       os.Getenv("S3_ACCESS_KEY_ID"),
		S3SecretAccessKey:   os.Getenv("S3_SECRET_ACCESS_KEY"),
		S3Bucket:            os.Getenv("S3_BUCKET"),
		S3Region:            getenv("S3_REGION", "us-east-1"),
		SignedURLExpiresSec: getenvInt("SIGNED_URL_EXPIRES_SEC", 900),

		DatabaseURL: getenv("DATABASE_URL", "sqlite://./data/regcore.db"),

		BusMode:     getenv("BUS_MODE", "memory"),
		RedisAddr:   getenv("REDIS_ADDR", "localhost:6379"),
		BusClientID: getenv("BUS_CLIENT_ID", "regcore"),
		TopicEvents: getenv("TOPIC_EVENTS", "events"),

		ExtractorVersion:   getenv("EXTRACTOR_VERSION", "plaintext@1.0.0"),
		LayoutVersion:      getenv("LAYOUT_VERSION", "plaintext-layout@1.0.0"),
		ChunkerVersion:     getenv("CHUNKER_VERSION", "simple@1.0.0"),
		ChunkSchemaVersion: getenv("CHUNK_SCHEMA_VERSION", "chunk@1.0.0"),

		MaxPDFMB:             getenvInt("MAX_PDF_MB", 50),
		CharArtifactMaxPages: getenvInt("CHAR_ARTIFACT_MAX_PAGES", 500),
		ChunkMaxChars:        getenvInt("CHUNK_MAX_CHARS", 1500),
		ChunkOverlapChars:    getenvInt("CHUNK_OVERLAP_CHARS", 0),

		AuthMode:       getenv("AUTH_MODE", "none"),
		JWTHS256Secret: os.Getenv("JWT_HS256_SECRET"),
		JWTAudience:    os.Getenv("JWT_AUD"),
		JWTIssuer:      os.Getenv("JWT_ISS"),

		RulesFile: os.Getenv("RULES_FILE"),

		EnableLLMPrimaryAxisSuggestion: getenvBool("ENABLE_LLM_PRIMARY_AXIS_SUGGESTION"),
		LLMBaseURL:                     os.Getenv("LLM_BASE_URL"),
		LLMAPIKey:                      os.Getenv("LLM_API_KEY"),
		LLMModelName:                   getenv("LLM_MODEL_NAME", "stub-llm"),
		LLMModelVersion:                getenv("LLM_MODEL_VERSION", "0"),
	}
}
