package config

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg := Load()
	require.Equal(t, "local", cfg.StorageMode)
	require.Equal(t, "memory", cfg.BusMode)
	require.Equal(t, "events", cfg.TopicEvents)
	require.Equal(t, 50, cfg.MaxPDFMB)
	require.Equal(t, 1500, cfg.ChunkMaxChars)
	require.Equal(t, 900, cfg.SignedURLExpiresSec)
	require.Equal(t, "none", cfg.AuthMode)
	require.False(t, cfg.EnableLLMPrimaryAxisSuggestion)
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("STORAGE_MODE", "s3")
	t.Setenv("S3_BUCKET", "regcore-evidence")
	t.Setenv("BUS_MODE", "redis")
	t.Setenv("REDIS_ADDR", "redis:6379")
	t.Setenv("MAX_PDF_MB", "10")
	t.Setenv("CHUNK_OVERLAP_CHARS", "not-a-number")
	t.Setenv("ENABLE_LLM_PRIMARY_AXIS_SUGGESTION", "true")
	t.Setenv("AUTH_MODE", "jwt_hs256")
	t.Setenv("JWT_HS256_SECRET", "s3cret")

	cfg := Load()
	require.Equal(t, "s3", cfg.StorageMode)
	require.Equal(t, "regcore-evidence", cfg.S3Bucket)
	require.Equal(t, "redis", cfg.BusMode)
	require.Equal(t, "redis:6379", cfg.RedisAddr)
	require.Equal(t, 10, cfg.MaxPDFMB)
	// Unparsable ints fall back to the default.
	require.Equal(t, 0, cfg.ChunkOverlapChars)
	require.True(t, cfg.EnableLLMPrimaryAxisSuggestion)
	require.Equal(t, "jwt_hs256", cfg.AuthMode)
	require.Equal(t, "s3cret", cfg.JWTHS256Secret)
}
