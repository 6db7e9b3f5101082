package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestOpenAndMigrate_SQLite(t *testing.T) {
	db, err := Open(":memory:")
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	require.NoError(t, Migrate(context.Background(), db))
	// Repeated migration must be a no-op.
	require.NoError(t, Migrate(context.Background(), db))

	var n int
	require.NoError(t, db.Get(&n, `SELECT COUNT(*) FROM documents`))
	require.Zero(t, n)
}

func TestDriverFor(t *testing.T) {
	tests := []struct {
		url    string
		driver string
		dsn    string
	}{
		{"postgres://u:p@h:5432/db", "postgres", "postgres://u:p@h:5432/db"},
		{"postgresql://u@h/db", "postgres", "postgresql://u@h/db"},
		{"sqlite:///tmp/x.db", "sqlite", "/tmp/x.db"},
		{":memory:", "sqlite", ":memory:"},
	}
	for _, tt := range tests {
		driver, dsn := driverFor(tt.url)
		require.Equal(t, tt.driver, driver, tt.url)
		require.Equal(t, tt.dsn, dsn, tt.url)
	}
}

func TestTimeRoundTrip(t *testing.T) {
	now := time.Now()
	got := ParseTime(FormatTime(now))
	require.True(t, got.Equal(now))
	require.True(t, ParseTime("").IsZero())
	require.True(t, ParseTime("garbage").IsZero())
}
