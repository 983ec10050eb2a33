package storage

import (
	"os"
	"strconv"
	"testing"

	"github.com/joho/godotenv"
	"github.com/stretchr/testify/require"
)

func init() {
	// Load .env file from project root
	_ = godotenv.Load("../../.env")
}

// TestPostgreSQLProvider tests the PostgreSQL provider
// Note: This test requires a PostgreSQL instance
// It will be skipped if the required environment variables are not set
func TestPostgreSQLProvider(t *testing.T) {
	host := os.Getenv("POSTGRES_HOST")
	user := os.Getenv("POSTGRES_USER")
	password := os.Getenv("POSTGRES_PASSWORD")
	dbName := os.Getenv("POSTGRES_DB")

	if host == "" || user == "" || password == "" || dbName == "" {
		t.Skip("Skipping PostgreSQL tests as credentials are not set")
	}

	port := 5432
	if p, err := strconv.Atoi(os.Getenv("POSTGRES_PORT")); err == nil {
		port = p
	}

	provider, err := NewPostgreSQLProvider(PostgreSQLProviderConfig{
		Host:     host,
		Port:     port,
		User:     user,
		Password: password,
		Database: dbName,
		SSLMode:  "disable",
	})
	require.NoError(t, err)
	defer provider.Close()

	runProviderSuite(t, provider)
}
