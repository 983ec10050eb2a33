package storage

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tcmartin/flowcraft/pkg/config"
)

func TestNewProvider(t *testing.T) {
	memoryProvider, err := NewProvider(ProviderConfig{Type: MemoryProviderType})
	require.NoError(t, err)
	assert.IsType(t, &MemoryProvider{}, memoryProvider)

	_, err = NewProvider(ProviderConfig{Type: DynamoDBProviderType})
	assert.Error(t, err)

	_, err = NewProvider(ProviderConfig{Type: PostgreSQLProviderType})
	assert.Error(t, err)

	_, err = NewProvider(ProviderConfig{Type: "unknown"})
	assert.Error(t, err)
}

func TestProviderConfigFromConfig(t *testing.T) {
	cfg := config.DefaultConfig().Storage

	pc := ProviderConfigFromConfig(cfg)
	assert.Equal(t, MemoryProviderType, pc.Type)

	cfg.Type = "postgres"
	pc = ProviderConfigFromConfig(cfg)
	assert.Equal(t, PostgreSQLProviderType, pc.Type)
	require.NotNil(t, pc.PostgreSQL)
	assert.Equal(t, "flowcraft", pc.PostgreSQL.Database)

	cfg.Type = "dynamodb"
	cfg.DynamoDB.Endpoint = "http://localhost:8000"
	pc = ProviderConfigFromConfig(cfg)
	assert.Equal(t, DynamoDBProviderType, pc.Type)
	require.NotNil(t, pc.DynamoDB)
	assert.Equal(t, "http://localhost:8000", pc.DynamoDB.Endpoint)
	assert.Equal(t, "flowcraft_", pc.DynamoDB.TablePrefix)
}

func TestRunFilterPage(t *testing.T) {
	f := RunFilter{Offset: 5}
	assert.Empty(t, f.Page(nil))
}
