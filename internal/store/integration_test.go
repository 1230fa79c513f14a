//go:build integration

package store

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	"go.uber.org/zap"

	"github.com/xkilldash9x/logdiag/internal/config"
)

func TestIntegration_PostgresRoundTrip(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	ctx := context.Background()

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "postgres:16-alpine",
			ExposedPorts: []string{"5432/tcp"},
			Env: map[string]string{
				"POSTGRES_USER":     "logdiag",
				"POSTGRES_PASSWORD": "logdiag",
				"POSTGRES_DB":       "logdiag",
			},
			WaitingFor: wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60 * time.Second),
		},
		Started: true,
	})
	require.NoError(t, err)
	defer container.Terminate(ctx)

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "5432/tcp")
	require.NoError(t, err)

	pool, err := NewPostgresPool(ctx, config.DatabaseConfig{
		URL:      fmt.Sprintf("postgres://logdiag:logdiag@%s:%s/logdiag?sslmode=disable", host, port.Port()),
		MaxConns: 4,
	})
	require.NoError(t, err)
	s, err := NewPostgres(ctx, pool, 2, zap.NewNop())
	require.NoError(t, err)
	defer s.Close()
	require.NoError(t, s.EnsureSchema(ctx))

	base := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		require.NoError(t, s.Save(ctx, sampleResult(fmt.Sprintf("r%d", i), base.Add(time.Duration(i)*time.Hour))))
	}

	list, err := s.List(ctx, 0)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "r2", list[0].ID)

	got, err := s.Get(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, "job-r1", got.JobID)
	assert.Len(t, got.RelevantCodeFiles, 1)

	require.NoError(t, s.Delete(ctx, "r1"))
	_, err = s.Get(ctx, "r1")
	assert.ErrorIs(t, err, ErrNotFound)
}
