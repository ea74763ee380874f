package store

import (
	"context"
	"fmt"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

func TestPostgres(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping postgres container in short mode")
	}
	testcontainers.SkipIfProviderIsNotHealthy(t)

	ctx := context.Background()
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "postgres:16-alpine",
			ExposedPorts: []string{"5432/tcp"},
			Env: map[string]string{
				"POSTGRES_USER":     "escrow",
				"POSTGRES_PASSWORD": "escrow",
				"POSTGRES_DB":       "escrow",
			},
			WaitingFor: wait.ForLog("database system is ready to accept connections").WithOccurrence(2),
		},
		Started: true,
	})
	testcontainers.CleanupContainer(t, container)
	if err != nil {
		t.Fatalf("%+v", errors.WithStack(err))
	}

	endpoint, err := container.Endpoint(ctx, "")
	if err != nil {
		t.Fatalf("%+v", errors.WithStack(err))
	}

	db := 0
	runSuite(t, func(t *testing.T) Store {
		// each subtest gets its own database so ids start at 1
		db++
		name := fmt.Sprintf("suite_%d", db)
		admin, err := NewPostgres(ctx, fmt.Sprintf("postgres://escrow:escrow@%s/escrow?sslmode=disable", endpoint))
		require.NoError(t, err)
		_, err = admin.pool.Exec(ctx, "CREATE DATABASE "+name)
		admin.Close()
		require.NoError(t, err)

		s, err := NewPostgres(ctx, fmt.Sprintf("postgres://escrow:escrow@%s/%s?sslmode=disable", endpoint, name))
		require.NoError(t, err)
		t.Cleanup(s.Close)
		return s
	})
}
