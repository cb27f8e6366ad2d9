// Package testutil provides test helpers for integration tests that need a
// real PostgreSQL instance.
//
// One container is started per test binary; every NewPool call gets its own
// freshly migrated database inside it.
package testutil

import (
	"context"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/cory-johannsen/dolcore/internal/config"
	"github.com/cory-johannsen/dolcore/internal/storage/postgres"
)

var (
	containerOnce sync.Once
	containerCfg  config.DatabaseConfig
	containerErr  error
	dbSeq         atomic.Int64
)

// startContainer launches the shared PostgreSQL container. The testcontainers
// reaper removes it when the test binary exits.
func startContainer() (config.DatabaseConfig, error) {
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "postgres:16-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "test",
			"POSTGRES_PASSWORD": "test",
			"POSTGRES_DB":       "test",
		},
		WaitingFor: wait.ForLog("database system is ready to accept connections").
			WithOccurrence(2).
			WithStartupTimeout(30 * time.Second),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		return config.DatabaseConfig{}, fmt.Errorf("starting postgres container: %w", err)
	}
	host, err := container.Host(ctx)
	if err != nil {
		return config.DatabaseConfig{}, fmt.Errorf("getting container host: %w", err)
	}
	mappedPort, err := container.MappedPort(ctx, "5432")
	if err != nil {
		return config.DatabaseConfig{}, fmt.Errorf("getting mapped port: %w", err)
	}

	return config.DatabaseConfig{
		Host:            host,
		Port:            mappedPort.Int(),
		User:            "test",
		Password:        "test",
		Name:            "test",
		SSLMode:         "disable",
		MaxConns:        5,
		MinConns:        1,
		MaxConnLifetime: 5 * time.Minute,
	}, nil
}

// NewDatabase creates an empty, migrated database in the shared container and
// returns its connection settings. The test is skipped under -short.
//
// Precondition: Docker must be available.
// Postcondition: The database is dropped when the test ends.
func NewDatabase(t *testing.T) config.DatabaseConfig {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping postgres integration test in -short mode")
	}
	start := time.Now()

	containerOnce.Do(func() {
		containerCfg, containerErr = startContainer()
	})
	if containerErr != nil {
		t.Fatalf("%v", containerErr)
	}

	ctx := context.Background()
	admin, err := postgres.NewPool(ctx, containerCfg)
	if err != nil {
		t.Fatalf("connecting to test postgres: %v", err)
	}

	cfg := containerCfg
	cfg.Name = fmt.Sprintf("test_%d_%d", os.Getpid(), dbSeq.Add(1))
	if _, err := admin.DB().Exec(ctx, "CREATE DATABASE "+cfg.Name); err != nil {
		admin.Close()
		t.Fatalf("creating database %s: %v", cfg.Name, err)
	}
	t.Cleanup(func() {
		_, _ = admin.DB().Exec(context.Background(), "DROP DATABASE IF EXISTS "+cfg.Name+" WITH (FORCE)")
		admin.Close()
	})

	if err := postgres.MigrateUp(cfg.DSN()); err != nil {
		t.Fatalf("migrating %s: %v", cfg.Name, err)
	}
	t.Logf("database %s ready [%s]", cfg.Name, time.Since(start))
	return cfg
}

// NewPool returns a pool over a fresh migrated database.
func NewPool(t *testing.T) *pgxpool.Pool {
	t.Helper()
	cfg := NewDatabase(t)
	pool, err := postgres.NewPool(context.Background(), cfg)
	if err != nil {
		t.Fatalf("connecting to %s: %v", cfg.Name, err)
	}
	// Registered after NewDatabase's cleanup, so it runs before the drop.
	t.Cleanup(pool.Close)
	return pool.DB()
}
