// Package testing provides testcontainers-based PostgreSQL setup for
// integration tests.
//
// Tests using this package should carry the integration build tag so the
// default test run stays container-free:
//
//	//go:build integration
package testing

import (
	"context"
	"fmt"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// ContainerCleanup terminates a test container. Call it in defer.
type ContainerCleanup func()

// PostgresConfig holds configuration for the PostgreSQL testcontainer.
type PostgresConfig struct {
	// Image is the Docker image to use (default: "postgres:16-alpine")
	Image string
	// Username is the PostgreSQL superuser username (default: "postgres")
	Username string
	// Password is the PostgreSQL superuser password (default: "postgres")
	Password string
	// Database is the default database to create (default: "orbital_test")
	Database string
	// StartupTimeout is the maximum time to wait for readiness (default: 60s)
	StartupTimeout time.Duration
}

// DefaultPostgresConfig returns the default PostgreSQL test configuration.
func DefaultPostgresConfig() PostgresConfig {
	return PostgresConfig{
		Image:          "postgres:16-alpine",
		Username:       "postgres",
		Password:       "postgres",
		Database:       "orbital_test",
		StartupTimeout: 60 * time.Second,
	}
}

// SetupPostgres starts an ephemeral PostgreSQL container and returns its
// connection string plus a cleanup function. The wait strategy matches the
// PostgreSQL startup sequence, which logs readiness twice (once during
// initdb, once when the real server comes up).
func SetupPostgres(ctx context.Context, config *PostgresConfig) (string, ContainerCleanup, error) {
	if config == nil {
		defaultConfig := DefaultPostgresConfig()
		config = &defaultConfig
	}

	req := testcontainers.ContainerRequest{
		Image:        config.Image,
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     config.Username,
			"POSTGRES_PASSWORD": config.Password,
			"POSTGRES_DB":       config.Database,
		},
		WaitingFor: wait.ForLog("database system is ready to accept connections").
			WithOccurrence(2).
			WithStartupTimeout(config.StartupTimeout),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		return "", func() {}, fmt.Errorf("failed to start PostgreSQL container: %w", err)
	}

	cleanup := func() {
		if err := container.Terminate(ctx); err != nil {
			fmt.Printf("warning: failed to terminate PostgreSQL container: %v\n", err)
		}
	}

	host, err := container.Host(ctx)
	if err != nil {
		cleanup()
		return "", func() {}, fmt.Errorf("failed to get container host: %w", err)
	}

	port, err := container.MappedPort(ctx, "5432")
	if err != nil {
		cleanup()
		return "", func() {}, fmt.Errorf("failed to get mapped port: %w", err)
	}

	connStr := fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable",
		config.Username, config.Password, host, port.Port(), config.Database)

	return connStr, cleanup, nil
}
