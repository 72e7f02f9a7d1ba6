// Package testutil provides shared test infrastructure for integration tests
// that require a PostgreSQL or Redis container.
//
// Usage in TestMain:
//
//	func TestMain(m *testing.M) {
//	    tc := testutil.MustStartPostgres()
//	    defer tc.Terminate()
//	    testStore, _ = tc.NewTestAdapter(context.Background(), logger)
//	    os.Exit(m.Run())
//	}
package testutil

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/docker/go-connections/nat"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/mealforge/sentinel/internal/storage"
)

// TestContainer wraps a testcontainers container with a URL for connecting.
type TestContainer struct {
	Container testcontainers.Container
	DSN       string
}

// MustStartPostgres starts a PostgreSQL container. Calls os.Exit(1) on
// failure (suitable for TestMain).
func MustStartPostgres() *TestContainer {
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "postgres:17-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "sentinel",
			"POSTGRES_PASSWORD": "sentinel",
			"POSTGRES_DB":       "sentinel",
		},
		WaitingFor: wait.ForLog("database system is ready to accept connections").
			WithOccurrence(2).
			WithStartupTimeout(60 * time.Second),
	}

	container, host, port := mustStart(ctx, req, "5432/tcp")
	dsn := fmt.Sprintf("postgres://sentinel:sentinel@%s:%s/sentinel?sslmode=disable", host, port)
	return &TestContainer{Container: container, DSN: dsn}
}

// MustStartRedis starts a Redis container. Calls os.Exit(1) on failure.
func MustStartRedis() *TestContainer {
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "redis:7-alpine",
		ExposedPorts: []string{"6379/tcp"},
		WaitingFor:   wait.ForLog("Ready to accept connections").WithStartupTimeout(30 * time.Second),
	}

	container, host, port := mustStart(ctx, req, "6379/tcp")
	return &TestContainer{Container: container, DSN: fmt.Sprintf("redis://%s:%s/0", host, port)}
}

func mustStart(ctx context.Context, req testcontainers.ContainerRequest, exposed nat.Port) (testcontainers.Container, string, string) {
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "testutil: failed to start container: %v\n", err)
		os.Exit(1)
	}

	host, err := container.Host(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "testutil: failed to get container host: %v\n", err)
		os.Exit(1)
	}

	port, err := container.MappedPort(ctx, exposed)
	if err != nil {
		fmt.Fprintf(os.Stderr, "testutil: failed to get container port: %v\n", err)
		os.Exit(1)
	}
	return container, host, port.Port()
}

// NewTestAdapter opens a storage adapter forced onto this container's
// PostgreSQL. Migrations run as part of Open.
func (tc *TestContainer) NewTestAdapter(ctx context.Context, logger *slog.Logger) (*storage.Adapter, error) {
	a, err := storage.Open(ctx, storage.Config{
		Backend:     storage.BackendPostgres,
		DatabaseURL: tc.DSN,
		SQLitePath:  os.DevNull,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("testutil: open adapter: %w", err)
	}
	if a.Backend() != storage.BackendPostgres {
		_ = a.Close(ctx)
		return nil, fmt.Errorf("testutil: expected postgres backend, got %s", a.Backend())
	}
	return a, nil
}

// Terminate stops and removes the container.
func (tc *TestContainer) Terminate() {
	_ = tc.Container.Terminate(context.Background())
}

// TestLogger returns a logger configured for test output (warns only).
func TestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}
