//go:build integration

package store

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"

	"github.com/redis/go-redis/v9"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// setupRedis starts a Redis container and returns a client
func setupRedis(t *testing.T) *redis.Client {
	t.Helper()
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "redis:7-alpine",
		ExposedPorts: []string{"6379/tcp"},
		WaitingFor:   wait.ForLog("Ready to accept connections"),
	}

	redisContainer, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		t.Fatalf("Failed to start Redis container: %v", err)
	}

	endpoint, err := redisContainer.Endpoint(ctx, "")
	if err != nil {
		t.Fatalf("Failed to get Redis endpoint: %v", err)
	}

	client := redis.NewClient(&redis.Options{
		Addr: endpoint,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		t.Fatalf("Failed to connect to Redis: %v", err)
	}

	t.Cleanup(func() {
		client.Close()
		redisContainer.Terminate(ctx)
	})

	return client
}

func TestRedisStore_Integration(t *testing.T) {
	client := setupRedis(t)

	// every sub-test gets its own namespace on the shared container
	var n atomic.Int64
	runStoreSuite(t, func(t *testing.T, quota int64) Store {
		return NewRedisStore(client, fmt.Sprintf("test%d", n.Add(1)), quota)
	})
}

func TestRedisStore_Integration_NamespaceIsolation(t *testing.T) {
	client := setupRedis(t)
	ctx := context.Background()

	a := NewRedisStore(client, "a", 0)
	b := NewRedisStore(client, "b", 0)

	if err := a.Put(ctx, "key", []byte("from a")); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	if _, err := b.Get(ctx, "key"); err != ErrNotFound {
		t.Errorf("Expected ErrNotFound from other namespace, got %v", err)
	}

	keys, err := b.Keys(ctx)
	if err != nil {
		t.Fatalf("Keys failed: %v", err)
	}
	if len(keys) != 0 {
		t.Errorf("Expected no keys in namespace b, got %v", keys)
	}
}
