//go:build integration

package transport

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

func setupNATS(t *testing.T) string {
	t.Helper()
	ctx := context.Background()

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "nats:2-alpine",
			ExposedPorts: []string{"4222/tcp"},
			WaitingFor:   wait.ForLog("Server is ready"),
		},
		Started: true,
	})
	if err != nil {
		t.Fatalf("failed to start nats container: %v", err)
	}
	t.Cleanup(func() {
		if err := testcontainers.TerminateContainer(container); err != nil {
			t.Logf("failed to terminate container: %v", err)
		}
	})

	endpoint, err := container.PortEndpoint(ctx, "4222/tcp", "nats")
	if err != nil {
		t.Fatalf("failed to get nats endpoint: %v", err)
	}
	return endpoint
}

func TestNATS_PublishSubscribe(t *testing.T) {
	url := setupNATS(t)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	tr, err := New(Config{Kind: "nats", Brokers: []string{url}}, logger)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer tr.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	got := make(chan Message, 1)
	go func() {
		_ = tr.Subscribe(ctx, []string{"eu.nebulouscloud.forecasting.start_forecasting.exponentialsmoothing"}, func(_ context.Context, msg Message) {
			got <- msg
		})
	}()

	// subscriptions are registered asynchronously; publish until one is delivered
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		if err := tr.Publish(ctx, "eu.nebulouscloud.forecasting.start_forecasting.exponentialsmoothing", []byte(`{"metrics":["cpu"]}`)); err != nil {
			t.Fatalf("Publish() error = %v", err)
		}
		select {
		case msg := <-got:
			if string(msg.Payload) != `{"metrics":["cpu"]}` {
				t.Errorf("payload = %s", msg.Payload)
			}
			return
		case <-ticker.C:
		case <-ctx.Done():
			t.Fatal("message not delivered")
		}
	}
}

func TestNATS_PublishAfterCloseIsConnectivityError(t *testing.T) {
	url := setupNATS(t)

	tr, err := NewNATS(Config{Brokers: []string{url}, ConnectTimeout: 5 * time.Second}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := tr.Close(); err != nil {
		t.Fatal(err)
	}

	err = tr.Publish(context.Background(), "x", []byte("y"))
	if !IsConnectivityError(err) {
		t.Errorf("Publish() after Close = %v, want connectivity error", err)
	}
}
