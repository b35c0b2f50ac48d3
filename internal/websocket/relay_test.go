package websocket

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shelfscan/api/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestRelay_DeliversPublishedUpdates(t *testing.T) {
	addr := os.Getenv("IDENTIFY_REDIS_ADDR_INTEGRATION")
	if addr == "" {
		t.Skip("IDENTIFY_REDIS_ADDR_INTEGRATION not set")
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	t.Cleanup(func() { _ = client.Close() })

	h, _ := startHub(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = h.Relay(ctx, client) }()

	c := &Client{JobID: "relayed", Send: make(chan []byte, 4)}
	require.True(t, h.Register(c))

	pub := NewRedisPublisher(client, zaptest.NewLogger(t))
	// the subscription may not be live yet, so publish until something arrives
	require.Eventually(t, func() bool {
		pub.JobUpdated(&model.Job{
			ID:      "relayed",
			Status:  model.JobStatusRunning,
			Payload: model.JobPayload{Barcodes: "123"},
		})
		select {
		case data := <-c.Send:
			assert.Contains(t, string(data), `"status":"running"`)
			return true
		case <-time.After(50 * time.Millisecond):
			return false
		}
	}, 3*time.Second, 10*time.Millisecond)
}
