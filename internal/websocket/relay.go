package websocket

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shelfscan/api/internal/logging"
	"github.com/shelfscan/api/internal/model"
	"go.uber.org/zap"
)

// EventsChannel is the Redis pub/sub channel carrying job updates between
// worker processes and the API servers that hold the sockets.
const EventsChannel = "jobs:events"

const publishTimeout = 2 * time.Second

// RedisPublisher forwards job updates to EventsChannel
type RedisPublisher struct {
	client *redis.Client
	logger *zap.Logger
}

func NewRedisPublisher(client *redis.Client, logger *zap.Logger) *RedisPublisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisPublisher{client: client, logger: logger}
}

// JobUpdated publishes the job without its submitted payload.
func (p *RedisPublisher) JobUpdated(job *model.Job) {
	event := *job
	event.Payload = model.JobPayload{}

	data, err := json.Marshal(&event)
	if err != nil {
		p.logger.Error("failed to encode job event", zap.String(logging.FieldJobID, job.ID), zap.Error(err))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	if err := p.client.Publish(ctx, EventsChannel, data).Err(); err != nil {
		p.logger.Warn("failed to publish job event", zap.String(logging.FieldJobID, job.ID), zap.Error(err))
	}
}

// Relay feeds published job updates into the hub until ctx ends.
func (h *Hub) Relay(ctx context.Context, client *redis.Client) error {
	sub := client.Subscribe(ctx, EventsChannel)
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		return err
	}

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var job model.Job
			if err := json.Unmarshal([]byte(msg.Payload), &job); err != nil {
				h.logger.Warn("dropping malformed job event", zap.Error(err))
				continue
			}
			h.JobUpdated(&job)
		}
	}
}
