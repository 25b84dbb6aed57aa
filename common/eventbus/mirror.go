package eventbus

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/praxis-ai/praxis/common/logger"
)

// RedisMirror forwards every bus event to a per-run Redis pub/sub channel
// so external sinks (WebSocket fanout, persisted event log) can follow a
// run without coupling to the in-process bus.
type RedisMirror struct {
	redis *redis.Client
	log   *logger.Logger
}

// NewRedisMirror creates a mirror and attaches it to the bus.
func NewRedisMirror(bus *Bus, redisClient *redis.Client, log *logger.Logger) *RedisMirror {
	m := &RedisMirror{redis: redisClient, log: log}
	bus.Subscribe(TopicAll, m.forward)
	return m
}

// Channel returns the pub/sub channel name for a run.
func Channel(runID string) string {
	return fmt.Sprintf("workflow:events:%s", runID)
}

func (m *RedisMirror) forward(ev Envelope) {
	data, err := json.Marshal(ev)
	if err != nil {
		m.log.Error("failed to marshal event for mirror", "topic", ev.Topic, "error", err)
		return
	}

	// Fire-and-forget: a slow or absent Redis must not stall the engine.
	if err := m.redis.Publish(context.Background(), Channel(ev.RunID), data).Err(); err != nil {
		m.log.Warn("failed to mirror event", "topic", ev.Topic, "run_id", ev.RunID, "error", err)
	}
}
