// Package progress publishes live run progress over Redis pub/sub, letting
// an external dashboard follow a run's board-completion percentage
// without polling the archive file.
package progress

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/go-redis/redis/v8"
)

// Update is one progress snapshot published to the run's channel.
type Update struct {
	RunID     string  `json:"run_id"`
	PoolID    int     `json:"pool_id"`
	Stage     int     `json:"stage"`
	Finished  int     `json:"finished"`
	Total     int     `json:"total"`
	Fraction  float64 `json:"fraction"`
}

// Publisher publishes Updates to a per-run Redis channel.
type Publisher struct {
	client  *redis.Client
	channel string
}

// NewPublisher connects to Redis at addr and binds to the channel for
// runID.
func NewPublisher(addr, password string, db int, runID string) *Publisher {
	return &Publisher{
		client:  redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db}),
		channel: fmt.Sprintf("mechanic:run:%s:progress", runID),
	}
}

// Publish sends one Update, dropping the value if no subscriber is
// listening (Redis pub/sub has no durability, which is the right
// semantics for a live-progress-only channel).
func (p *Publisher) Publish(ctx context.Context, u Update) error {
	data, err := json.Marshal(u)
	if err != nil {
		return fmt.Errorf("progress: marshal update: %w", err)
	}
	if err := p.client.Publish(ctx, p.channel, data).Err(); err != nil {
		return fmt.Errorf("progress: publish: %w", err)
	}
	return nil
}

// Close releases the underlying Redis client.
func (p *Publisher) Close() error {
	return p.client.Close()
}

// Subscriber receives Updates published to a run's channel, for use by an
// external consumer such as a dashboard backend; the mechanic CLI has no
// command that reads it.
type Subscriber struct {
	client *redis.Client
	sub    *redis.PubSub
}

// NewSubscriber connects to Redis and subscribes to runID's channel.
func NewSubscriber(ctx context.Context, addr, password string, db int, runID string) *Subscriber {
	client := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	channel := fmt.Sprintf("mechanic:run:%s:progress", runID)
	return &Subscriber{client: client, sub: client.Subscribe(ctx, channel)}
}

// Next blocks for the next Update, or returns an error if ctx is canceled
// or the subscription fails.
func (s *Subscriber) Next(ctx context.Context) (Update, error) {
	msg, err := s.sub.ReceiveMessage(ctx)
	if err != nil {
		return Update{}, fmt.Errorf("progress: receive: %w", err)
	}
	var u Update
	if err := json.Unmarshal([]byte(msg.Payload), &u); err != nil {
		return Update{}, fmt.Errorf("progress: unmarshal: %w", err)
	}
	return u, nil
}

// Close releases the subscription and underlying client.
func (s *Subscriber) Close() error {
	_ = s.sub.Close()
	return s.client.Close()
}
