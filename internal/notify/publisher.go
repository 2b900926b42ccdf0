// Package notify fans transition events out over Redis pub/sub for dashboards
// and downstream consumers. Strictly best-effort: the engine logs and moves on
// when publishing fails.
package notify

import (
	"context"
	"time"

	"github.com/goccy/go-json"
	"github.com/gomodule/redigo/redis"

	"github.com/obralink/foreman/pkg/models"
)

// Channel names published to.
const (
	TransitionsChannel = "foreman.transitions"
	ClosuresChannel    = "foreman.sessions.closed"
)

// Publisher publishes engine events to Redis.
type Publisher struct {
	pool *redis.Pool
}

// NewPublisher creates a publisher with a small idle pool.
func NewPublisher(addr string) *Publisher {
	return &Publisher{
		pool: &redis.Pool{
			MaxIdle:     3,
			IdleTimeout: 240 * time.Second,
			DialContext: func(ctx context.Context) (redis.Conn, error) {
				return redis.DialContext(ctx, "tcp", addr)
			},
			TestOnBorrow: func(c redis.Conn, t time.Time) error {
				if time.Since(t) < time.Minute {
					return nil
				}
				_, err := c.Do("PING")
				return err
			},
		},
	}
}

// Close releases the connection pool.
func (p *Publisher) Close() error {
	return p.pool.Close()
}

// TransitionExecuted publishes one committed transition record.
func (p *Publisher) TransitionExecuted(ctx context.Context, rec *models.TransitionRecord) error {
	return p.publish(ctx, TransitionsChannel, rec)
}

// SessionClosed publishes a terminal session snapshot.
func (p *Publisher) SessionClosed(ctx context.Context, sess *models.Session) error {
	return p.publish(ctx, ClosuresChannel, sess)
}

func (p *Publisher) publish(ctx context.Context, channel string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	conn, err := p.pool.GetContext(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()
	_, err = conn.Do("PUBLISH", channel, data)
	return err
}
