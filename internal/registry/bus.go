package registry

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// DefaultInvalidationChannel is the Redis channel tool changes are announced on.
const DefaultInvalidationChannel = "agentguard:tools:invalidate"

// Invalidator fans tool cache invalidations out to every gateway instance.
type Invalidator interface {
	Publish(ctx context.Context, tenantID, name string) error
	// Subscribe blocks until ctx is done, calling onInvalidate for every
	// announced change and onResync whenever messages may have been missed.
	Subscribe(ctx context.Context, onInvalidate func(tenantID, name string), onResync func())
}

type invalidation struct {
	TenantID string `json:"tenant_id"`
	Tool     string `json:"tool"`
}

// RedisBus is an Invalidator over Redis pub/sub.
type RedisBus struct {
	rdb          *redis.Client
	channel      string
	logger       *zap.Logger
	reconnectGap time.Duration
	healthCheck  time.Duration // idle time before the connection is pinged
}

// NewRedisBus creates a bus on the given channel (DefaultInvalidationChannel if empty).
func NewRedisBus(rdb *redis.Client, channel string, logger *zap.Logger) *RedisBus {
	if channel == "" {
		channel = DefaultInvalidationChannel
	}
	return &RedisBus{rdb: rdb, channel: channel, logger: logger, reconnectGap: time.Second, healthCheck: 15 * time.Second}
}

// Publish announces that the cached entry for tenantID/name is stale.
func (b *RedisBus) Publish(ctx context.Context, tenantID, name string) error {
	payload, err := json.Marshal(invalidation{TenantID: tenantID, Tool: name})
	if err != nil {
		return err
	}
	return b.rdb.Publish(ctx, b.channel, payload).Err()
}

// Subscribe keeps a subscription alive across Redis restarts. The client
// resubscribes on its own after a dropped connection; every subscribe
// confirmation, the first included, triggers onResync because anything
// published while the connection was down is gone.
func (b *RedisBus) Subscribe(ctx context.Context, onInvalidate func(tenantID, name string), onResync func()) {
	pubsub := b.rdb.Subscribe(ctx, b.channel)
	defer pubsub.Close()

	for {
		msg, err := pubsub.ReceiveTimeout(ctx, b.healthCheck)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				// A half-open connection only shows up when written to.
				if err := pubsub.Ping(ctx); err != nil && ctx.Err() == nil {
					b.logger.Warn("tool invalidation health check failed",
						zap.String("channel", b.channel),
						zap.Error(err),
					)
				}
				continue
			}
			b.logger.Error("tool invalidation connection lost",
				zap.String("channel", b.channel),
				zap.Error(err),
			)
			if !sleepCtx(ctx, b.reconnectGap) {
				return
			}
			continue
		}

		switch m := msg.(type) {
		case *redis.Subscription:
			if m.Kind != "subscribe" {
				continue
			}
			onResync()
			b.logger.Info("tool invalidation listener subscribed", zap.String("channel", b.channel))
		case *redis.Message:
			var inv invalidation
			if err := json.Unmarshal([]byte(m.Payload), &inv); err != nil || inv.TenantID == "" {
				b.logger.Warn("invalid tool invalidation message", zap.String("payload", m.Payload))
				continue
			}
			onInvalidate(inv.TenantID, inv.Tool)
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
