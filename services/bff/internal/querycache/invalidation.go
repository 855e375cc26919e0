package querycache

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// InvalidationMessage is the payload on the invalidation subject. Bucket "ALL"
// clears every bucket; an empty Key drops the whole bucket.
type InvalidationMessage struct {
	Bucket string `json:"bucket"`
	Key    string `json:"key,omitempty"`
}

// Apply executes m against the cache.
func (c *Cache) Apply(ctx context.Context, m InvalidationMessage) int {
	switch {
	case strings.EqualFold(m.Bucket, "ALL"):
		c.Clear(ctx)
		return 0
	case m.Key == "":
		return c.Invalidate(ctx, m.Bucket, nil)
	default:
		return c.Invalidate(ctx, m.Bucket, func(k string, _ Entry) bool { return k == m.Key })
	}
}

// SubscribeInvalidation applies invalidation messages published on subject. A nil
// connection yields a nil subscription.
func (c *Cache) SubscribeInvalidation(nc *nats.Conn, subject string) (*nats.Subscription, error) {
	if nc == nil || subject == "" {
		return nil, nil
	}
	return nc.Subscribe(subject, func(msg *nats.Msg) {
		var m InvalidationMessage
		if err := json.Unmarshal(msg.Data, &m); err != nil {
			c.log.Warn("query cache: bad invalidation message", zap.String("subject", subject), zap.Error(err))
			return
		}
		n := c.Apply(context.Background(), m)
		c.log.Debug("query cache invalidated", zap.String("bucket", m.Bucket), zap.Int("removed", n))
	})
}
