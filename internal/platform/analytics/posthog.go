package analytics

import (
	"time"

	ph "github.com/posthog/posthog-go"
	"go.uber.org/zap"
)

// PostHog wraps posthog-go as a Capturer.
type PostHog struct {
	ph  ph.Client
	log *zap.Logger
}

// NewPostHog creates a PostHog sink. host is the PostHog endpoint (cloud or self-hosted).
func NewPostHog(apiKey, host string, flushInterval time.Duration, batchSize int, log *zap.Logger) (*PostHog, error) {
	if log == nil {
		log = zap.NewNop()
	}
	client, err := ph.NewWithConfig(apiKey, ph.Config{
		Endpoint:  host,
		BatchSize: batchSize,
		Interval:  flushInterval,
		Logger:    &zapLogger{log: log},
	})
	if err != nil {
		return nil, err
	}
	return &PostHog{ph: client, log: log}, nil
}

// Capture enqueues a single event. distinctID is the user id or "anonymous".
func (c *PostHog) Capture(distinctID, event string, props map[string]any) {
	if c == nil || c.ph == nil {
		return
	}
	p := ph.NewProperties()
	for k, v := range props {
		p.Set(k, v)
	}
	if err := c.ph.Enqueue(ph.Capture{
		DistinctId: distinctID,
		Event:      event,
		Properties: p,
	}); err != nil {
		c.log.Warn("posthog: enqueue failed", zap.String("event", event), zap.Error(err))
	}
}

// Close flushes buffered events.
func (c *PostHog) Close() error {
	if c == nil || c.ph == nil {
		return nil
	}
	return c.ph.Close()
}

type zapLogger struct {
	log *zap.Logger
}

func (z *zapLogger) Debugf(format string, args ...any) { z.log.Sugar().Debugf(format, args...) }
func (z *zapLogger) Logf(format string, args ...any)   { z.log.Sugar().Infof(format, args...) }
func (z *zapLogger) Warnf(format string, args ...any)  { z.log.Sugar().Warnf(format, args...) }
func (z *zapLogger) Errorf(format string, args ...any) { z.log.Sugar().Errorf(format, args...) }
