// Package analytics tracks product events. Tracking is gated by the "analytics"
// feature flag: when it is off events are only debug-logged.
package analytics

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// SubjectPrefix is prepended to the event name to form the NATS subject.
const SubjectPrefix = "analytics.koma."

// Event names emitted by the BFF.
const (
	EventDashboardLoaded = "dashboard_loaded"
	EventSignedIn        = "signed_in"
	EventSignedOut       = "signed_out"
	EventSearch          = "search_performed"
	EventTitleViewed     = "title_viewed"
)

// Event is the canonical envelope sent to analytics.koma.* subjects.
type Event struct {
	EventID    string         `json:"event_id"`
	EventName  string         `json:"event_name"`
	UserID     string         `json:"user_id,omitempty"`
	OccurredAt time.Time      `json:"occurred_at"`
	Properties map[string]any `json:"properties,omitempty"`
}

// Capturer is the subset of the PostHog client the publisher needs.
type Capturer interface {
	Capture(distinctID, event string, props map[string]any)
}

// Publisher fans events out to NATS JetStream and an optional Capturer.
// A nil *Publisher is a safe no-op.
type Publisher struct {
	enabled bool
	js      nats.JetStreamContext
	sink    Capturer
	log     *zap.Logger
}

// New creates a Publisher. js and sink may be nil.
func New(enabled bool, js nats.JetStreamContext, sink Capturer, log *zap.Logger) *Publisher {
	if log == nil {
		log = zap.NewNop()
	}
	return &Publisher{enabled: enabled, js: js, sink: sink, log: log}
}

// Enabled reports whether the analytics flag is on.
func (p *Publisher) Enabled() bool {
	return p != nil && p.enabled
}

// Track records an event fire-and-forget. Failures are logged and never surface.
func (p *Publisher) Track(name, userID string, props map[string]any) {
	if p == nil {
		return
	}
	ev := Event{
		EventID:    uuid.NewString(),
		EventName:  name,
		UserID:     userID,
		OccurredAt: time.Now().UTC(),
		Properties: props,
	}
	if !p.enabled {
		p.log.Debug("analytics", zap.String("event", name), zap.Any("properties", props))
		return
	}
	p.log.Info("analytics", zap.String("event", name), zap.String("event_id", ev.EventID))

	if p.js != nil {
		data, err := json.Marshal(ev)
		if err != nil {
			p.log.Warn("analytics: marshal failed", zap.String("event", name), zap.Error(err))
		} else if _, err := p.js.PublishAsync(subjectFor(name), data); err != nil {
			p.log.Warn("analytics: publish failed", zap.String("event", name), zap.Error(err))
		}
	}
	if p.sink != nil {
		distinct := userID
		if distinct == "" {
			distinct = "anonymous"
		}
		p.sink.Capture(distinct, name, props)
	}
}

func subjectFor(name string) string {
	name = strings.ToLower(strings.TrimSpace(name))
	name = strings.NewReplacer(" ", "_", ".", "_").Replace(name)
	return SubjectPrefix + name
}
