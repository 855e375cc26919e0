package session

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/komacorner/koma-corner/services/bff/internal/domain"
)

// DefaultSubject carries auth events between BFF replicas.
const DefaultSubject = "koma.auth.events"

type EventType string

const (
	SignedIn       EventType = "SIGNED_IN"
	SignedOut      EventType = "SIGNED_OUT"
	TokenRefreshed EventType = "TOKEN_REFRESHED"
	UserUpdated    EventType = "USER_UPDATED"
	UserDeleted    EventType = "USER_DELETED"
)

// Event is an auth state change. Target is the browser session id the change
// belongs to; Origin identifies the coordinator that published it. Session is
// only delivered in-process and never leaves the replica.
type Event struct {
	Type       EventType            `json:"type"`
	Target     string               `json:"target,omitempty"`
	Origin     string               `json:"origin,omitempty"`
	UserID     string               `json:"user_id,omitempty"`
	User       *domain.UserIdentity `json:"user,omitempty"`
	Session    *domain.Session      `json:"-"`
	OccurredAt time.Time            `json:"occurred_at"`
}

// Bus fans auth events out to subscribers.
type Bus interface {
	Publish(Event) error
	Subscribe(func(Event)) (func(), error)
}

// LocalBus delivers events synchronously to in-process subscribers.
type LocalBus struct {
	mu   sync.RWMutex
	next int
	subs map[int]func(Event)
}

func NewLocalBus() *LocalBus {
	return &LocalBus{subs: make(map[int]func(Event))}
}

func (b *LocalBus) Publish(ev Event) error {
	b.mu.RLock()
	fns := make([]func(Event), 0, len(b.subs))
	for _, fn := range b.subs {
		fns = append(fns, fn)
	}
	b.mu.RUnlock()
	for _, fn := range fns {
		fn(ev)
	}
	return nil
}

func (b *LocalBus) Subscribe(fn func(Event)) (func(), error) {
	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = fn
	b.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
		})
	}, nil
}

// Subscribers returns the number of live subscriptions.
func (b *LocalBus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// NATSBus mirrors events across replicas. Local subscribers see every event
// published on this replica immediately, with its Session attached; events
// from other replicas arrive through the NATS subject without one.
type NATSBus struct {
	local   *LocalBus
	nc      *nats.Conn
	subject string
	sub     *nats.Subscription
	log     *zap.Logger
	// replica filters out our own messages echoed back by NATS.
	replica string
}

// NewNATSBus subscribes to subject on nc. A nil connection falls back to a LocalBus.
func NewNATSBus(nc *nats.Conn, subject, replica string, log *zap.Logger) (Bus, error) {
	if log == nil {
		log = zap.NewNop()
	}
	local := NewLocalBus()
	if nc == nil {
		return local, nil
	}
	if subject == "" {
		subject = DefaultSubject
	}
	b := &NATSBus{local: local, nc: nc, subject: subject, log: log, replica: replica}
	sub, err := nc.Subscribe(subject, b.receive)
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", subject, err)
	}
	b.sub = sub
	return b, nil
}

type wireEvent struct {
	Event
	Replica string `json:"replica"`
}

func (b *NATSBus) receive(msg *nats.Msg) {
	var w wireEvent
	if err := json.Unmarshal(msg.Data, &w); err != nil {
		b.log.Warn("auth bus: bad message", zap.String("subject", msg.Subject), zap.Error(err))
		return
	}
	if w.Replica == b.replica {
		return
	}
	_ = b.local.Publish(w.Event)
}

func (b *NATSBus) Publish(ev Event) error {
	_ = b.local.Publish(ev)
	data, err := json.Marshal(wireEvent{Event: ev, Replica: b.replica})
	if err != nil {
		return fmt.Errorf("marshal auth event: %w", err)
	}
	if err := b.nc.Publish(b.subject, data); err != nil {
		b.log.Warn("auth bus: publish failed", zap.String("type", string(ev.Type)), zap.Error(err))
		return err
	}
	return nil
}

func (b *NATSBus) Subscribe(fn func(Event)) (func(), error) {
	return b.local.Subscribe(fn)
}

// Close drops the NATS subscription.
func (b *NATSBus) Close() error {
	if b.sub == nil {
		return nil
	}
	return b.sub.Unsubscribe()
}
