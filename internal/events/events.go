// Package events publishes room activity to Redis channels as a one-way
// firehose for external consumers (admin feeds, analytics, archival). The
// coordination core never reads these channels back into room state; there is
// exactly one authoritative replica per room.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/go-redis/redis/v8"

	"github.com/olivelliott/realtime-pm/internal/logger"
)

var log = logger.Component("events")

// Event types
const (
	StepsCommitted  = "steps-committed"
	PresenceUpdated = "presence-updated"
	ClientJoined    = "client-joined"
	ClientLeft      = "client-left"
	PresenceExpired = "presence-expired"
)

// Event is one room activity record.
type Event struct {
	Type     string          `json:"type"`
	RoomID   string          `json:"roomId"`
	ClientID string          `json:"clientId,omitempty"`
	Version  int             `json:"version,omitempty"`
	At       int64           `json:"at"`
	Instance string          `json:"instance,omitempty"`
	Payload  json.RawMessage `json:"payload,omitempty"`
}

// Sink receives room events. Emit must not block the caller on I/O.
type Sink interface {
	Emit(evt Event)
}

// Channel returns the Redis channel for a room's events.
func Channel(roomID string) string {
	return fmt.Sprintf("room-events:%s", roomID)
}

// channelPattern matches every room's event channel.
const channelPattern = "room-events:*"

// Publisher emits events to Redis. Publishing is best effort; failures are
// logged and dropped.
type Publisher struct {
	client     *redis.Client
	ctx        context.Context
	instanceID string
}

// NewPublisher connects to Redis and verifies the connection.
func NewPublisher(ctx context.Context, redisURL, instanceID string) (*Publisher, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse Redis URL: %w", err)
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to Redis: %w", err)
	}

	return &Publisher{client: client, ctx: ctx, instanceID: instanceID}, nil
}

// Emit publishes the event to the room's channel in the background.
func (p *Publisher) Emit(evt Event) {
	evt.Instance = p.instanceID
	data, err := json.Marshal(evt)
	if err != nil {
		log.Error("marshal event: %v", err)
		return
	}

	go func() {
		if err := p.client.Publish(p.ctx, Channel(evt.RoomID), data).Err(); err != nil {
			log.Warn("publish %s for room %s: %v", evt.Type, evt.RoomID, err)
		}
	}()
}

// Close closes the Redis connection.
func (p *Publisher) Close() error {
	return p.client.Close()
}

// Subscriber tails the firehose across all rooms.
type Subscriber struct {
	client *redis.Client
	ctx    context.Context
	cancel context.CancelFunc
}

// NewSubscriber connects to Redis for consuming events.
func NewSubscriber(ctx context.Context, redisURL string) (*Subscriber, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse Redis URL: %w", err)
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to Redis: %w", err)
	}

	subCtx, cancel := context.WithCancel(ctx)
	return &Subscriber{client: client, ctx: subCtx, cancel: cancel}, nil
}

// Run delivers every event to the handler until the context ends.
func (s *Subscriber) Run(handler func(Event)) {
	sub := s.client.PSubscribe(s.ctx, channelPattern)
	defer sub.Close()

	ch := sub.Channel()
	for {
		select {
		case <-s.ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var evt Event
			if err := json.Unmarshal([]byte(msg.Payload), &evt); err != nil {
				log.Debug("drop malformed event: %v", err)
				continue
			}
			handler(evt)
		}
	}
}

// Close stops the subscriber.
func (s *Subscriber) Close() error {
	s.cancel()
	return s.client.Close()
}

// Ring keeps the most recent events for inspection endpoints.
type Ring struct {
	mu  sync.RWMutex
	buf []Event
	max int
}

// NewRing creates a ring holding up to max events.
func NewRing(max int) *Ring {
	return &Ring{max: max}
}

// Add appends an event, dropping the oldest past capacity.
func (r *Ring) Add(evt Event) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.buf = append(r.buf, evt)
	if len(r.buf) > r.max {
		r.buf = r.buf[len(r.buf)-r.max:]
	}
}

// Recent returns the buffered events, oldest first.
func (r *Ring) Recent() []Event {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Event, len(r.buf))
	copy(out, r.buf)
	return out
}
