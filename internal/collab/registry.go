package collab

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/olivelliott/realtime-pm/internal/events"
	"github.com/olivelliott/realtime-pm/internal/logger"
	"github.com/olivelliott/realtime-pm/internal/models"
	"github.com/olivelliott/realtime-pm/internal/ot"
)

var registryLog = logger.Component("registry")

// Registry owns the room table. Rooms are created lazily on first reference
// and each runs its own message loop; the registry's only job is routing
// inbound messages to the right loop and driving the global heartbeat.
type Registry struct {
	rooms map[string]*Room
	mu    sync.RWMutex

	schema      *ot.Schema
	store       SnapshotStore
	sink        events.Sink
	presenceTTL time.Duration

	InstanceID string
	ctx        context.Context
}

// NewRegistry creates a registry. store and sink may be nil.
func NewRegistry(ctx context.Context, schema *ot.Schema, store SnapshotStore, sink events.Sink, presenceTTL time.Duration) *Registry {
	return &Registry{
		rooms:       make(map[string]*Room),
		schema:      schema,
		store:       store,
		sink:        sink,
		presenceTTL: presenceTTL,
		InstanceID:  uuid.New().String(),
		ctx:         ctx,
	}
}

// GetOrCreateRoom returns the room, creating and starting it on first
// reference.
func (rg *Registry) GetOrCreateRoom(roomID string) (*Room, error) {
	rg.mu.Lock()
	defer rg.mu.Unlock()

	if room, exists := rg.rooms[roomID]; exists {
		return room, nil
	}

	room, err := newRoom(rg.ctx, roomID, rg.schema, rg.store, rg.sink, rg.presenceTTL)
	if err != nil {
		return nil, err
	}
	rg.rooms[roomID] = room

	go rg.runRoom(room)
	return room, nil
}

func (rg *Registry) runRoom(room *Room) {
	room.Run()

	rg.mu.Lock()
	delete(rg.rooms, room.ID)
	rg.mu.Unlock()
}

// GetRoom returns an existing room or nil.
func (rg *Registry) GetRoom(roomID string) *Room {
	rg.mu.RLock()
	defer rg.mu.RUnlock()
	return rg.rooms[roomID]
}

// RoomCount returns the number of live rooms.
func (rg *Registry) RoomCount() int {
	rg.mu.RLock()
	defer rg.mu.RUnlock()
	return len(rg.rooms)
}

// Dispatch routes one raw inbound payload to its room. Malformed payloads and
// messages without a room are dropped; the transport stays open.
func (rg *Registry) Dispatch(c *Client, raw []byte) {
	var msg models.Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		registryLog.Debug("drop malformed message: %v", err)
		return
	}
	if msg.RoomID == "" || msg.ClientID == "" {
		registryLog.Debug("drop %q message without room or client id", msg.Type)
		return
	}

	room, err := rg.GetOrCreateRoom(msg.RoomID)
	if err != nil {
		registryLog.Error("room %s: %v", msg.RoomID, err)
		return
	}
	room.enqueue(c, &msg)
}

// RunHeartbeat drives the global heartbeat: every interval, each room pings
// its clients and prunes stale presence. Blocks until ctx ends.
func (rg *Registry) RunHeartbeat(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			rg.mu.RLock()
			rooms := make([]*Room, 0, len(rg.rooms))
			for _, room := range rg.rooms {
				rooms = append(rooms, room)
			}
			rg.mu.RUnlock()

			for _, room := range rooms {
				room.tick(now)
			}
		}
	}
}

// CloseAll cancels every room loop.
func (rg *Registry) CloseAll() {
	rg.mu.Lock()
	defer rg.mu.Unlock()

	for _, room := range rg.rooms {
		room.cancel()
	}
}
