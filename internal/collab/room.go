package collab

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/olivelliott/realtime-pm/internal/events"
	"github.com/olivelliott/realtime-pm/internal/logger"
	"github.com/olivelliott/realtime-pm/internal/models"
	"github.com/olivelliott/realtime-pm/internal/ot"
)

var roomLog = logger.Component("room")

// Snapshot is a persisted document state.
type Snapshot struct {
	Version int
	Doc     json.RawMessage
}

// SnapshotStore persists room snapshots. A nil store disables persistence.
type SnapshotStore interface {
	SaveSnapshot(ctx context.Context, roomID string, version int, doc json.RawMessage) error
	LatestSnapshot(ctx context.Context, roomID string) (*Snapshot, error)
}

// autosave cadence for rooms with a configured store.
const saveInterval = 5 * time.Second

type inbound struct {
	client *Client
	msg    *models.Message
}

type disconnected struct {
	clientID string
	client   *Client
}

// Room is the unit of collaboration: one authoritative document, one version
// counter, one history, one client set, one presence store. All state is
// owned by the room's message loop; every mutation enters through the mailbox
// channels, so message handling is serialized in arrival order.
type Room struct {
	ID string

	schema      *ot.Schema
	doc         *ot.Doc
	version     int
	history     []models.StepBatch
	historyBase int // versions below this were restored from a snapshot and are not replayable

	clients  map[string]*Client
	presence *PresenceStore

	store       SnapshotStore
	sink        events.Sink
	presenceTTL time.Duration

	mailbox     chan inbound
	disconnects chan disconnected
	ticks       chan time.Time

	ctx    context.Context
	cancel context.CancelFunc
	now    func() time.Time

	lastSaved int
}

func newRoom(ctx context.Context, id string, schema *ot.Schema, store SnapshotStore, sink events.Sink, presenceTTL time.Duration) (*Room, error) {
	doc, err := ot.EmptyDoc(schema)
	if err != nil {
		return nil, fmt.Errorf("empty doc: %w", err)
	}

	roomCtx, cancel := context.WithCancel(ctx)
	r := &Room{
		ID:          id,
		schema:      schema,
		doc:         doc,
		clients:     make(map[string]*Client),
		presence:    NewPresenceStore(),
		store:       store,
		sink:        sink,
		presenceTTL: presenceTTL,
		mailbox:     make(chan inbound, 256),
		disconnects: make(chan disconnected, 64),
		ticks:       make(chan time.Time, 1),
		ctx:         roomCtx,
		cancel:      cancel,
		now:         time.Now,
	}

	if store != nil {
		if err := r.restore(ctx); err != nil {
			cancel()
			return nil, err
		}
	}
	return r, nil
}

// restore loads the latest persisted snapshot, if any. History before the
// restored version is gone; the history floor moves up with it.
func (r *Room) restore(ctx context.Context) error {
	snap, err := r.store.LatestSnapshot(ctx, r.ID)
	if err != nil {
		return fmt.Errorf("load snapshot: %w", err)
	}
	if snap == nil {
		return nil
	}

	doc, err := ot.DocFromJSON(r.schema, snap.Doc)
	if err != nil {
		return fmt.Errorf("decode snapshot: %w", err)
	}
	r.doc = doc
	r.version = snap.Version
	r.historyBase = snap.Version
	r.lastSaved = snap.Version
	roomLog.Info("room %s restored at version %d", r.ID, snap.Version)
	return nil
}

// Run is the room's message loop. Everything that touches room state happens
// here, one message at a time.
func (r *Room) Run() {
	saveTimer := time.NewTicker(saveInterval)
	defer saveTimer.Stop()

	for {
		select {
		case <-r.ctx.Done():
			r.cleanup()
			return

		case in := <-r.mailbox:
			r.handleMessage(in.client, in.msg)

		case d := <-r.disconnects:
			r.handleDisconnect(d.clientID, d.client)

		case now := <-r.ticks:
			r.handleTick(now)

		case <-saveTimer.C:
			if r.store != nil && r.version > r.lastSaved {
				r.saveSnapshot()
			}
		}
	}
}

// enqueue posts an inbound message to the mailbox.
func (r *Room) enqueue(c *Client, msg *models.Message) {
	select {
	case r.mailbox <- inbound{client: c, msg: msg}:
	case <-r.ctx.Done():
	}
}

// disconnect tells the room a socket died.
func (r *Room) disconnect(clientID string, c *Client) {
	select {
	case r.disconnects <- disconnected{clientID: clientID, client: c}:
	case <-r.ctx.Done():
	}
}

// tick posts a heartbeat tick; a tick already pending is enough.
func (r *Room) tick(now time.Time) {
	select {
	case r.ticks <- now:
	default:
	}
}

// handleMessage dispatches one inbound message. Unknown types are dropped.
func (r *Room) handleMessage(c *Client, msg *models.Message) {
	switch msg.Type {
	case models.MsgTypeJoin:
		r.handleJoin(c, msg)
	case models.MsgTypeLeave:
		r.handleLeave(msg.ClientID)
	case models.MsgTypeSteps:
		r.handleSteps(c, msg)
	case models.MsgTypePresence:
		r.handlePresence(msg)
	case models.MsgTypeDocRequest:
		r.handleDocRequest(c, msg.ClientID)
	case models.MsgTypeHistoryRequest:
		r.handleHistoryRequest(c, msg)
	case models.MsgTypePong:
		r.handlePong(msg.ClientID)
	default:
		roomLog.Debug("room %s: ignoring message type %q", r.ID, msg.Type)
	}
}

// handleJoin registers the socket under the supplied clientId (last writer
// wins), announces the join to the rest of the room, and brings the joiner up
// to date with a document snapshot followed by the presence snapshot.
func (r *Room) handleJoin(c *Client, msg *models.Message) {
	clientID := msg.ClientID

	if prev, ok := r.clients[clientID]; ok && prev != c {
		prev.trackLeave(r.ID)
	}
	r.clients[clientID] = c
	c.trackJoin(r.ID, clientID)

	r.broadcast(&models.Message{
		Type:     models.MsgTypeJoin,
		RoomID:   r.ID,
		ClientID: clientID,
	}, clientID)

	r.sendDocSnapshot(c, clientID)
	c.WriteMessage(&models.Message{
		Type:      models.MsgTypePresenceSnapshot,
		RoomID:    r.ID,
		ClientID:  clientID,
		Presences: r.presence.Entries(),
	})

	r.emit(events.Event{Type: events.ClientJoined, RoomID: r.ID, ClientID: clientID})
	roomLog.Info("client %s joined room %s (total: %d)", clientID, r.ID, len(r.clients))

	if msg.Presence != nil {
		r.handlePresence(&models.Message{
			Type:     models.MsgTypePresence,
			RoomID:   r.ID,
			ClientID: clientID,
			Presence: msg.Presence,
		})
	}
}

// handleLeave removes the client and tells the room.
func (r *Room) handleLeave(clientID string) {
	if c, ok := r.clients[clientID]; ok {
		c.trackLeave(r.ID)
		delete(r.clients, clientID)
	}
	r.presence.Remove(clientID)

	r.broadcast(&models.Message{
		Type:     models.MsgTypeLeave,
		RoomID:   r.ID,
		ClientID: clientID,
	}, "")

	r.emit(events.Event{Type: events.ClientLeft, RoomID: r.ID, ClientID: clientID})
	roomLog.Info("client %s left room %s (total: %d)", clientID, r.ID, len(r.clients))

	if len(r.clients) == 0 && r.store != nil && r.version > r.lastSaved {
		r.saveSnapshot()
	}
}

// handleDisconnect is the transport-close path. The socket identity check
// keeps a stale close from evicting a client that already reconnected.
func (r *Room) handleDisconnect(clientID string, c *Client) {
	if current, ok := r.clients[clientID]; !ok || current != c {
		return
	}
	r.handleLeave(clientID)
}

// handleSteps is the version gate. A batch carrying a version that is not the
// room's head is rejected with a fresh snapshot; an applying batch advances
// the version by exactly one, is recorded in history, fans out to everyone
// but the sender, and is acked back.
func (r *Room) handleSteps(c *Client, msg *models.Message) {
	if msg.Version != nil && *msg.Version != r.version {
		r.sendError(c, msg.ClientID, models.ErrCodeVersionMismatch,
			fmt.Sprintf("expected %d, got %d", r.version, *msg.Version))
		r.sendDocSnapshot(c, msg.ClientID)
		return
	}

	newDoc, err := ot.ApplySteps(r.schema, r.doc, msg.Steps)
	if err != nil {
		r.sendError(c, msg.ClientID, models.ErrCodeApplyFailed, err.Error())
		return
	}

	r.doc = newDoc
	r.history = append(r.history, models.StepBatch{
		FromVersion: r.version,
		ToVersion:   r.version + 1,
		Steps:       msg.Steps,
		Author:      msg.ClientID,
	})
	r.version++

	r.broadcast(&models.Message{
		Type:     models.MsgTypeSteps,
		RoomID:   r.ID,
		ClientID: msg.ClientID,
		Version:  models.IntPtr(r.version),
		Steps:    msg.Steps,
	}, msg.ClientID)

	c.WriteMessage(&models.Message{
		Type:     models.MsgTypeAck,
		RoomID:   r.ID,
		ClientID: msg.ClientID,
		AckType:  models.AckSteps,
		OK:       models.BoolPtr(true),
		Version:  models.IntPtr(r.version),
	})

	if payload, err := json.Marshal(msg.Steps); err == nil {
		r.emit(events.Event{
			Type:     events.StepsCommitted,
			RoomID:   r.ID,
			ClientID: msg.ClientID,
			Version:  r.version,
			Payload:  payload,
		})
	}
}

// handlePresence stamps the record with server time, stores it, and relays it
// to every client in the room including the sender.
func (r *Room) handlePresence(msg *models.Message) {
	if msg.Presence == nil {
		return
	}
	msg.Presence.Timestamp = r.now().UnixMilli()
	r.presence.Upsert(msg.ClientID, msg.Presence)

	r.broadcast(&models.Message{
		Type:     models.MsgTypePresence,
		RoomID:   r.ID,
		ClientID: msg.ClientID,
		Presence: msg.Presence,
	}, "")

	if payload, err := json.Marshal(msg.Presence); err == nil {
		r.emit(events.Event{Type: events.PresenceUpdated, RoomID: r.ID, ClientID: msg.ClientID, Payload: payload})
	}
}

// handleDocRequest answers the requester with the current snapshot.
func (r *Room) handleDocRequest(c *Client, clientID string) {
	r.sendDocSnapshot(c, clientID)
}

// handleHistoryRequest replies with the flattened steps of the batches in
// (sinceVersion, version]. Out-of-range requests get an empty history at the
// current version. Batches below the restore floor are no longer held, so a
// request reaching below it also gets an empty step list; the client then
// resends its queued batches unchanged.
func (r *Room) handleHistoryRequest(c *Client, msg *models.Message) {
	since := 0
	if msg.SinceVersion != nil {
		since = *msg.SinceVersion
	}

	reply := &models.Message{
		Type:        models.MsgTypeHistory,
		RoomID:      r.ID,
		ClientID:    msg.ClientID,
		FromVersion: models.IntPtr(since),
		ToVersion:   models.IntPtr(r.version),
		Steps:       []json.RawMessage{},
	}

	// A request reaching below the restore floor would leave a gap in the
	// step sequence; an empty reply makes the client fall back to resending.
	if since >= r.historyBase && since <= r.version {
		for _, batch := range r.history {
			if batch.FromVersion >= since {
				reply.Steps = append(reply.Steps, batch.Steps...)
			}
		}
	}
	c.WriteMessage(reply)
}

// handlePong refreshes the presence timestamp only; the cursor stays as the
// client last reported it.
func (r *Room) handlePong(clientID string) {
	r.presence.Touch(clientID)
}

// handleTick is one heartbeat: ping everyone, then evict stale presence and
// announce the evictions as leaves.
func (r *Room) handleTick(now time.Time) {
	r.broadcast(&models.Message{
		Type:     models.MsgTypePing,
		RoomID:   r.ID,
		ClientID: models.ServerClientID,
		TS:       models.Int64Ptr(now.UnixMilli()),
	}, "")

	for _, clientID := range r.presence.PruneOlderThan(r.presenceTTL) {
		r.broadcast(&models.Message{
			Type:     models.MsgTypeLeave,
			RoomID:   r.ID,
			ClientID: clientID,
		}, "")
		r.emit(events.Event{Type: events.PresenceExpired, RoomID: r.ID, ClientID: clientID})
		roomLog.Info("presence for %s in room %s expired", clientID, r.ID)
	}
}

// broadcast fans a message out to every client, minus skipClientID when set.
func (r *Room) broadcast(msg *models.Message, skipClientID string) {
	for id, client := range r.clients {
		if skipClientID != "" && id == skipClientID {
			continue
		}
		client.WriteMessage(msg)
	}
}

func (r *Room) sendDocSnapshot(c *Client, clientID string) {
	docJSON, err := ot.DocToJSON(r.doc)
	if err != nil {
		roomLog.Error("room %s: serialize doc: %v", r.ID, err)
		return
	}
	c.WriteMessage(&models.Message{
		Type:     models.MsgTypeDocSnapshot,
		RoomID:   r.ID,
		ClientID: clientID,
		Version:  models.IntPtr(r.version),
		Doc:      docJSON,
	})
}

func (r *Room) sendError(c *Client, clientID, code, reason string) {
	c.WriteMessage(&models.Message{
		Type:     models.MsgTypeError,
		RoomID:   r.ID,
		ClientID: clientID,
		Code:     code,
		Reason:   reason,
	})
}

func (r *Room) emit(evt events.Event) {
	if r.sink == nil {
		return
	}
	evt.At = r.now().UnixMilli()
	r.sink.Emit(evt)
}

// Version returns the current version. Only safe from the room loop or tests
// driving handlers directly.
func (r *Room) Version() int { return r.version }

// ClientCount returns the number of registered sockets. Loop-owned, same as
// Version.
func (r *Room) ClientCount() int { return len(r.clients) }

// saveSnapshot persists the current doc+version. Serialization happens on the
// loop; the write itself goes to the background.
func (r *Room) saveSnapshot() {
	docJSON, err := ot.DocToJSON(r.doc)
	if err != nil {
		roomLog.Error("room %s: serialize doc: %v", r.ID, err)
		return
	}
	version := r.version
	r.lastSaved = version

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := r.store.SaveSnapshot(ctx, r.ID, version, docJSON); err != nil {
			roomLog.Error("room %s: save snapshot: %v", r.ID, err)
		} else {
			roomLog.Info("room %s: saved snapshot at version %d", r.ID, version)
		}
	}()
}

// cleanup closes every client and takes a final snapshot.
func (r *Room) cleanup() {
	if r.store != nil && r.version > r.lastSaved {
		r.saveSnapshot()
	}
	for _, client := range r.clients {
		client.Close()
	}
	r.clients = nil
	roomLog.Info("room %s shut down", r.ID)
}
