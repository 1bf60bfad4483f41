// Package client implements the editor-side protocol engine: connection
// management with exponential-backoff reconnect, outbound sends, inbound
// dispatch, and the local-step queue with rebase-on-snapshot recovery.
package client

import (
	"context"
	"encoding/json"
	"math/rand"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/olivelliott/realtime-pm/internal/logger"
	"github.com/olivelliott/realtime-pm/internal/models"
	"github.com/olivelliott/realtime-pm/internal/ot"
)

var log = logger.Component("client")

// Handlers are the consumer callbacks. All of them are optional and are
// invoked from the engine's dispatch goroutine; they must not block for long
// and must not panic.
type Handlers struct {
	// OnSteps delivers an accepted remote batch to apply locally.
	OnSteps func(version int, steps []json.RawMessage, from string)
	// OnPresence delivers one presence record (snapshots are expanded into
	// individual deliveries).
	OnPresence func(clientID string, p *models.UserPresence)
	// OnDocSnapshot delivers an authoritative snapshot for local replacement
	// of the document.
	OnDocSnapshot func(version int, doc json.RawMessage)
	OnJoin        func(clientID string)
	OnLeave       func(clientID string)
	OnError       func(code, reason string)
	// OnConnection reports transport connectivity transitions.
	OnConnection func(connected bool)
	// OnUnknown receives messages with unrecognized types as-is.
	OnUnknown func(msg *models.Message)
}

// Options configures an Engine.
type Options struct {
	// URL of the websocket endpoint.
	URL string
	// RoomID to join on every (re)connect.
	RoomID string
	// ClientID identifies this client within the room; random when empty.
	ClientID string
	// Presence is the initial presence attached to join messages.
	Presence *models.UserPresence
	// Token optionally produces an auth token appended as ?token=.
	Token func() string
	// Schema used to deserialize steps during rebase.
	Schema *ot.Schema
	// Dialer defaults to WebSocketDialer.
	Dialer   Dialer
	Handlers Handlers
}

type pendingBatch struct {
	baseVersion int
	steps       []json.RawMessage
}

// Engine is the client protocol engine. One dispatch goroutine owns the
// connection; shared state is guarded by mu and callbacks always run with mu
// released.
type Engine struct {
	opts Options

	mu                sync.Mutex
	conn              Conn
	docVersion        int
	pending           []pendingBatch
	shouldReconnect   bool
	reconnectAttempts int
	historyRequested  bool
	rebasePending     bool
	running           bool

	stopOnce sync.Once
	stop     chan struct{}
	rnd      *rand.Rand
}

// New creates an engine. Connect starts it.
func New(opts Options) *Engine {
	if opts.ClientID == "" {
		opts.ClientID = uuid.New().String()
	}
	if opts.Dialer == nil {
		opts.Dialer = WebSocketDialer{}
	}
	return &Engine{
		opts: opts,
		stop: make(chan struct{}),
		rnd:  rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// ClientID returns the id this engine joins rooms with.
func (e *Engine) ClientID() string { return e.opts.ClientID }

// DocVersion returns the last server version acknowledged or observed.
func (e *Engine) DocVersion() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.docVersion
}

// PendingCount returns the number of unacked local batches.
func (e *Engine) PendingCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.pending)
}

// Connect starts the connection loop. Subsequent calls are no-ops, also after
// Disconnect: a disconnected engine is terminal.
func (e *Engine) Connect(ctx context.Context) {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return
	}
	e.running = true
	e.shouldReconnect = true
	e.mu.Unlock()

	go e.run(ctx)
}

// Disconnect stops reconnection, sends a best-effort leave, and closes the
// transport. The engine is terminal afterwards.
func (e *Engine) Disconnect() {
	e.mu.Lock()
	e.shouldReconnect = false
	conn := e.conn
	e.mu.Unlock()

	if conn != nil {
		if data, err := json.Marshal(&models.Message{
			Type:     models.MsgTypeLeave,
			RoomID:   e.opts.RoomID,
			ClientID: e.opts.ClientID,
		}); err == nil {
			conn.WriteMessage(data)
		}
		conn.Close()
	}
	e.stopOnce.Do(func() { close(e.stop) })
}

func (e *Engine) run(ctx context.Context) {
	for {
		conn, err := e.dial(ctx)
		if err != nil {
			log.Warn("dial: %v", err)
			if !e.waitBackoff(ctx) {
				return
			}
			continue
		}

		e.onOpen(conn)
		e.readLoop(conn)
		e.onClosed(conn)

		if !e.waitBackoff(ctx) {
			return
		}
	}
}

// dial resolves the auth token and opens the transport.
func (e *Engine) dial(ctx context.Context) (Conn, error) {
	target := e.opts.URL
	if e.opts.Token != nil {
		if token := e.opts.Token(); token != "" {
			sep := "?"
			if strings.Contains(target, "?") {
				sep = "&"
			}
			target += sep + "token=" + url.QueryEscape(token)
		}
	}
	return e.opts.Dialer.Dial(ctx, target)
}

// onOpen records the connection, resets backoff, joins the room, and reports
// connectivity.
func (e *Engine) onOpen(conn Conn) {
	e.mu.Lock()
	e.conn = conn
	e.reconnectAttempts = 0
	e.historyRequested = false
	e.rebasePending = false
	e.mu.Unlock()

	e.send(&models.Message{
		Type:     models.MsgTypeJoin,
		RoomID:   e.opts.RoomID,
		ClientID: e.opts.ClientID,
		Presence: e.opts.Presence,
	})

	if h := e.opts.Handlers.OnConnection; h != nil {
		h(true)
	}
}

func (e *Engine) onClosed(conn Conn) {
	conn.Close()
	e.mu.Lock()
	if e.conn == conn {
		e.conn = nil
	}
	e.mu.Unlock()

	if h := e.opts.Handlers.OnConnection; h != nil {
		h(false)
	}
}

// waitBackoff sleeps for the next reconnect delay. It returns false when the
// engine should stop instead of redialing.
func (e *Engine) waitBackoff(ctx context.Context) bool {
	e.mu.Lock()
	if !e.shouldReconnect {
		e.mu.Unlock()
		return false
	}
	delay := reconnectDelay(e.reconnectAttempts, e.rnd)
	e.reconnectAttempts++
	e.mu.Unlock()

	log.Debug("reconnecting in %s", delay)
	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-timer.C:
	case <-e.stop:
		return false
	case <-ctx.Done():
		return false
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	return e.shouldReconnect
}

func (e *Engine) readLoop(conn Conn) {
	for {
		data, err := conn.ReadMessage()
		if err != nil {
			return
		}

		var msg models.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			// Malformed inbound payloads are ignored.
			continue
		}
		e.dispatch(&msg)
	}
}

// dispatch handles one inbound message. State changes happen under mu;
// consumer callbacks and sends run with mu released.
func (e *Engine) dispatch(msg *models.Message) {
	switch msg.Type {
	case models.MsgTypeSteps:
		if msg.Version != nil {
			e.mu.Lock()
			e.docVersion = *msg.Version
			e.mu.Unlock()
		}
		if h := e.opts.Handlers.OnSteps; h != nil {
			version := 0
			if msg.Version != nil {
				version = *msg.Version
			}
			h(version, msg.Steps, msg.ClientID)
		}

	case models.MsgTypePresence:
		if h := e.opts.Handlers.OnPresence; h != nil && msg.Presence != nil {
			h(msg.ClientID, msg.Presence)
		}

	case models.MsgTypePresenceSnapshot:
		if h := e.opts.Handlers.OnPresence; h != nil {
			for _, entry := range msg.Presences {
				h(entry.ClientID, entry.Presence)
			}
		}

	case models.MsgTypeDocSnapshot:
		e.handleDocSnapshot(msg)

	case models.MsgTypeHistory:
		e.handleHistory(msg)

	case models.MsgTypePing:
		reply := &models.Message{
			Type:     models.MsgTypePong,
			RoomID:   e.opts.RoomID,
			ClientID: e.opts.ClientID,
			TS:       msg.TS,
		}
		e.send(reply)

	case models.MsgTypeAck:
		if msg.AckType == models.AckSteps {
			e.mu.Lock()
			if len(e.pending) > 0 {
				e.pending = e.pending[1:]
			}
			if msg.Version != nil {
				e.docVersion = *msg.Version
			}
			e.mu.Unlock()
		}

	case models.MsgTypeError:
		if h := e.opts.Handlers.OnError; h != nil {
			h(msg.Code, msg.Reason)
		}

	case models.MsgTypeJoin:
		if h := e.opts.Handlers.OnJoin; h != nil {
			h(msg.ClientID)
		}

	case models.MsgTypeLeave:
		if h := e.opts.Handlers.OnLeave; h != nil {
			h(msg.ClientID)
		}

	default:
		if h := e.opts.Handlers.OnUnknown; h != nil {
			h(msg)
		}
	}
}

// handleDocSnapshot replaces the local document baseline. When local steps
// are still queued, the engine asks for the history between its previous
// version and the snapshot so it can rebase them.
func (e *Engine) handleDocSnapshot(msg *models.Message) {
	if msg.Version == nil {
		return
	}

	e.mu.Lock()
	prevVersion := e.docVersion
	e.docVersion = *msg.Version
	needHistory := len(e.pending) > 0 && !e.historyRequested
	if needHistory {
		e.historyRequested = true
		e.rebasePending = true
	}
	e.mu.Unlock()

	if h := e.opts.Handlers.OnDocSnapshot; h != nil {
		h(*msg.Version, msg.Doc)
	}

	if needHistory {
		e.send(&models.Message{
			Type:         models.MsgTypeHistoryRequest,
			RoomID:       e.opts.RoomID,
			ClientID:     e.opts.ClientID,
			SinceVersion: models.IntPtr(prevVersion),
		})
	}
}

// handleHistory performs the rebase when one is pending.
func (e *Engine) handleHistory(msg *models.Message) {
	e.mu.Lock()
	pending := e.rebasePending
	e.rebasePending = false
	e.historyRequested = false
	queued := e.pending
	if pending {
		e.pending = nil
	}
	version := e.docVersion
	e.mu.Unlock()

	if !pending {
		return
	}

	rebased, err := e.rebaseSteps(msg.Steps, queued)
	if err != nil {
		// Rebase is impossible (schema drift, unknown step type). Resend the
		// queued batches unchanged at the new version; the version gate
		// answers with another snapshot if they no longer fit.
		log.Warn("rebase failed, resending queued batches: %v", err)
		for _, batch := range queued {
			e.send(&models.Message{
				Type:     models.MsgTypeSteps,
				RoomID:   e.opts.RoomID,
				ClientID: e.opts.ClientID,
				Version:  models.IntPtr(version),
				Steps:    batch.steps,
			})
		}
		return
	}

	for _, steps := range rebased {
		if len(steps) == 0 {
			continue
		}
		e.send(&models.Message{
			Type:     models.MsgTypeSteps,
			RoomID:   e.opts.RoomID,
			ClientID: e.opts.ClientID,
			Version:  models.IntPtr(version),
			Steps:    steps,
		})
	}
}

// rebaseSteps maps every queued local step through the mapping of the
// intervening server steps. Steps the mapping deletes are dropped; batches
// keep their boundaries.
func (e *Engine) rebaseSteps(serverSteps []json.RawMessage, queued []pendingBatch) ([][]json.RawMessage, error) {
	mapping, err := ot.MappingFromSteps(e.opts.Schema, serverSteps)
	if err != nil {
		return nil, err
	}

	out := make([][]json.RawMessage, 0, len(queued))
	for _, batch := range queued {
		var collected []json.RawMessage
		for _, raw := range batch.steps {
			step, err := ot.StepFromJSON(e.opts.Schema, raw)
			if err != nil {
				return nil, err
			}
			mapped, err := ot.MapStep(step, mapping)
			if err == ot.ErrStepDropped {
				continue
			}
			if err != nil {
				return nil, err
			}
			data, err := ot.StepToJSON(mapped)
			if err != nil {
				return nil, err
			}
			collected = append(collected, data)
		}
		out = append(out, collected)
	}
	return out, nil
}

// SendSteps queues a local batch at the current version and transmits it.
// The batch stays queued until the server acks it or a snapshot cycle
// rebases it.
func (e *Engine) SendSteps(steps []json.RawMessage) {
	e.mu.Lock()
	base := e.docVersion
	e.pending = append(e.pending, pendingBatch{baseVersion: base, steps: steps})
	e.mu.Unlock()

	e.send(&models.Message{
		Type:     models.MsgTypeSteps,
		RoomID:   e.opts.RoomID,
		ClientID: e.opts.ClientID,
		Version:  models.IntPtr(base),
		Steps:    steps,
	})
}

// SendPresence transmits a presence update.
func (e *Engine) SendPresence(p *models.UserPresence) {
	e.send(&models.Message{
		Type:     models.MsgTypePresence,
		RoomID:   e.opts.RoomID,
		ClientID: e.opts.ClientID,
		Presence: p,
	})
}

// RequestDoc asks the server for a fresh snapshot.
func (e *Engine) RequestDoc() {
	e.send(&models.Message{
		Type:     models.MsgTypeDocRequest,
		RoomID:   e.opts.RoomID,
		ClientID: e.opts.ClientID,
	})
}

// send transmits one message. Failures are swallowed; the transport surfaces
// a close separately and the reconnect path takes over.
func (e *Engine) send(msg *models.Message) {
	e.mu.Lock()
	conn := e.conn
	e.mu.Unlock()
	if conn == nil {
		return
	}

	data, err := json.Marshal(msg)
	if err != nil {
		log.Error("marshal %s: %v", msg.Type, err)
		return
	}
	if err := conn.WriteMessage(data); err != nil {
		log.Debug("send %s: %v", msg.Type, err)
	}
}
