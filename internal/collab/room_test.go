package collab

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/olivelliott/realtime-pm/internal/models"
	"github.com/olivelliott/realtime-pm/internal/ot"
)

func newTestRoom(t *testing.T) *Room {
	t.Helper()
	schema, err := ot.DefaultSchema()
	require.NoError(t, err)

	r, err := newRoom(context.Background(), "room-1", schema, nil, nil, 15*time.Second)
	require.NoError(t, err)
	t.Cleanup(r.cancel)
	return r
}

// Tests drive the handlers directly instead of going through Run; the loop
// only serializes calls to these same methods.
func newTestClient() *Client {
	return &Client{
		Send:   make(chan []byte, 256),
		joined: make(map[string]string),
	}
}

func drain(t *testing.T, c *Client) []models.Message {
	t.Helper()
	var out []models.Message
	for {
		select {
		case data := <-c.Send:
			var msg models.Message
			require.NoError(t, json.Unmarshal(data, &msg))
			out = append(out, msg)
		default:
			return out
		}
	}
}

func setClock(r *Room, clock func() time.Time) {
	r.now = clock
	r.presence.now = clock
}

func insertStep(text string) json.RawMessage {
	raw, _ := json.Marshal(map[string]interface{}{
		"stepType": "replace",
		"from":     1,
		"to":       1,
		"slice": map[string]interface{}{
			"content": []interface{}{
				map[string]interface{}{"type": "text", "text": text},
			},
		},
	})
	return raw
}

func join(r *Room, c *Client, clientID string) {
	r.handleMessage(c, &models.Message{Type: models.MsgTypeJoin, RoomID: r.ID, ClientID: clientID})
}

func sendSteps(r *Room, c *Client, clientID string, version int, steps ...json.RawMessage) {
	r.handleMessage(c, &models.Message{
		Type:     models.MsgTypeSteps,
		RoomID:   r.ID,
		ClientID: clientID,
		Version:  models.IntPtr(version),
		Steps:    steps,
	})
}

func TestJoinSendsSnapshotThenPresenceSnapshot(t *testing.T) {
	r := newTestRoom(t)

	b := newTestClient()
	join(r, b, "B")
	r.handleMessage(b, &models.Message{
		Type:     models.MsgTypePresence,
		RoomID:   r.ID,
		ClientID: "B",
		Presence: &models.UserPresence{User: models.User{ID: "B"}},
	})
	drain(t, b)

	a := newTestClient()
	join(r, a, "A")

	msgs := drain(t, a)
	require.GreaterOrEqual(t, len(msgs), 2)
	assert.Equal(t, models.MsgTypeDocSnapshot, msgs[0].Type)
	require.NotNil(t, msgs[0].Version)
	assert.Equal(t, 0, *msgs[0].Version)
	assert.NotEmpty(t, msgs[0].Doc)

	assert.Equal(t, models.MsgTypePresenceSnapshot, msgs[1].Type)
	require.Len(t, msgs[1].Presences, 1)
	assert.Equal(t, "B", msgs[1].Presences[0].ClientID)

	// B saw the join broadcast for A.
	bMsgs := drain(t, b)
	require.NotEmpty(t, bMsgs)
	assert.Equal(t, models.MsgTypeJoin, bMsgs[0].Type)
	assert.Equal(t, "A", bMsgs[0].ClientID)
}

func TestJoinWithPresenceRunsPresenceAfterSnapshots(t *testing.T) {
	r := newTestRoom(t)

	a := newTestClient()
	r.handleMessage(a, &models.Message{
		Type:     models.MsgTypeJoin,
		RoomID:   r.ID,
		ClientID: "A",
		Presence: &models.UserPresence{User: models.User{ID: "A"}, Cursor: &models.Cursor{From: 1, To: 1}},
	})

	msgs := drain(t, a)
	require.Len(t, msgs, 3)
	assert.Equal(t, models.MsgTypeDocSnapshot, msgs[0].Type)
	assert.Equal(t, models.MsgTypePresenceSnapshot, msgs[1].Type)
	// The initial presence is processed after the snapshots and echoed back.
	assert.Equal(t, models.MsgTypePresence, msgs[2].Type)
	assert.NotNil(t, r.presence.Get("A"))
}

func TestStepsHappyPath(t *testing.T) {
	r := newTestRoom(t)
	a, b := newTestClient(), newTestClient()
	join(r, a, "A")
	join(r, b, "B")
	drain(t, a)
	drain(t, b)

	sendSteps(r, a, "A", 0, insertStep("x"))

	assert.Equal(t, 1, r.Version())
	require.Len(t, r.history, 1)
	assert.Equal(t, 0, r.history[0].FromVersion)
	assert.Equal(t, 1, r.history[0].ToVersion)
	assert.Equal(t, "A", r.history[0].Author)

	// B receives the broadcast at the new version.
	bMsgs := drain(t, b)
	require.Len(t, bMsgs, 1)
	assert.Equal(t, models.MsgTypeSteps, bMsgs[0].Type)
	assert.Equal(t, "A", bMsgs[0].ClientID)
	require.NotNil(t, bMsgs[0].Version)
	assert.Equal(t, 1, *bMsgs[0].Version)
	require.Len(t, bMsgs[0].Steps, 1)

	// The sender gets an ack, not the broadcast.
	aMsgs := drain(t, a)
	require.Len(t, aMsgs, 1)
	assert.Equal(t, models.MsgTypeAck, aMsgs[0].Type)
	assert.Equal(t, models.AckSteps, aMsgs[0].AckType)
	require.NotNil(t, aMsgs[0].OK)
	assert.True(t, *aMsgs[0].OK)
	require.NotNil(t, aMsgs[0].Version)
	assert.Equal(t, 1, *aMsgs[0].Version)
}

func TestVersionGateRejectsStaleBatch(t *testing.T) {
	r := newTestRoom(t)
	a, b := newTestClient(), newTestClient()
	join(r, a, "A")
	join(r, b, "B")
	sendSteps(r, a, "A", 0, insertStep("x"))
	drain(t, a)
	drain(t, b)

	docBefore, err := ot.DocToJSON(r.doc)
	require.NoError(t, err)

	sendSteps(r, b, "B", 0, insertStep("y"))

	// Rejected: version and document are untouched.
	assert.Equal(t, 1, r.Version())
	require.Len(t, r.history, 1)
	docAfter, err := ot.DocToJSON(r.doc)
	require.NoError(t, err)
	assert.JSONEq(t, string(docBefore), string(docAfter))

	// B gets the error followed immediately by a fresh snapshot.
	bMsgs := drain(t, b)
	require.Len(t, bMsgs, 2)
	assert.Equal(t, models.MsgTypeError, bMsgs[0].Type)
	assert.Equal(t, models.ErrCodeVersionMismatch, bMsgs[0].Code)
	assert.Equal(t, "expected 1, got 0", bMsgs[0].Reason)
	assert.Equal(t, models.MsgTypeDocSnapshot, bMsgs[1].Type)
	require.NotNil(t, bMsgs[1].Version)
	assert.Equal(t, 1, *bMsgs[1].Version)

	// A observes nothing.
	assert.Empty(t, drain(t, a))
}

func TestStepsWithoutVersionSkipGate(t *testing.T) {
	r := newTestRoom(t)
	a := newTestClient()
	join(r, a, "A")
	drain(t, a)

	r.handleMessage(a, &models.Message{
		Type:     models.MsgTypeSteps,
		RoomID:   r.ID,
		ClientID: "A",
		Steps:    []json.RawMessage{insertStep("x")},
	})
	assert.Equal(t, 1, r.Version())
}

func TestApplyFailureLeavesRoomUnchanged(t *testing.T) {
	r := newTestRoom(t)
	a, b := newTestClient(), newTestClient()
	join(r, a, "A")
	join(r, b, "B")
	drain(t, a)
	drain(t, b)

	bad := json.RawMessage(`{"stepType":"replace","from":1000,"to":1001}`)
	sendSteps(r, a, "A", 0, bad)

	assert.Equal(t, 0, r.Version())
	assert.Empty(t, r.history)

	aMsgs := drain(t, a)
	require.Len(t, aMsgs, 1)
	assert.Equal(t, models.MsgTypeError, aMsgs[0].Type)
	assert.Equal(t, models.ErrCodeApplyFailed, aMsgs[0].Code)

	// Other clients observe nothing.
	assert.Empty(t, drain(t, b))
}

func TestBatchIsAtomic(t *testing.T) {
	r := newTestRoom(t)
	a := newTestClient()
	join(r, a, "A")
	drain(t, a)

	docBefore, err := ot.DocToJSON(r.doc)
	require.NoError(t, err)

	// First step applies, second cannot; nothing may be committed.
	bad := json.RawMessage(`{"stepType":"replace","from":1000,"to":1001}`)
	sendSteps(r, a, "A", 0, insertStep("x"), bad)

	assert.Equal(t, 0, r.Version())
	docAfter, err := ot.DocToJSON(r.doc)
	require.NoError(t, err)
	assert.JSONEq(t, string(docBefore), string(docAfter))
}

func TestHistoryFaithfulness(t *testing.T) {
	r := newTestRoom(t)
	a := newTestClient()
	join(r, a, "A")
	drain(t, a)

	sendSteps(r, a, "A", 0, insertStep("a"))
	sendSteps(r, a, "A", 1, insertStep("b"))
	sendSteps(r, a, "A", 2, insertStep("c"))
	require.Equal(t, 3, r.Version())

	// Replaying the history from the empty document reproduces the doc.
	doc, err := ot.EmptyDoc(r.schema)
	require.NoError(t, err)
	for _, batch := range r.history {
		doc, err = ot.ApplySteps(r.schema, doc, batch.Steps)
		require.NoError(t, err)
	}

	want, err := ot.DocToJSON(r.doc)
	require.NoError(t, err)
	got, err := ot.DocToJSON(doc)
	require.NoError(t, err)
	assert.JSONEq(t, string(want), string(got))
}

func TestHistoryRequest(t *testing.T) {
	r := newTestRoom(t)
	a := newTestClient()
	join(r, a, "A")
	drain(t, a)

	sendSteps(r, a, "A", 0, insertStep("a"))
	sendSteps(r, a, "A", 1, insertStep("b"))
	drain(t, a)

	r.handleMessage(a, &models.Message{
		Type:         models.MsgTypeHistoryRequest,
		RoomID:       r.ID,
		ClientID:     "A",
		SinceVersion: models.IntPtr(1),
	})

	msgs := drain(t, a)
	require.Len(t, msgs, 1)
	assert.Equal(t, models.MsgTypeHistory, msgs[0].Type)
	require.NotNil(t, msgs[0].FromVersion)
	assert.Equal(t, 1, *msgs[0].FromVersion)
	require.NotNil(t, msgs[0].ToVersion)
	assert.Equal(t, 2, *msgs[0].ToVersion)
	require.Len(t, msgs[0].Steps, 1, "only the second batch is newer than version 1")
}

func TestHistoryRequestOutOfRange(t *testing.T) {
	r := newTestRoom(t)
	a := newTestClient()
	join(r, a, "A")
	sendSteps(r, a, "A", 0, insertStep("a"))
	drain(t, a)

	for _, since := range []int{-1, 5} {
		r.handleMessage(a, &models.Message{
			Type:         models.MsgTypeHistoryRequest,
			RoomID:       r.ID,
			ClientID:     "A",
			SinceVersion: models.IntPtr(since),
		})
		msgs := drain(t, a)
		require.Len(t, msgs, 1)
		assert.Equal(t, models.MsgTypeHistory, msgs[0].Type)
		assert.Empty(t, msgs[0].Steps)
		require.NotNil(t, msgs[0].ToVersion)
		assert.Equal(t, 1, *msgs[0].ToVersion)
	}
}

func TestDocRequest(t *testing.T) {
	r := newTestRoom(t)
	a := newTestClient()
	join(r, a, "A")
	sendSteps(r, a, "A", 0, insertStep("x"))
	drain(t, a)

	r.handleMessage(a, &models.Message{Type: models.MsgTypeDocRequest, RoomID: r.ID, ClientID: "A"})

	msgs := drain(t, a)
	require.Len(t, msgs, 1)
	assert.Equal(t, models.MsgTypeDocSnapshot, msgs[0].Type)
	require.NotNil(t, msgs[0].Version)
	assert.Equal(t, 1, *msgs[0].Version)
}

func TestPresenceBroadcastIncludesSender(t *testing.T) {
	r := newTestRoom(t)
	now := time.UnixMilli(42_000)
	setClock(r, func() time.Time { return now })

	a, b := newTestClient(), newTestClient()
	join(r, a, "A")
	join(r, b, "B")
	drain(t, a)
	drain(t, b)

	r.handleMessage(a, &models.Message{
		Type:     models.MsgTypePresence,
		RoomID:   r.ID,
		ClientID: "A",
		Presence: &models.UserPresence{User: models.User{ID: "A"}, Timestamp: 1},
	})

	// The server stamps its own clock, overriding the client's.
	p := r.presence.Get("A")
	require.NotNil(t, p)
	assert.Equal(t, int64(42_000), p.Timestamp)

	for _, c := range []*Client{a, b} {
		msgs := drain(t, c)
		require.Len(t, msgs, 1)
		assert.Equal(t, models.MsgTypePresence, msgs[0].Type)
		assert.Equal(t, "A", msgs[0].ClientID)
	}
}

func TestPongTouchesTimestampOnly(t *testing.T) {
	r := newTestRoom(t)
	now := time.UnixMilli(10_000)
	setClock(r, func() time.Time { return now })

	a := newTestClient()
	join(r, a, "A")
	r.handleMessage(a, &models.Message{
		Type:     models.MsgTypePresence,
		RoomID:   r.ID,
		ClientID: "A",
		Presence: &models.UserPresence{User: models.User{ID: "A"}, Cursor: &models.Cursor{From: 3, To: 3}},
	})

	now = time.UnixMilli(20_000)
	r.handleMessage(a, &models.Message{Type: models.MsgTypePong, RoomID: r.ID, ClientID: "A", TS: models.Int64Ptr(1)})

	p := r.presence.Get("A")
	require.NotNil(t, p)
	assert.Equal(t, int64(20_000), p.Timestamp)
	require.NotNil(t, p.Cursor)
	assert.Equal(t, 3, p.Cursor.From)

	// A pong from a client with no presence record creates nothing.
	r.handleMessage(a, &models.Message{Type: models.MsgTypePong, RoomID: r.ID, ClientID: "ghost"})
	assert.Nil(t, r.presence.Get("ghost"))
}

func TestTickPingsAndEvictsStalePresence(t *testing.T) {
	r := newTestRoom(t)
	now := time.UnixMilli(0)
	setClock(r, func() time.Time { return now })

	a, b := newTestClient(), newTestClient()
	join(r, a, "A")
	join(r, b, "B")
	r.handleMessage(a, &models.Message{
		Type:     models.MsgTypePresence,
		RoomID:   r.ID,
		ClientID: "A",
		Presence: &models.UserPresence{User: models.User{ID: "A"}, Cursor: &models.Cursor{From: 3, To: 3}},
	})
	drain(t, a)
	drain(t, b)

	// B refreshes its presence, A goes silent past the TTL.
	now = time.UnixMilli(10_000)
	r.handleMessage(b, &models.Message{
		Type:     models.MsgTypePresence,
		RoomID:   r.ID,
		ClientID: "B",
		Presence: &models.UserPresence{User: models.User{ID: "B"}},
	})
	drain(t, a)
	drain(t, b)

	now = time.UnixMilli(16_000)
	r.handleTick(now.UTC())

	bMsgs := drain(t, b)
	require.Len(t, bMsgs, 2)
	assert.Equal(t, models.MsgTypePing, bMsgs[0].Type)
	assert.Equal(t, models.ServerClientID, bMsgs[0].ClientID)
	require.NotNil(t, bMsgs[0].TS)
	assert.Equal(t, models.MsgTypeLeave, bMsgs[1].Type)
	assert.Equal(t, "A", bMsgs[1].ClientID)

	assert.Nil(t, r.presence.Get("A"))
	assert.NotNil(t, r.presence.Get("B"))

	// Socket liveness is orthogonal: A is still registered.
	assert.Equal(t, 2, r.ClientCount())

	// A later joiner's presence snapshot no longer contains A.
	c := newTestClient()
	join(r, c, "C")
	cMsgs := drain(t, c)
	require.GreaterOrEqual(t, len(cMsgs), 2)
	require.Len(t, cMsgs[1].Presences, 1)
	assert.Equal(t, "B", cMsgs[1].Presences[0].ClientID)
}

func TestLeaveRemovesClientAndPresence(t *testing.T) {
	r := newTestRoom(t)
	a, b := newTestClient(), newTestClient()
	join(r, a, "A")
	join(r, b, "B")
	r.handleMessage(a, &models.Message{
		Type:     models.MsgTypePresence,
		RoomID:   r.ID,
		ClientID: "A",
		Presence: &models.UserPresence{User: models.User{ID: "A"}},
	})
	drain(t, a)
	drain(t, b)

	r.handleMessage(a, &models.Message{Type: models.MsgTypeLeave, RoomID: r.ID, ClientID: "A"})

	assert.Equal(t, 1, r.ClientCount())
	assert.Nil(t, r.presence.Get("A"))

	bMsgs := drain(t, b)
	require.Len(t, bMsgs, 1)
	assert.Equal(t, models.MsgTypeLeave, bMsgs[0].Type)
	assert.Equal(t, "A", bMsgs[0].ClientID)
}

func TestJoinLastWriterWins(t *testing.T) {
	r := newTestRoom(t)
	old, fresh := newTestClient(), newTestClient()
	join(r, old, "A")
	join(r, fresh, "A")
	drain(t, old)
	drain(t, fresh)

	assert.Equal(t, 1, r.ClientCount())

	b := newTestClient()
	join(r, b, "B")

	// The join broadcast reaches the fresh socket only.
	assert.NotEmpty(t, drain(t, fresh))
	assert.Empty(t, drain(t, old))

	// A stale disconnect from the replaced socket must not evict the fresh one.
	r.handleDisconnect("A", old)
	assert.Equal(t, 2, r.ClientCount())

	r.handleDisconnect("A", fresh)
	assert.Equal(t, 1, r.ClientCount())
}

func TestUnknownMessageTypeIgnored(t *testing.T) {
	r := newTestRoom(t)
	a := newTestClient()
	join(r, a, "A")
	drain(t, a)

	r.handleMessage(a, &models.Message{Type: "mystery", RoomID: r.ID, ClientID: "A"})
	assert.Empty(t, drain(t, a))
	assert.Equal(t, 0, r.Version())
}

func TestMonotoneVersion(t *testing.T) {
	r := newTestRoom(t)
	a := newTestClient()
	join(r, a, "A")
	drain(t, a)

	for i := 0; i < 10; i++ {
		sendSteps(r, a, "A", i, insertStep("x"))
		assert.Equal(t, i+1, r.Version())
		assert.Len(t, r.history, i+1)
	}
}
