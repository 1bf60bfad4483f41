package events

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRingKeepsMostRecent(t *testing.T) {
	r := NewRing(3)
	assert.Empty(t, r.Recent())

	r.Add(Event{Type: ClientJoined, RoomID: "r1", ClientID: "a"})
	r.Add(Event{Type: StepsCommitted, RoomID: "r1", ClientID: "a", Version: 1})
	r.Add(Event{Type: StepsCommitted, RoomID: "r1", ClientID: "b", Version: 2})
	r.Add(Event{Type: ClientLeft, RoomID: "r1", ClientID: "a"})

	recent := r.Recent()
	assert.Len(t, recent, 3)
	assert.Equal(t, StepsCommitted, recent[0].Type)
	assert.Equal(t, 1, recent[0].Version)
	assert.Equal(t, ClientLeft, recent[2].Type)
}

func TestChannelName(t *testing.T) {
	assert.Equal(t, "room-events:room-7", Channel("room-7"))
}
