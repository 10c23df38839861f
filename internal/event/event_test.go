package event

import (
	"encoding/json"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSelectorKeys(t *testing.T) {
	tests := []struct {
		sel Selector
		key string
	}{
		{sel: Room("w1", "R1"), key: "w1:R1"},
		{sel: User("w1", "u7"), key: "w1:user:u7"},
		{sel: Conn("w1", "c-9"), key: "w1:conn:c-9"},
	}
	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			assert.Equal(t, tt.key, tt.sel.Key())
			got, err := ParseSelector(tt.key)
			require.NoError(t, err)
			assert.Equal(t, tt.sel, got)
		})
	}
}

func TestSelectorValidate(t *testing.T) {
	assert.Error(t, Room("", "R1").Validate())
	assert.Error(t, Room("w1", "").Validate())
	assert.Error(t, Room("w:1", "R1").Validate())
	for _, ws := range []string{"w*", "w?", "w[1]", `w\1`} {
		assert.Error(t, Room(ws, "R1").Validate(), ws)
		assert.Error(t, User(ws, "u1").Validate(), ws)
	}
	assert.Error(t, Room("w1", "user").Validate())
	assert.Error(t, Selector{Kind: "team", Workspace: "w1", ID: "x"}.Validate())
	assert.NoError(t, User("w1", "u:1").Validate())

	_, err := ParseSelector("no-separator")
	assert.Error(t, err)
}

func TestOperationTarget(t *testing.T) {
	send := Operation{ID: "op1", Type: OpSendMessage, Payload: RawPayload(MessageBody{Text: "hi"})}
	id, err := send.Target()
	require.NoError(t, err)
	assert.Equal(t, "op1", id)

	del := Operation{ID: "op2", Type: OpDeleteMessage, Payload: RawPayload(MessageRef{MessageID: "op1"})}
	id, err = del.Target()
	require.NoError(t, err)
	assert.Equal(t, "op1", id)

	bad := Operation{ID: "op3", Type: OpEditMessage, Payload: json.RawMessage(`{"text":"x"}`)}
	_, err = bad.Target()
	assert.Error(t, err)
}

func TestLessOrdersByCreatedAtThenID(t *testing.T) {
	ops := []Operation{
		{ID: "b", CreatedAt: 1001},
		{ID: "c", CreatedAt: 1000},
		{ID: "a", CreatedAt: 1001},
	}
	sort.Slice(ops, func(i, j int) bool { return Less(ops[i], ops[j]) })
	assert.Equal(t, []string{"c", "a", "b"}, []string{ops[0].ID, ops[1].ID, ops[2].ID})
}

func TestCodecsRoundTripEnvelope(t *testing.T) {
	env, err := NewEnvelope(Room("w1", "R1"), MessageNew, "R1", MessageBody{MessageID: "op1", Text: "hello"})
	require.NoError(t, err)
	env.Origin = "gw-a"

	for _, name := range []string{"json", "msgpack"} {
		t.Run(name, func(t *testing.T) {
			codec, err := CodecByName(name)
			require.NoError(t, err)
			b, err := codec.Marshal(env)
			require.NoError(t, err)
			got, err := codec.Unmarshal(b)
			require.NoError(t, err)

			assert.Equal(t, env.Target, got.Target)
			assert.Equal(t, env.Event, got.Event)
			assert.Equal(t, env.Origin, got.Origin)
			assert.JSONEq(t, string(env.Data.Payload), string(got.Data.Payload))
			assert.True(t, env.PublishedAt.Equal(got.PublishedAt))
		})
	}

	_, err = CodecByName("protobuf")
	assert.Error(t, err)
}

func TestEventFrameCarriesChannel(t *testing.T) {
	env := Envelope{Event: ReminderFired, Data: Payload{ChannelID: "C1", ServerTimestamp: time.Unix(10, 0)}}
	f := EventFrame(env)
	assert.Equal(t, FrameEvent, f.Type)
	assert.Equal(t, "C1", f.Channel)
	require.NotNil(t, f.Data)
	assert.Equal(t, ReminderFired, f.Event)
}
