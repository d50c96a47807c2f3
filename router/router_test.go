package router

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/bridi/sealchat/membership"
	"github.com/bridi/sealchat/persistence"
	"github.com/bridi/sealchat/registry"
	"github.com/bridi/sealchat/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakePersister records stored messages and serves a single direct channel.
type fakePersister struct {
	persistence.Persister

	stored   []*types.Message
	direct   *types.DirectChannel
	storeErr error
}

func (f *fakePersister) StoreMessage(msg *types.Message) error {
	if f.storeErr != nil {
		return f.storeErr
	}
	f.stored = append(f.stored, msg)
	return nil
}

func (f *fakePersister) GetDirect(userA, userB int64) (*types.DirectChannel, error) {
	if f.direct == nil {
		return nil, persistence.ErrNotFound
	}
	lo, hi := types.NormalizePair(userA, userB)
	if f.direct.UserAID == lo && f.direct.UserBID == hi {
		return f.direct, nil
	}
	return nil, persistence.ErrNotFound
}

func testRouter(p persistence.Persister) (*Router, *registry.Registry, *membership.Index) {
	reg := registry.New(16)
	members := membership.New()
	return New(reg, members, p), reg, members
}

func ident(id int64, name string) types.Identity {
	return types.Identity{UserID: id, DisplayName: name}
}

func groupEnvelope(sender, group int64, content string) *types.Envelope {
	return &types.Envelope{Group: &types.GroupEnvelope{SenderID: sender, GroupID: group, Content: content}}
}

func directEnvelope(sender, recipient int64, content string) *types.Envelope {
	return &types.Envelope{Direct: &types.DirectEnvelope{Sender: sender, Recipient: recipient, Content: content}}
}

func decodeFrame(t *testing.T, frame []byte) types.WebsocketMessage {
	t.Helper()
	msg := types.WebsocketMessage{}
	require.NoError(t, json.Unmarshal(frame, &msg))
	return msg
}

func TestGroupFanOutSet(t *testing.T) {
	p := &fakePersister{}
	rt, reg, members := testRouter(p)

	outs := map[int64]*registry.Outbound{}
	for _, id := range []int64{1, 2, 3, 4} {
		outs[id] = reg.Register(id, nil)
	}
	// room 7: members 1, 2, 3; user 4 is connected but not a member
	members.Load(7, []int64{1, 2, 3})

	require.NoError(t, rt.Route(groupEnvelope(1, 7, "hello"), ident(1, "ada")))

	// exactly the other members receive the frame
	for _, id := range []int64{2, 3} {
		frame := decodeFrame(t, <-outs[id].C)
		assert.Equal(t, types.WireMessageTypeGroup, frame.Event)
		payload := types.GroupEnvelope{}
		require.NoError(t, json.Unmarshal(frame.Data, &payload))
		assert.Equal(t, int64(1), payload.SenderID)
		assert.Equal(t, "ada", payload.SenderName)
		assert.Equal(t, int64(7), payload.GroupID)
		assert.Equal(t, "hello", payload.Content)
	}
	assert.Len(t, outs[1].C, 0, "sender must not receive its own message")
	assert.Len(t, outs[4].C, 0, "non-member must not receive the message")

	require.Len(t, p.stored, 1)
	assert.Equal(t, int64(7), p.stored[0].RoomID)
	assert.NotEmpty(t, p.stored[0].ID)
}

func TestGroupOfflineMembersPersistedOnly(t *testing.T) {
	p := &fakePersister{}
	rt, reg, members := testRouter(p)

	out := reg.Register(2, nil)
	// member 3 is offline
	members.Load(7, []int64{1, 2, 3})

	require.NoError(t, rt.Route(groupEnvelope(1, 7, "hi"), ident(1, "ada")))
	assert.Len(t, out.C, 1)
	assert.Len(t, p.stored, 1)
}

func TestDirectDelivery(t *testing.T) {
	p := &fakePersister{direct: &types.DirectChannel{ID: 5, UserAID: 1, UserBID: 2}}
	rt, reg, _ := testRouter(p)
	out := reg.Register(2, nil)

	require.NoError(t, rt.Route(directEnvelope(1, 2, "psst"), ident(1, "ada")))

	frame := decodeFrame(t, <-out.C)
	assert.Equal(t, types.WireMessageTypeDirect, frame.Event)
	payload := types.DirectEnvelope{}
	require.NoError(t, json.Unmarshal(frame.Data, &payload))
	assert.Equal(t, int64(1), payload.Sender)
	assert.Equal(t, int64(2), payload.Recipient)

	require.Len(t, p.stored, 1)
	assert.Equal(t, int64(5), p.stored[0].DirectID)
	assert.Zero(t, p.stored[0].RoomID)
}

func TestDirectOfflineRecipientIsNotAnError(t *testing.T) {
	p := &fakePersister{direct: &types.DirectChannel{ID: 5, UserAID: 1, UserBID: 2}}
	rt, _, _ := testRouter(p)

	require.NoError(t, rt.Route(directEnvelope(1, 2, "psst"), ident(1, "ada")))
	assert.Len(t, p.stored, 1)
}

func TestDirectWithoutChannelRejected(t *testing.T) {
	p := &fakePersister{}
	rt, _, _ := testRouter(p)

	err := rt.Route(directEnvelope(1, 2, "psst"), ident(1, "ada"))
	validation := &ValidationError{}
	require.True(t, errors.As(err, &validation))
	assert.Empty(t, p.stored)
}

func TestValidation(t *testing.T) {
	p := &fakePersister{direct: &types.DirectChannel{ID: 5, UserAID: 1, UserBID: 2}}
	rt, _, _ := testRouter(p)

	cases := []struct {
		name string
		env  *types.Envelope
	}{
		{"empty envelope", &types.Envelope{}},
		{"ambiguous envelope", &types.Envelope{
			Direct: &types.DirectEnvelope{Sender: 1, Recipient: 2, Content: "x"},
			Group:  &types.GroupEnvelope{SenderID: 1, GroupID: 7, Content: "x"},
		}},
		{"spoofed sender", groupEnvelope(99, 7, "x")},
		{"blank content", groupEnvelope(1, 7, "   ")},
		{"direct to self", directEnvelope(1, 1, "x")},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := rt.Route(tc.env, ident(1, "ada"))
			validation := &ValidationError{}
			assert.True(t, errors.As(err, &validation))
		})
	}
	assert.Empty(t, p.stored)
}

func TestPersistenceFailureAbortsFanOut(t *testing.T) {
	p := &fakePersister{storeErr: errors.New("disk full")}
	rt, reg, members := testRouter(p)
	out := reg.Register(2, nil)
	members.Load(7, []int64{1, 2})

	err := rt.Route(groupEnvelope(1, 7, "hello"), ident(1, "ada"))
	persistErr := &persistence.Error{}
	require.True(t, errors.As(err, &persistErr))
	assert.Len(t, out.C, 0, "no delivery may happen for a message that is not durable")
}
