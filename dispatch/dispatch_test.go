package dispatch

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"meshnet/pending"
	"meshnet/protocol"
	"meshnet/routing"
	"meshnet/store"
)

type fakeLinks struct {
	enqueued  []enqueuedFrame
	bound     map[string]byte
	broadcast []broadcastCall
	resolved  []resolvedAck
}

type enqueuedFrame struct {
	iface string
	raw   []byte
}

type broadcastCall struct {
	exclude string
	raw     []byte
}

type resolvedAck struct {
	iface string
	seq   uint16
}

func newFakeLinks() *fakeLinks {
	return &fakeLinks{bound: make(map[string]byte)}
}

func (f *fakeLinks) Enqueue(iface string, frame []byte, seq uint16, ackRequested bool, originHere bool) bool {
	f.enqueued = append(f.enqueued, enqueuedFrame{iface: iface, raw: frame})
	return true
}

func (f *fakeLinks) Neighbour(iface string) (byte, bool) {
	id, ok := f.bound[iface]
	return id, ok
}

func (f *fakeLinks) Broadcast(exclude string, frame []byte) {
	f.broadcast = append(f.broadcast, broadcastCall{exclude: exclude, raw: frame})
}

func (f *fakeLinks) MarkNeighbourBound(iface string, id byte) bool {
	if _, ok := f.bound[iface]; ok {
		return false
	}
	f.bound[iface] = id
	return true
}

func (f *fakeLinks) ResolveAck(iface string, seq uint16) {
	f.resolved = append(f.resolved, resolvedAck{iface: iface, seq: seq})
}

func (f *fakeLinks) DisconnectNeighbour(iface string, id byte) {
	if f.bound[iface] == id {
		delete(f.bound, iface)
	}
}

func newTestNode(links Links) *Node {
	return &Node{
		LocalID: 1,
		Routes:  routing.NewTable(),
		Stores:  store.NewRegistry(),
		Futures: pending.NewFutures(),
		Cache:   pending.NewResponseCache(time.Second),
		Links:   links,
		Log:     zap.NewNop(),
		NextSeq: func() uint16 { return 1 },
	}
}

func TestDispatchForwardsFrameNotAddressedToLocalID(t *testing.T) {
	links := newFakeLinks()
	n := newTestNode(links)
	n.Routes.Observe(9, nil, "uart0")

	f := &protocol.Frame{SenderID: 5, RecipientID: 9, Payload: protocol.BuildRemove(9)}
	n.Dispatch(context.Background(), f, "i2c0")

	require.Len(t, links.enqueued, 1)
	assert.Equal(t, "uart0", links.enqueued[0].iface)
}

func TestDispatchDropsFrameForUnknownRecipient(t *testing.T) {
	links := newFakeLinks()
	n := newTestNode(links)

	f := &protocol.Frame{SenderID: 5, RecipientID: 99, Payload: []byte{protocol.CmdRemove, 1}}
	n.Dispatch(context.Background(), f, "uart0")

	assert.Empty(t, links.enqueued)
}

func TestHandleAddBindsNeighbourAndReplies(t *testing.T) {
	links := newFakeLinks()
	n := newTestNode(links)

	f := &protocol.Frame{SenderID: 2, RecipientID: protocol.Broadcast, Payload: protocol.BuildAdd(2, nil)}
	n.Dispatch(context.Background(), f, "uart0")

	assert.Equal(t, byte(2), links.bound["uart0"])
	require.Len(t, links.enqueued, 1, "binding must trigger exactly one add reply")
	assert.True(t, n.Routes.Known(2))
}

func TestHandleAddWithChainRebroadcastsOnFirstSighting(t *testing.T) {
	links := newFakeLinks()
	n := newTestNode(links)

	f := &protocol.Frame{SenderID: 2, RecipientID: protocol.Broadcast, Payload: protocol.BuildAdd(9, []byte{2})}
	n.Dispatch(context.Background(), f, "uart0")

	require.Len(t, links.broadcast, 1)
	assert.Equal(t, "uart0", links.broadcast[0].exclude)

	// A second sighting of the same peer must not rebroadcast again.
	n.Dispatch(context.Background(), f, "uart0")
	assert.Len(t, links.broadcast, 1)
}

func TestHandleRemoveForgetsPeerAndRebroadcasts(t *testing.T) {
	links := newFakeLinks()
	n := newTestNode(links)
	n.Routes.Observe(9, nil, "uart0")

	f := &protocol.Frame{SenderID: 9, RecipientID: protocol.Broadcast, Payload: protocol.BuildRemove(9)}
	n.Dispatch(context.Background(), f, "uart0")

	assert.False(t, n.Routes.Known(9))
	require.Len(t, links.broadcast, 1)
}

func TestHandleRemoveOnlyFailsFuturesRoutedThroughThatPeer(t *testing.T) {
	links := newFakeLinks()
	n := newTestNode(links)
	n.Routes.Observe(9, nil, "uart0")
	n.Routes.Observe(4, nil, "uart1")
	lost := n.Futures.Register(1, 9)
	healthy := n.Futures.Register(2, 4)

	f := &protocol.Frame{SenderID: 9, RecipientID: protocol.Broadcast, Payload: protocol.BuildRemove(9)}
	n.Dispatch(context.Background(), f, "uart0")

	r := <-lost
	assert.Error(t, r.Err)

	select {
	case r := <-healthy:
		t.Fatalf("future for a peer reached via an unrelated link must survive, got %+v", r)
	default:
	}
}

func TestHandleRemoveClearsAdjacencyOnlyOnNeighbourLink(t *testing.T) {
	links := newFakeLinks()
	n := newTestNode(links)
	links.bound["uart0"] = 9
	links.bound["uart1"] = 4
	n.Routes.Observe(9, nil, "uart0")
	n.Routes.Observe(4, nil, "uart1")

	f := &protocol.Frame{SenderID: 9, RecipientID: protocol.Broadcast, Payload: protocol.BuildRemove(9)}
	n.Dispatch(context.Background(), f, "uart0")

	_, stillBound := links.Neighbour("uart0")
	assert.False(t, stillBound, "removing the adjacent neighbour must clear that link's binding")
	id, ok := links.Neighbour("uart1")
	require.True(t, ok)
	assert.Equal(t, byte(4), id, "an unrelated link's binding must be untouched")
}

func TestHandlePutWritesStoreAndAcks(t *testing.T) {
	links := newFakeLinks()
	n := newTestNode(links)
	require.NoError(t, n.Stores.RegisterWritable("switch", protocol.Bool, false))

	valueBytes, err := protocol.ToBytes(protocol.Bool, true)
	require.NoError(t, err)
	payload, err := protocol.BuildPut("switch", protocol.Bool, valueBytes)
	require.NoError(t, err)

	f := &protocol.Frame{SenderID: 5, RecipientID: 1, Sequence: 3, AckRequested: true, Payload: payload}
	n.Dispatch(context.Background(), f, "uart0")

	_, v, err := n.Stores.Read(context.Background(), "switch")
	require.NoError(t, err)
	assert.Equal(t, true, v)
	require.Len(t, links.enqueued, 1, "ack_requested put must get an ack back")
}

func TestHandleGetAlwaysRepliesWithValueCarryingAck(t *testing.T) {
	links := newFakeLinks()
	n := newTestNode(links)
	require.NoError(t, n.Stores.RegisterWritable("switch", protocol.Bool, true))

	payload, err := protocol.BuildGet("switch")
	require.NoError(t, err)
	f := &protocol.Frame{SenderID: 5, RecipientID: 1, Sequence: 4, Payload: payload}
	n.Dispatch(context.Background(), f, "uart0")

	require.Len(t, links.enqueued, 1)
	decoded, _, err := protocol.Decode(links.enqueued[0].raw)
	require.NoError(t, err)
	_, _, _, _, hasValue, err := protocol.ParseAck(decoded.Payload)
	require.NoError(t, err)
	assert.True(t, hasValue)
}

func TestHandleAckResolvesFutureAndAckTable(t *testing.T) {
	links := newFakeLinks()
	n := newTestNode(links)
	ch := n.Futures.Register(9, 1)

	f := &protocol.Frame{SenderID: 1, RecipientID: 1, Payload: protocol.BuildAck(true, 9)}
	n.Dispatch(context.Background(), f, "uart0")

	r := <-ch
	assert.NoError(t, r.Err)
	require.Len(t, links.resolved, 1)
	assert.Equal(t, uint16(9), links.resolved[0].seq)
}
