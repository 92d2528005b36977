package transport

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"meshnet/protocol"
)

// fakeStream is a fully test-controlled Stream: Write publishes to a channel
// the test can drain and assert on, Read blocks until the test feeds bytes.
type fakeStream struct {
	writes chan []byte
	reads  chan []byte
	closed chan struct{}
	once   sync.Once
}

func newFakeStream() *fakeStream {
	return &fakeStream{
		writes: make(chan []byte, 32),
		reads:  make(chan []byte, 32),
		closed: make(chan struct{}),
	}
}

func (f *fakeStream) Write(p []byte) (int, error) {
	cp := append([]byte(nil), p...)
	select {
	case f.writes <- cp:
		return len(p), nil
	case <-f.closed:
		return 0, io.ErrClosedPipe
	}
}

func (f *fakeStream) Read(p []byte) (int, error) {
	select {
	case b := <-f.reads:
		return copy(p, b), nil
	case <-f.closed:
		return 0, io.EOF
	}
}

func (f *fakeStream) Close() error {
	f.once.Do(func() { close(f.closed) })
	return nil
}

func (f *fakeStream) feed(b []byte) {
	f.reads <- b
}

func (f *fakeStream) nextWrite(t *testing.T, timeout time.Duration) []byte {
	t.Helper()
	select {
	case w := <-f.writes:
		return w
	case <-time.After(timeout):
		t.Fatal("timed out waiting for a write")
		return nil
	}
}

func TestRecvLoopResyncsPastGarbageBytes(t *testing.T) {
	stream := newFakeStream()
	defer stream.Close()

	frames := make(chan *protocol.Frame, 1)
	link := NewLink("test", stream, Config{
		LocalID: func() byte { return 1 },
		OnFrame: func(f *protocol.Frame, iface string) { frames <- f },
		Logger:  zap.NewNop(),
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var wg sync.WaitGroup
	link.Run(ctx, &wg)
	defer link.Stop()

	good, err := protocol.Encode(protocol.Frame{SenderID: 2, RecipientID: 1, Payload: []byte{protocol.CmdRemove, 9}}, true)
	require.NoError(t, err)

	garbage := append([]byte{0x11, 0x22, 0x33}, good...)
	stream.feed(garbage)

	select {
	case f := <-frames:
		assert.Equal(t, byte(2), f.SenderID)
		assert.Equal(t, byte(9), f.Payload[1])
	case <-time.After(time.Second):
		t.Fatal("frame was never decoded past the garbage prefix")
	}
}

func TestAckReaperRetransmitsThenDisconnects(t *testing.T) {
	stream := newFakeStream()
	defer stream.Close()

	var mu sync.Mutex
	var disconnected bool
	link := NewLink("test", stream, Config{
		LocalID: func() byte { return 1 },
		OnFrame: func(f *protocol.Frame, iface string) {},
		OnDisconnect: func(iface string, id byte) {
			mu.Lock()
			disconnected = true
			mu.Unlock()
		},
		AckTimeout: 40 * time.Millisecond,
		Logger:     zap.NewNop(),
	})
	require.True(t, link.TryBindNeighbour(9))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var wg sync.WaitGroup
	link.Run(ctx, &wg)
	defer link.Stop()

	frame, err := protocol.Encode(protocol.Frame{SenderID: 1, RecipientID: 9, Sequence: 5, AckRequested: true, Payload: []byte{protocol.CmdGet}}, true)
	require.NoError(t, err)
	link.Enqueue(frame, 5, true, true)

	first := stream.nextWrite(t, time.Second)
	assert.Equal(t, frame, first)

	retransmit := stream.nextWrite(t, time.Second)
	assert.Equal(t, frame, retransmit, "first ack timeout must retransmit the same frame unchanged")

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return disconnected
	}, time.Second, 5*time.Millisecond, "second ack timeout must declare the neighbour lost")

	assert.Equal(t, byte(0), link.DeviceFound(), "device_found must be cleared on disconnect")
}

func TestTryBindNeighbourOnlyBindsOnce(t *testing.T) {
	stream := newFakeStream()
	defer stream.Close()
	link := NewLink("test", stream, Config{LocalID: func() byte { return 1 }, OnFrame: func(*protocol.Frame, string) {}, Logger: zap.NewNop()})

	assert.True(t, link.TryBindNeighbour(7))
	assert.False(t, link.TryBindNeighbour(8), "a link can only bind one adjacent neighbour")
	assert.Equal(t, byte(7), link.DeviceFound())
}

func TestDisconnectIfNeighbourClearsBindingAndPendingAcks(t *testing.T) {
	stream := newFakeStream()
	defer stream.Close()
	link := NewLink("test", stream, Config{LocalID: func() byte { return 1 }, OnFrame: func(*protocol.Frame, string) {}, Logger: zap.NewNop()})
	require.True(t, link.TryBindNeighbour(7))
	link.acks.Insert(3, []byte("frame"), time.Now().Add(time.Minute))

	assert.False(t, link.DisconnectIfNeighbour(9), "clearing for a non-bound id must be a no-op")
	assert.Equal(t, byte(7), link.DeviceFound())

	assert.True(t, link.DisconnectIfNeighbour(7))
	assert.Equal(t, byte(0), link.DeviceFound())
	_, ok := link.acks.Remove(3)
	assert.False(t, ok, "pending acks for the cleared link must be dropped")

	assert.True(t, link.TryBindNeighbour(5), "a replacement neighbour must be able to bind after the clear")
}
