package node

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"meshnet/protocol"
	"meshnet/transport"
)

// TestEndToEndDiscoveryPutGet wires two nodes over an in-memory net.Pipe
// (standing in for a real UART/I2C/SPI byte stream) and exercises discovery,
// adjacency binding, put and get across the link end to end.
func TestEndToEndDiscoveryPutGet(t *testing.T) {
	original := transport.DiscoveryInterval
	transport.DiscoveryInterval = [2]time.Duration{5 * time.Millisecond, 10 * time.Millisecond}
	defer func() { transport.DiscoveryInterval = original }()

	connA, connB := net.Pipe()

	nodeA, err := New(10, zap.NewNop())
	require.NoError(t, err)
	nodeB, err := New(20, zap.NewNop())
	require.NoError(t, err)
	nodeA.AddLink("link", connA, time.Second)
	nodeB.AddLink("link", connB, time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, nodeA.StartNetwork(ctx))
	require.NoError(t, nodeB.StartNetwork(ctx))
	defer nodeA.StopNetwork()
	defer nodeB.StopNetwork()

	waitCtx, waitCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer waitCancel()
	require.NoError(t, nodeA.WaitForConnect(waitCtx, 20))
	require.NoError(t, nodeB.WaitForConnect(waitCtx, 10))

	tempHandle, err := nodeB.DefineStore("temp", protocol.Float32, float64(0))
	require.NoError(t, err)
	require.NoError(t, tempHandle.Set(21.5))

	v, err := nodeA.Get(context.Background(), 20, "temp", time.Second)
	require.NoError(t, err)
	assert.InDelta(t, 21.5, v.(float64), 0.01)

	switchHandle, err := nodeB.DefineStore("switch", protocol.Bool, false)
	require.NoError(t, err)

	err = nodeA.Put(context.Background(), 20, "switch", protocol.Bool, true)
	require.NoError(t, err)
	assert.Equal(t, true, switchHandle.Value())
}

// TestGetUnknownPeerFailsFast verifies get() to a peer with no known route
// fails immediately instead of hanging for the full timeout.
func TestGetUnknownPeerFailsFast(t *testing.T) {
	n, err := New(10, zap.NewNop())
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, n.StartNetwork(ctx))
	defer n.StopNetwork()

	_, err = n.Get(context.Background(), 99, "anything", 50*time.Millisecond)
	assert.Error(t, err)
}

func TestNewRejectsReservedID(t *testing.T) {
	_, err := New(5, zap.NewNop())
	assert.Error(t, err, "id 5 falls in the reserved [1,7] range")

	_, err = New(200, zap.NewNop())
	assert.Error(t, err, "id 200 falls in the reserved [120,255] range")
}

func TestNewAssignsRandomIDWhenAbsent(t *testing.T) {
	n, err := New(0, zap.NewNop())
	require.NoError(t, err)
	assert.GreaterOrEqual(t, n.LocalID(), byte(minAssignableID))
	assert.LessOrEqual(t, n.LocalID(), byte(maxAssignableID))
}

func TestStartNetworkRejectsDuplicateStart(t *testing.T) {
	n, err := New(15, zap.NewNop())
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, n.StartNetwork(ctx))
	defer n.StopNetwork()

	assert.Error(t, n.StartNetwork(ctx), "starting an already-running node must fail")
}
