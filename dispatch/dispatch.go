// Package dispatch implements C6: routing a single decoded frame, either
// forwarding it unchanged toward its recipient or handling it locally
// (spec §4.6). Every exported entry point here runs inside the node's single
// executor goroutine — dispatch never touches routing/store/pending state
// from any other goroutine.
package dispatch

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"meshnet/pending"
	"meshnet/protocol"
	"meshnet/routing"
	"meshnet/store"
)

// Links is the subset of the transport registry dispatch needs: look an
// interface name up and enqueue bytes on it.
type Links interface {
	Enqueue(iface string, frame []byte, seq uint16, ackRequested bool, originHere bool) bool
	Neighbour(iface string) (byte, bool)
	Broadcast(exclude string, frame []byte)
	MarkNeighbourBound(iface string, id byte) bool
	// ResolveAck removes iface's pending-ack entry for seq, if any, since an
	// ack frame arriving on iface answers a request this node sent on the
	// same link (spec §4.4: the sender-side pending-ack table).
	ResolveAck(iface string, seq uint16)
	// DisconnectNeighbour clears iface's adjacency binding and pending acks
	// if id is bound there (spec §4.4 disconnect path), so a replacement
	// neighbour can bind on that link afterward.
	DisconnectNeighbour(iface string, id byte)
}

// Node is the dispatcher's view of shared node state, all confined to the
// executor (spec §5).
type Node struct {
	LocalID byte
	Routes  *routing.Table
	Stores  *store.Registry
	Futures *pending.Futures
	Cache   *pending.ResponseCache
	Links   Links
	Log     *zap.Logger
	NextSeq func() uint16
}

// Dispatch is the single entry point the transport layer calls for every
// decoded frame (spec §4.6). iface is the interface name the frame arrived
// on.
func (n *Node) Dispatch(ctx context.Context, f *protocol.Frame, iface string) {
	if f.RecipientID != protocol.Broadcast && f.RecipientID != n.LocalID {
		n.forward(f, iface)
		return
	}
	if len(f.Payload) == 0 {
		n.Log.Warn("dropping empty-payload frame", zap.String("iface", iface))
		return
	}
	switch f.Payload[0] {
	case protocol.CmdAdd:
		n.handleAdd(f, iface)
	case protocol.CmdRemove:
		n.handleRemove(f, iface)
	case protocol.CmdPut:
		n.handlePut(ctx, f, iface)
	case protocol.CmdGet:
		n.handleGet(ctx, f, iface)
	case protocol.CmdAck:
		n.handleAck(f, iface)
	default:
		n.Log.Warn("dropping frame with unknown command", zap.Uint8("cmd", f.Payload[0]))
	}
}

// forward re-enqueues a frame unchanged toward recipient_id's best interface
// (spec §4.6 "forward"), or drops it silently if the recipient is unknown.
func (n *Node) forward(f *protocol.Frame, arrivedOn string) {
	iface, ok := n.Routes.BestIface(f.RecipientID)
	if !ok {
		n.Log.Debug("dropping frame for unknown recipient", zap.Uint8("recipient", f.RecipientID))
		return
	}
	raw, err := protocol.Encode(*f, true)
	if err != nil {
		n.Log.Error("failed to re-encode frame for forwarding", zap.Error(err))
		return
	}
	n.Links.Enqueue(iface, raw, f.Sequence, f.AckRequested, false)
}

// handleAdd implements spec §4.6 command 1. An empty chain means the sender
// is this transport's direct neighbour announcing itself (adjacency
// binding); any chain means a routing advertisement relayed from further
// away. Either way the peer is recorded, and — the first time a given id is
// learned — the advertisement is rebroadcast on every other interface with
// this node's own id appended to the chain (spec §4.3 distance-vector
// propagation).
func (n *Node) handleAdd(f *protocol.Frame, iface string) {
	newID, chain, err := protocol.ParseAdd(f.Payload)
	if err != nil {
		n.Log.Warn("malformed add payload", zap.Error(err))
		return
	}
	if newID == n.LocalID {
		return
	}
	wasKnown := n.Routes.Known(newID)
	n.Routes.Observe(newID, chain, iface)

	if len(chain) == 0 {
		bound := n.Links.MarkNeighbourBound(iface, newID)
		if bound {
			n.replyAdd(newID, iface)
			n.rebroadcastKnownPeersTo(newID, iface)
		}
	}

	if !wasKnown {
		n.rebroadcastAdd(newID, chain, iface)
	}
}

func (n *Node) replyAdd(toID byte, iface string) {
	raw, err := protocol.Encode(protocol.Frame{
		SenderID:    n.LocalID,
		RecipientID: toID,
		Payload:     protocol.BuildAdd(n.LocalID, nil),
	}, true)
	if err != nil {
		n.Log.Error("failed to encode add reply", zap.Error(err))
		return
	}
	n.Links.Enqueue(iface, raw, 0, false, false)
}

// rebroadcastKnownPeersTo tells a freshly bound neighbour about every peer
// already known through other interfaces, each chain extended by this
// node's own id (spec §4.5 "re-broadcasts each known peer to new neighbor").
func (n *Node) rebroadcastKnownPeersTo(newNeighbour byte, iface string) {
	for _, p := range n.Routes.All() {
		if p.ID == newNeighbour || p.ID == n.LocalID {
			continue
		}
		extended := append(append([]byte(nil), p.Chains[0]...), n.LocalID)
		raw, err := protocol.Encode(protocol.Frame{
			SenderID:    n.LocalID,
			RecipientID: protocol.Broadcast,
			Payload:     protocol.BuildAdd(p.ID, extended),
		}, true)
		if err != nil {
			continue
		}
		n.Links.Enqueue(iface, raw, 0, false, false)
	}
}

func (n *Node) rebroadcastAdd(id byte, chain []byte, arrivedOn string) {
	extended := append(append([]byte(nil), chain...), n.LocalID)
	raw, err := protocol.Encode(protocol.Frame{
		SenderID:    n.LocalID,
		RecipientID: protocol.Broadcast,
		Payload:     protocol.BuildAdd(id, extended),
	}, true)
	if err != nil {
		n.Log.Error("failed to encode add rebroadcast", zap.Error(err))
		return
	}
	n.Links.Broadcast(arrivedOn, raw)
}

// handleRemove implements spec §4.6 command 2: forget the peer, rebroadcast
// on every other interface, and if it was this transport's adjacent
// neighbour, trigger the same disconnect path the ack-reaper uses.
func (n *Node) handleRemove(f *protocol.Frame, iface string) {
	id, err := protocol.ParseRemove(f.Payload)
	if err != nil {
		n.Log.Warn("malformed remove payload", zap.Error(err))
		return
	}
	if !n.Routes.Known(id) {
		return
	}
	n.Routes.Forget(id)
	n.Routes.ResetAwaiting(id)
	n.disconnectIfAdjacent(iface, id)
	n.Futures.CancelForPeer(id, errNeighbourLost(id))

	raw, err := protocol.Encode(protocol.Frame{
		SenderID:    n.LocalID,
		RecipientID: protocol.Broadcast,
		Payload:     protocol.BuildRemove(id),
	}, true)
	if err == nil {
		n.Links.Broadcast(iface, raw)
	}
}

// OnNeighbourLost is invoked by the transport layer's ack-reaper (via the
// node executor) when a second consecutive ack timeout declares an adjacent
// neighbour gone (spec §4.4 disconnect path). It performs the same
// forget/rebroadcast/fail-futures sequence as an explicit remove frame.
func (n *Node) OnNeighbourLost(iface string, id byte) {
	if !n.Routes.Known(id) {
		return
	}
	n.Routes.Forget(id)
	n.Routes.ResetAwaiting(id)
	n.disconnectIfAdjacent(iface, id)
	n.Futures.CancelForPeer(id, errNeighbourLost(id))
	raw, err := protocol.Encode(protocol.Frame{
		SenderID:    n.LocalID,
		RecipientID: protocol.Broadcast,
		Payload:     protocol.BuildRemove(id),
	}, true)
	if err == nil {
		n.Links.Broadcast(iface, raw)
	}
}

// disconnectIfAdjacent clears iface's adjacency binding and pending acks
// when id was the direct neighbour bound there (spec §4.4): forgetting a
// multi-hop peer reached via other interfaces must never touch a link's own
// binding, only the link id was actually adjacent on.
func (n *Node) disconnectIfAdjacent(iface string, id byte) {
	if nid, ok := n.Links.Neighbour(iface); ok && nid == id {
		n.Links.DisconnectNeighbour(iface, id)
	}
}

// handlePut implements spec §4.6 command 6: write the named store and ack
// success or failure back to the sender.
func (n *Node) handlePut(ctx context.Context, f *protocol.Frame, iface string) {
	name, dt, valueBytes, err := protocol.ParsePut(f.Payload)
	if err != nil {
		n.Log.Warn("malformed put payload", zap.Error(err))
		return
	}
	value, decErr := protocol.FromBytes(dt, valueBytes)
	success := decErr == nil
	if success {
		success = n.Stores.Write(name, dt, value) == nil
	}
	if f.AckRequested {
		n.replyTo(f, iface, protocol.BuildAck(success, f.Sequence))
	}
}

// handleGet implements spec §4.6 command 7: read the named store and reply
// with a value-carrying ack on success, or a plain failure ack (status 127)
// when the store cannot be read or its value cannot be encoded. A plain
// success ack is never sent for a get (spec §4.6 note).
func (n *Node) handleGet(ctx context.Context, f *protocol.Frame, iface string) {
	name, err := protocol.ParseGet(f.Payload)
	if err != nil {
		n.Log.Warn("malformed get payload", zap.Error(err))
		return
	}
	readCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	dt, value, readErr := n.Stores.Read(readCtx, name)
	if readErr != nil {
		n.replyTo(f, iface, protocol.BuildAck(false, f.Sequence))
		return
	}
	valueBytes, encErr := protocol.ToBytes(dt, value)
	if encErr != nil {
		n.replyTo(f, iface, protocol.BuildAck(false, f.Sequence))
		return
	}
	n.replyTo(f, iface, protocol.BuildGetResponse(f.Sequence, dt, valueBytes))
}

func (n *Node) replyTo(f *protocol.Frame, iface string, payload []byte) {
	raw, err := protocol.Encode(protocol.Frame{
		SenderID:     n.LocalID,
		RecipientID:  f.SenderID,
		AckRequested: false,
		Payload:      payload,
	}, true)
	if err != nil {
		n.Log.Error("failed to encode reply", zap.Error(err))
		return
	}
	n.Links.Enqueue(iface, raw, 0, false, false)
}

// handleAck implements spec §4.6 command 0: resolve the matching pending
// ack/future, decoding a get-response value when present.
func (n *Node) handleAck(f *protocol.Frame, iface string) {
	success, seq, dt, valueBytes, hasValue, err := protocol.ParseAck(f.Payload)
	if err != nil {
		n.Log.Warn("malformed ack payload", zap.Error(err))
		return
	}
	n.Links.ResolveAck(iface, seq)
	if !hasValue {
		n.Futures.Resolve(seq, pending.Result{Err: ackErr(success)})
		return
	}
	value, decErr := protocol.FromBytes(dt, valueBytes)
	if decErr != nil {
		n.Futures.Resolve(seq, pending.Result{Err: decErr})
		return
	}
	n.Futures.Resolve(seq, pending.Result{Value: value})
}

func ackErr(success bool) error {
	if success {
		return nil
	}
	return errAckFailure
}

var errAckFailure = errors.New("remote nacked the request")

func errNeighbourLost(id byte) error {
	return errors.Errorf("neighbour %d disconnected", id)
}
