// Package transport implements the per-link handler (spec §4.5 / C5): a
// long-lived actor running the send-queue drainer, the incoming byte-stream
// parser, the discovery broadcaster and the ack reaper concurrently over a
// single opened byte stream.
package transport

import (
	"context"
	"io"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/atomic"
	"go.uber.org/zap"

	"meshnet/pending"
	"meshnet/protocol"
)

// Stream is the abstract capability the core depends on: "open a
// bidirectional byte stream on a named transport" (spec §1). UART, I²C, SPI
// and the loopback simulation transport all produce one of these; the link
// handler below never knows which.
type Stream interface {
	io.Reader
	io.Writer
	io.Closer
}

// DiscoveryInterval is the randomised range the discovery broadcaster sleeps
// for between `add` broadcasts while no neighbour is bound (spec §4.5).
var DiscoveryInterval = [2]time.Duration{3 * time.Second, 8 * time.Second}

// DefaultAckTimeout is the transport-level retry timeout (spec §5): one
// retry, then disconnect.
const DefaultAckTimeout = 15 * time.Second

type outItem struct {
	frame      []byte
	seq        uint16
	ack        bool
	originHere bool
}

// Link runs one transport's handler over Stream: spec §4.5's three
// concurrent activities plus the ack reaper, each in its own goroutine.
type Link struct {
	Name string

	stream  Stream
	out     chan outItem
	acks    *pending.AckTable
	timeout time.Duration
	log     *zap.Logger

	deviceFound atomic.Uint32 // 0 = no adjacent neighbour bound yet

	localID      func() byte
	onFrame      func(f *protocol.Frame, iface string)
	onDisconnect func(iface string, lostNeighbourID byte)

	shutdown chan struct{}
	closeOne sync.Once
}

// Config bundles the callbacks a Link needs from the node/dispatch layer,
// keeping this package free of a dependency on node (which depends on this
// package).
type Config struct {
	LocalID      func() byte
	OnFrame      func(f *protocol.Frame, iface string)
	OnDisconnect func(iface string, lostNeighbourID byte)
	AckTimeout   time.Duration
	Logger       *zap.Logger
}

// NewLink wraps an opened stream with the C5 handler.
func NewLink(name string, stream Stream, cfg Config) *Link {
	timeout := cfg.AckTimeout
	if timeout <= 0 {
		timeout = DefaultAckTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Link{
		Name:         name,
		stream:       stream,
		out:          make(chan outItem, 64),
		acks:         pending.NewAckTable(),
		timeout:      timeout,
		log:          logger,
		localID:      cfg.LocalID,
		onFrame:      cfg.OnFrame,
		onDisconnect: cfg.OnDisconnect,
		shutdown:     make(chan struct{}),
	}
}

// DeviceFound returns the id of the bound adjacent neighbour, or 0 if none.
func (l *Link) DeviceFound() byte { return byte(l.deviceFound.Load()) }

// bindNeighbour sets device_found the first time an empty-chain add is
// observed on this link (spec §4.5 Adjacency binding).
func (l *Link) bindNeighbour(id byte) bool {
	return l.deviceFound.CAS(0, uint32(id))
}

func (l *Link) clearNeighbour() {
	l.deviceFound.Store(0)
}

// DisconnectIfNeighbour clears this link's adjacency binding and pending
// acks if id is currently bound as its neighbour (spec §4.4 disconnect
// path), reported via an explicit remove rather than an ack timeout. It
// reports whether this link was the one carrying id, so a caller iterating
// every link only logs/acts on the one that matched.
func (l *Link) DisconnectIfNeighbour(id byte) bool {
	if !l.deviceFound.CAS(uint32(id), 0) {
		return false
	}
	l.acks.Clear()
	return true
}

// Enqueue places frame bytes on this link's outgoing queue. originHere must
// be true only for frames this node itself generated (as opposed to
// forwarded traffic); only those get a pending-ack entry inserted (spec
// §4.5 point 1, §4.6 "forwarding... only the outbound-queue placement
// differs").
func (l *Link) Enqueue(frame []byte, seq uint16, ackRequested bool, originHere bool) {
	select {
	case l.out <- outItem{frame: frame, seq: seq, ack: ackRequested, originHere: originHere}:
	case <-l.shutdown:
	}
}

// Run launches the four concurrent activities and returns without waiting
// for them. A watcher goroutine calls Stop, which closes the stream, once ctx
// is cancelled.
func (l *Link) Run(ctx context.Context, wg *sync.WaitGroup) {
	wg.Add(4)
	go l.sendLoop(wg)
	go l.recvLoop(wg)
	go l.discoveryLoop(wg)
	go l.reaperLoop(wg)

	go func() {
		select {
		case <-ctx.Done():
			l.Stop()
		case <-l.shutdown:
		}
	}()
}

// Stop signals every background goroutine to exit at its next suspension
// point and closes the underlying stream at once, without waiting for the
// goroutines to exit; a recvLoop blocked in Read returns once the stream is
// closed.
func (l *Link) Stop() {
	l.closeOne.Do(func() {
		close(l.shutdown)
		l.stream.Close()
	})
}

func (l *Link) sendLoop(wg *sync.WaitGroup) {
	defer wg.Done()
	for {
		select {
		case <-l.shutdown:
			return
		case item := <-l.out:
			if item.originHere && item.ack {
				l.acks.Insert(item.seq, item.frame, time.Now().Add(l.timeout))
			}
			if _, err := l.stream.Write(item.frame); err != nil {
				l.log.Warn("write failed on transport", zap.String("iface", l.Name), zap.Error(err))
			}
		}
	}
}

func (l *Link) recvLoop(wg *sync.WaitGroup) {
	defer wg.Done()
	buf := make([]byte, 0, protocol.MaxFrameLen*2)
	read := make([]byte, 512)
	for {
		select {
		case <-l.shutdown:
			return
		default:
		}
		n, err := l.stream.Read(read)
		if err != nil {
			if isTimeout(err) {
				continue
			}
			if err != io.EOF {
				l.log.Warn("read failed on transport, closing link", zap.String("iface", l.Name), zap.Error(err))
			}
			l.Stop()
			return
		}
		if n == 0 {
			continue
		}
		buf = append(buf, read[:n]...)
		for len(buf) > 0 {
			frame, consumed, decErr := protocol.Decode(buf)
			if decErr != nil {
				if protocol.IsNeedMore(decErr) {
					break
				}
				// Resynchronisation invariant: drop exactly one byte per
				// rejected attempt, never block on bad input (spec §4.5).
				buf = buf[1:]
				continue
			}
			l.log.Debug("frame received", zap.String("iface", l.Name), zap.Stringer("frame", frame))
			l.onFrame(frame, l.Name)
			buf = buf[consumed:]
		}
	}
}

func (l *Link) discoveryLoop(wg *sync.WaitGroup) {
	defer wg.Done()
	for {
		if l.DeviceFound() != 0 {
			select {
			case <-l.shutdown:
				return
			case <-time.After(200 * time.Millisecond):
				continue
			}
		}
		lo, hi := DiscoveryInterval[0], DiscoveryInterval[1]
		wait := lo + time.Duration(rand.Int63n(int64(hi-lo)+1))
		select {
		case <-l.shutdown:
			return
		case <-time.After(wait):
		}
		if l.DeviceFound() != 0 {
			continue
		}
		payload := protocol.BuildAdd(l.localID(), nil)
		frame, err := protocol.Encode(protocol.Frame{
			SenderID:    l.localID(),
			RecipientID: protocol.Broadcast,
			Payload:     payload,
		}, true)
		if err != nil {
			l.log.Error("failed to encode discovery add", zap.Error(err))
			continue
		}
		l.Enqueue(frame, 0, false, false)
	}
}

func (l *Link) reaperLoop(wg *sync.WaitGroup) {
	defer wg.Done()
	ticker := time.NewTicker(l.timeout / 2)
	defer ticker.Stop()
	for {
		select {
		case <-l.shutdown:
			return
		case <-ticker.C:
			for _, action := range l.acks.Reap(time.Now(), l.timeout) {
				if action.Disconnect {
					lost := l.DeviceFound()
					l.acks.Clear()
					l.clearNeighbour()
					if l.onDisconnect != nil && lost != 0 {
						l.onDisconnect(l.Name, lost)
					}
					continue
				}
				l.log.Debug("retransmitting unacked frame", zap.String("iface", l.Name), zap.Uint16("seq", action.Seq))
				l.Enqueue(action.Retransmit, action.Seq, false, false)
			}
		}
	}
}

// TryBindNeighbour records senderID as this link's adjacent neighbour when
// no neighbour is currently bound (spec §4.5 adjacency binding: the first
// empty-chain add observed). It reports whether this call is the one that
// performed the binding, so the dispatcher only replies and rebroadcasts
// once per neighbour. After DisconnectIfNeighbour or the reaper's disconnect
// clears the binding, the link can be bound again.
func (l *Link) TryBindNeighbour(senderID byte) bool {
	return l.bindNeighbour(senderID)
}

// ResolveAck removes this link's pending-ack entry for seq, if any, used by
// the dispatcher when an inbound ack frame answers a request this node sent
// on this same link (spec §4.4).
func (l *Link) ResolveAck(seq uint16) {
	l.acks.Remove(seq)
}

func isTimeout(err error) bool {
	type timeouter interface{ Timeout() bool }
	if te, ok := err.(timeouter); ok {
		return te.Timeout()
	}
	return false
}
