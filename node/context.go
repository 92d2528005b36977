// Package node implements C7: the node's public API and its single
// executor goroutine. Per spec §5 the routing table, the futures table and
// the sequence counter are confined to one goroutine; every external call
// that touches them is marshalled onto it through a channel of closures, the
// way a single-threaded cooperative runtime would confine itself to one task
// context even when the host language gives it real threads. The store
// registry guards itself with its own lock and is called directly.
package node

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"meshnet/dispatch"
	"meshnet/pending"
	"meshnet/protocol"
	"meshnet/routing"
	"meshnet/store"
	"meshnet/transport"
)

// defaultGetTimeout is spec §4.7's get() default.
const defaultGetTimeout = 2 * time.Second

// minAssignableID and maxAssignableID bound the only ids start_network may
// assign or accept (spec §6 "Reserved ids": 0 broadcast, 1-7 and 120-255
// reserved, [8,119] assignable).
const (
	minAssignableID = 8
	maxAssignableID = 119
)

// Context is the running node: its identity, its executor, and every
// transport it owns.
type Context struct {
	id      byte
	log     *zap.Logger
	links   *transport.Registry
	routes  *routing.Table
	stores  *store.Registry
	futures *pending.Futures
	cache   *pending.ResponseCache
	disp    *dispatch.Node

	actions chan func()
	seq     uint16 // only ever touched from the executor

	started atomic.Bool
	wg      sync.WaitGroup
	cancel  context.CancelFunc
	done    chan struct{}
}

// New validates localID and constructs a node identified by it, but does not
// start it (spec §4.7 start_network "validates id"). A zero localID means
// "absent": a random id in [8,119] is assigned, the way start_network(id?)
// does when called with no id. Any other value outside [8,119] is rejected
// immediately (spec §7 "Reserved id on start").
func New(localID byte, log *zap.Logger) (*Context, error) {
	if localID == 0 {
		localID = randomAssignableID()
	} else if localID < minAssignableID || localID > maxAssignableID {
		return nil, errors.Errorf("reserved device id %d: assignable range is [%d,%d]", localID, minAssignableID, maxAssignableID)
	}
	if log == nil {
		log = zap.NewNop()
	}
	n := &Context{
		id:      localID,
		log:     log,
		links:   transport.NewRegistry(),
		routes:  routing.NewTable(),
		stores:  store.NewRegistry(),
		futures: pending.NewFutures(),
		cache:   pending.NewResponseCache(500 * time.Millisecond),
		actions: make(chan func(), 256),
		done:    make(chan struct{}),
	}
	n.disp = &dispatch.Node{
		LocalID: localID,
		Routes:  n.routes,
		Stores:  n.stores,
		Futures: n.futures,
		Cache:   n.cache,
		Links:   n.links,
		Log:     log,
		NextSeq: n.nextSeq,
	}
	return n, nil
}

func randomAssignableID() byte {
	return byte(minAssignableID + rand.Intn(maxAssignableID-minAssignableID+1))
}

// AddLink registers a transport under the node, to be started by
// StartNetwork. Every frame the link decodes is routed through this node's
// executor via do, so dispatch logic always runs single-threaded even
// though each link's own send/recv/discovery/reaper loops are real
// goroutines (spec §5).
func (n *Context) AddLink(name string, stream transport.Stream, ackTimeout time.Duration) *transport.Link {
	link := transport.NewLink(name, stream, transport.Config{
		LocalID: n.LocalID,
		OnFrame: func(f *protocol.Frame, iface string) {
			n.doAsync(func() {
				n.disp.Dispatch(context.Background(), f, iface)
			})
		},
		OnDisconnect: func(iface string, lostNeighbourID byte) {
			n.doAsync(func() {
				n.disp.OnNeighbourLost(iface, lostNeighbourID)
			})
		},
		AckTimeout: ackTimeout,
		Logger:     n.log,
	})
	n.links.Add(link)
	return link
}

// LocalID returns this node's own id.
func (n *Context) LocalID() byte { return n.id }

// do runs fn on the executor and blocks until it has.
func (n *Context) do(fn func()) {
	done := make(chan struct{})
	n.actions <- func() {
		fn()
		close(done)
	}
	<-done
}

// doAsync queues fn on the executor without waiting for it to run.
func (n *Context) doAsync(fn func()) {
	select {
	case n.actions <- fn:
	case <-n.done:
	}
}

func (n *Context) nextSeq() uint16 {
	// Called only from inside the executor (dispatch.Node.NextSeq and the
	// Get/Put helpers below always invoke it through do/doAsync).
	n.seq++
	if n.seq == 0 {
		n.seq = 1 // 0 is reserved (spec §3 Sequence numbers)
	}
	return n.seq
}

// StartNetwork launches the executor and every registered link's background
// activities (spec §4.7 start_network), mirroring the teacher's run.go
// WaitGroup-per-listener launch pattern. It fails if the node is already
// running (spec §7 "Start with duplicate network").
func (n *Context) StartNetwork(ctx context.Context) error {
	if !n.started.CAS(false, true) {
		return errors.New("network already started")
	}

	ctx, cancel := context.WithCancel(ctx)
	n.cancel = cancel

	go func() {
		for {
			select {
			case fn := <-n.actions:
				fn()
			case <-ctx.Done():
				close(n.done)
				n.futures.Cancel(errors.New("network stopped"))
				return
			}
		}
	}()

	n.links.RunAll(ctx, &n.wg)
	n.log.Info("meshnet node started", zap.Uint8("local_id", n.id), zap.Int("transports", len(n.links.All())))
	return nil
}

// StopNetwork signals every link and the executor to shut down and waits
// for the link goroutines to exit (spec §4.7 stop_network / §5
// Cancellation).
func (n *Context) StopNetwork() {
	if n.cancel != nil {
		n.cancel()
	}
	n.links.StopAll()
	n.wg.Wait()
	n.log.Info("meshnet node stopped", zap.Uint8("local_id", n.id))
}

// AvailableAs registers a read-only store backed by producer (spec §4.7
// available_as). The store registry guards its own map, so this is safe to
// call both before StartNetwork and while the network is running — it does
// not need to round-trip through the executor.
func (n *Context) AvailableAs(name string, dt protocol.Datatype, producer store.Producer) error {
	return n.stores.RegisterCallable(name, dt, producer)
}

// DefineStore registers a writable store with an initial value and returns a
// handle a local caller can read/write synchronously (spec §4.7
// define_store).
func (n *Context) DefineStore(name string, dt protocol.Datatype, def interface{}) (*store.Handle, error) {
	if err := n.stores.RegisterWritable(name, dt, def); err != nil {
		return nil, err
	}
	return n.stores.NewHandle(name, dt), nil
}

// Schedule runs coro on the executor without blocking the caller, the
// equivalent of the original single-threaded runtime's cooperative task
// spawn (spec §4.7 schedule).
func (n *Context) Schedule(coro func(ctx context.Context)) {
	n.doAsync(func() {
		coro(context.Background())
	})
}

// WaitForConnect blocks until id is known in the routing table, or ctx is
// cancelled (spec §4.7 wait_for_connect). Per routing.Table's contract, the
// channel itself must be obtained from inside the executor and is then safe
// to block on here, outside it.
func (n *Context) WaitForConnect(ctx context.Context, id byte) error {
	var ch <-chan struct{}
	n.do(func() {
		ch = n.routes.WaitChan(id)
	})
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Get sends a get request to id for name and blocks for the response or
// timeout (spec §4.7 get). A cached response from within the last 500ms is
// served without a round trip (the supplemental response-cache feature).
func (n *Context) Get(ctx context.Context, id byte, name string, timeout time.Duration) (interface{}, error) {
	if timeout <= 0 {
		timeout = defaultGetTimeout
	}
	if v, ok := n.cache.Get(id, name); ok {
		return v, nil
	}

	payload, err := protocol.BuildGet(name)
	if err != nil {
		return nil, err
	}

	var fut <-chan pending.Result
	var sendErr error
	n.do(func() {
		iface, ok := n.routes.BestIface(id)
		if !ok {
			sendErr = errors.Errorf("no route to peer %d", id)
			return
		}
		seq := n.nextSeq()
		frame, encErr := protocol.Encode(protocol.Frame{
			SenderID:     n.id,
			RecipientID:  id,
			Sequence:     seq,
			AckRequested: true,
			Payload:      payload,
		}, true)
		if encErr != nil {
			sendErr = encErr
			return
		}
		fut = n.futures.Register(seq, id)
		n.links.Enqueue(iface, frame, seq, true, true)
	})
	if sendErr != nil {
		return nil, sendErr
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	select {
	case r := <-fut:
		if r.Err != nil {
			return nil, r.Err
		}
		n.cache.Put(id, name, r.Value)
		return r.Value, nil
	case <-ctx.Done():
		return nil, errors.Errorf("get %q from peer %d timed out", name, id)
	}
}

// Put sends a put request to id for name and blocks for the ack (spec §4.7
// put).
func (n *Context) Put(ctx context.Context, id byte, name string, dt protocol.Datatype, value interface{}) error {
	valueBytes, err := protocol.ToBytes(dt, value)
	if err != nil {
		return err
	}
	payload, err := protocol.BuildPut(name, dt, valueBytes)
	if err != nil {
		return err
	}

	var fut <-chan pending.Result
	var sendErr error
	n.do(func() {
		iface, ok := n.routes.BestIface(id)
		if !ok {
			sendErr = errors.Errorf("no route to peer %d", id)
			return
		}
		seq := n.nextSeq()
		frame, encErr := protocol.Encode(protocol.Frame{
			SenderID:     n.id,
			RecipientID:  id,
			Sequence:     seq,
			AckRequested: true,
			Payload:      payload,
		}, true)
		if encErr != nil {
			sendErr = encErr
			return
		}
		fut = n.futures.Register(seq, id)
		n.links.Enqueue(iface, frame, seq, true, true)
	})
	if sendErr != nil {
		return sendErr
	}

	ctx, cancel := context.WithTimeout(ctx, defaultGetTimeout)
	defer cancel()
	select {
	case r := <-fut:
		if r.Err == nil {
			// Refresh the response cache with the value just written, so a get
			// that follows this put is not served an older cached response.
			if v, decErr := protocol.FromBytes(dt, valueBytes); decErr == nil {
				n.cache.Put(id, name, v)
			}
		}
		return r.Err
	case <-ctx.Done():
		return errors.Errorf("put %q to peer %d timed out", name, id)
	}
}
