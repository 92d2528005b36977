// Package pending implements the client-side futures table and the
// per-transport pending-ack table (spec §4.4), using the teacher's own
// patrickmn/go-cache for the TTL-backed bookkeeping — the same library
// cppla-moto uses for its per-IP WAF counter, here carrying ack deadlines
// and cached get responses instead.
package pending

import (
	"sync"
	"time"

	cache "github.com/patrickmn/go-cache"
)

// Result is what a client-side future resolves to: either a plain
// success/failure (status-only ack) or a decoded get-response value.
type Result struct {
	Err   error
	Value interface{}
}

// inflightFuture pairs a caller's result channel with the peer id the
// request was addressed to, so a single lost neighbour only fails the
// futures actually routed through it (spec §7 "futures routed through that
// id") rather than every outstanding request.
type inflightFuture struct {
	ch     chan Result
	peerID byte
}

// Futures is the client side of C4: sequence -> channel the caller awaits.
// Only ever touched from the node's executor goroutine; the channel itself
// is safe to receive on from any goroutine.
type Futures struct {
	inflight map[uint16]inflightFuture
}

// NewFutures builds an empty futures table.
func NewFutures() *Futures {
	return &Futures{inflight: make(map[uint16]inflightFuture)}
}

// Register inserts a future for seq before the request frame is sent to
// peerID, and returns the channel the caller should await.
func (f *Futures) Register(seq uint16, peerID byte) <-chan Result {
	ch := make(chan Result, 1)
	f.inflight[seq] = inflightFuture{ch: ch, peerID: peerID}
	return ch
}

// Resolve delivers r to the future registered under seq, if any, and
// removes the entry (spec §3: "when the future resolves it is removed").
func (f *Futures) Resolve(seq uint16, r Result) bool {
	fut, ok := f.inflight[seq]
	if !ok {
		return false
	}
	delete(f.inflight, seq)
	fut.ch <- r
	close(fut.ch)
	return true
}

// Cancel resolves every outstanding future with err, used only on full
// shutdown (spec §5 Cancellation) where no peer is more relevant than
// another. A single lost neighbour should use CancelForPeer instead.
func (f *Futures) Cancel(err error) {
	for seq, fut := range f.inflight {
		delete(f.inflight, seq)
		fut.ch <- Result{Err: err}
		close(fut.ch)
	}
}

// CancelForPeer resolves with err only the futures addressed to peerID,
// leaving in-flight requests to every other peer untouched (spec §7
// "Neighbour lost": "futures routed through that id fail").
func (f *Futures) CancelForPeer(peerID byte, err error) {
	for seq, fut := range f.inflight {
		if fut.peerID != peerID {
			continue
		}
		delete(f.inflight, seq)
		fut.ch <- Result{Err: err}
		close(fut.ch)
	}
}

// AckEntry is a pending outbound frame awaiting acknowledgement on one
// transport (spec §3 Pending ack).
type AckEntry struct {
	Deadline time.Time
	Frame    []byte
	Retries  int
}

// AckTable is the per-transport sender-side pending-ack map. Spec §5 calls
// out the ack_lock explicitly as the one lock held briefly across state
// mutation outside the executor — the send-queue drainer and the ack-reaper
// both touch this table directly from their own goroutines rather than
// round-tripping through the node executor, since a blocking wire write must
// never be queued behind unrelated executor work.
type AckTable struct {
	mu    sync.Mutex
	c     *cache.Cache
	names map[uint16]struct{} // live keys, since go-cache has no "list all" without a type assertion per item
}

// NewAckTable builds an empty per-transport pending-ack table.
func NewAckTable() *AckTable {
	return &AckTable{
		c:     cache.New(cache.NoExpiration, time.Minute),
		names: make(map[uint16]struct{}),
	}
}

// Insert records frame as awaiting an ack for seq, due by deadline.
func (a *AckTable) Insert(seq uint16, frame []byte, deadline time.Time) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.c.Set(key(seq), &AckEntry{Deadline: deadline, Frame: frame, Retries: 0}, cache.NoExpiration)
	a.names[seq] = struct{}{}
}

// Remove deletes the pending-ack entry for seq, returning it if present.
// Called when the matching ack frame arrives (spec §4.6 command 0).
func (a *AckTable) Remove(seq uint16) (*AckEntry, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.removeLocked(seq)
}

func (a *AckTable) removeLocked(seq uint16) (*AckEntry, bool) {
	v, ok := a.c.Get(key(seq))
	if !ok {
		return nil, false
	}
	a.c.Delete(key(seq))
	delete(a.names, seq)
	return v.(*AckEntry), true
}

// Clear empties the whole table, used on neighbour-lost disconnect (spec
// §4.4: "clear pending_acks").
func (a *AckTable) Clear() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.c.Flush()
	a.names = make(map[uint16]struct{})
}

// ReapAction describes what the reaper decided to do with one entry.
type ReapAction struct {
	Seq        uint16
	Retransmit []byte // non-nil: resend this frame
	Disconnect bool   // true: the adjacent neighbour on this transport is gone
}

// Reap walks every entry past its deadline and applies spec §4.4's policy:
// a first timeout retransmits once and extends the deadline; a second
// timeout on the same entry means the neighbour is gone. The caller is
// responsible for acting on Disconnect (broadcasting remove, clearing
// device_found, resetting awaiting_connection) and for actually writing
// Retransmit frames back onto the send queue — Reap only decides, it does
// not perform I/O, since the reaper itself must never block on the wire.
func (a *AckTable) Reap(now time.Time, timeout time.Duration) []ReapAction {
	a.mu.Lock()
	defer a.mu.Unlock()
	var actions []ReapAction
	for seq := range a.names {
		v, ok := a.c.Get(key(seq))
		if !ok {
			continue
		}
		entry := v.(*AckEntry)
		if now.Before(entry.Deadline) {
			continue
		}
		if entry.Retries == 0 {
			entry.Retries = 1
			entry.Deadline = now.Add(timeout)
			a.c.Set(key(seq), entry, cache.NoExpiration)
			actions = append(actions, ReapAction{Seq: seq, Retransmit: entry.Frame})
			continue
		}
		// Second timeout: the neighbour adjacent on this transport is gone.
		actions = append(actions, ReapAction{Seq: seq, Disconnect: true})
	}
	return actions
}

func key(seq uint16) string {
	return string([]byte{byte(seq), byte(seq >> 8)})
}
