// Package routing implements the distance-vector routing table (spec §4.3):
// known peers, their candidate hop-chains sorted shortest-first, and the
// interface currently used to reach each one.
//
// Table holds no internal lock: per spec §5 all core state is confined to
// the node's single executor goroutine, and every method here (including
// WaitChan) must only be called from within it. The channel WaitChan
// returns is the one exception — it is safe to block on from any goroutine,
// since only the executor ever closes it.
package routing

// Peer is a known remote device (spec §3 Peer record).
type Peer struct {
	ID     byte
	Iface  string
	Chains [][]byte // shortest first
}

// Distance is the length of the peer's shortest known chain.
func (p *Peer) Distance() int {
	if len(p.Chains) == 0 {
		return 0
	}
	return len(p.Chains[0])
}

// Table is the node's routing table. All exported methods are only ever
// called from the node's single executor goroutine (see node.Context);
// Table itself holds no lock because §5 forbids mutating shared state
// outside task context.
type Table struct {
	peers    map[byte]*Peer
	awaiting map[byte]chan struct{}
}

// NewTable builds an empty routing table.
func NewTable() *Table {
	return &Table{
		peers:    make(map[byte]*Peer),
		awaiting: make(map[byte]chan struct{}),
	}
}

// Observe records a chain to id reached via iface. A brand-new peer is
// inserted with that single chain. An existing peer gets the chain inserted
// into its chain list at the position that keeps the list sorted
// shortest-first; if the new chain is strictly shorter than the peer's
// current best, iface is also adopted as the new best_iface (spec §4.3).
// Every appearance of a previously-unknown id signals its awaiting-connect
// event, one-shot.
func (t *Table) Observe(id byte, chain []byte, iface string) {
	chainCopy := append([]byte(nil), chain...)
	p, ok := t.peers[id]
	if !ok {
		t.peers[id] = &Peer{ID: id, Iface: iface, Chains: [][]byte{chainCopy}}
		t.signalConnected(id)
		return
	}
	inserted := false
	wasShortestUpdated := false
	for i, c := range p.Chains {
		if len(chainCopy) < len(c) {
			p.Chains = append(p.Chains[:i], append([][]byte{chainCopy}, p.Chains[i:]...)...)
			inserted = true
			if i == 0 {
				wasShortestUpdated = true
			}
			break
		}
		if chainsEqual(c, chainCopy) {
			inserted = true
			break
		}
	}
	if !inserted {
		p.Chains = append(p.Chains, chainCopy)
	}
	if wasShortestUpdated {
		p.Iface = iface
	}
}

func chainsEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// Forget removes a peer entirely (spec §4.3, driven by command-2 remove or
// by the ack-reaper's disconnect path).
func (t *Table) Forget(id byte) {
	delete(t.peers, id)
}

// BestIface returns the interface on which id's shortest known chain lives,
// and whether id is known at all.
func (t *Table) BestIface(id byte) (string, bool) {
	p, ok := t.peers[id]
	if !ok {
		return "", false
	}
	return p.Iface, true
}

// Distance returns the hop count to id's shortest known chain.
func (t *Table) Distance(id byte) (int, bool) {
	p, ok := t.peers[id]
	if !ok {
		return 0, false
	}
	return p.Distance(), true
}

// Peer returns the full peer record for id, if known.
func (t *Table) Peer(id byte) (*Peer, bool) {
	p, ok := t.peers[id]
	return p, ok
}

// Known reports whether id is present in the table.
func (t *Table) Known(id byte) bool {
	_, ok := t.peers[id]
	return ok
}

// All returns every known peer record, for rebroadcast-to-new-neighbour (§4.5).
func (t *Table) All() []*Peer {
	out := make([]*Peer, 0, len(t.peers))
	for _, p := range t.peers {
		out = append(out, p)
	}
	return out
}

func (t *Table) signalConnected(id byte) {
	if ch, ok := t.awaiting[id]; ok {
		select {
		case <-ch:
		default:
			close(ch)
		}
	}
}

// WaitChan returns a channel that is closed the first time id appears in the
// table (spec's awaiting-connection event set, §3/§4.7 wait_for_connect). If
// id is already known, the returned channel is already closed. Must be
// called from the executor goroutine; the returned channel is then safe to
// block on from any goroutine.
func (t *Table) WaitChan(id byte) <-chan struct{} {
	if ch, ok := t.awaiting[id]; ok {
		return ch
	}
	ch := make(chan struct{})
	if t.Known(id) {
		close(ch)
	}
	t.awaiting[id] = ch
	return ch
}

// ResetAwaiting reverts id's connection event to unsignalled, used when a
// neighbour is declared lost (spec §4.4 disconnect path / §7 Neighbour lost).
func (t *Table) ResetAwaiting(id byte) {
	delete(t.awaiting, id)
}
