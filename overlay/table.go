// Package overlay implements the Kademlia-style routing table and lookup
// engines shared by every Portal Network sub-protocol. Each sub-protocol
// (history, state, beacon, canonical indices) owns its own *Table keyed by
// its own ProtocolID: nodes close together in one sub-protocol's address
// space are not necessarily close in another's.
package overlay

import (
	"context"
	"fmt"
	mrand "math/rand"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common/mclock"
	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/p2p/enode"
	"github.com/holiman/uint256"

	"github.com/KolbyML/ultralight/portalwire"
)

const (
	alpha      = 3   // Kademlia concurrency factor
	bucketSize = 16  // Kademlia bucket size (K)
	nBuckets   = 256 // one bucket per possible XOR-distance bit

	maxReplacements = 10 // size of a bucket's replacement cache
)

// transport is implemented by the engine (Protocol) that owns a Table. It
// lets the table perform liveness checks and FINDNODE queries without
// depending on the wire-format or socket layer directly.
type transport interface {
	Ping(*enode.Node) (remoteSeq uint64, err error)
	RequestENR(*enode.Node) (*enode.Node, error)
	FindNode(toNode *enode.Node, distances []uint) ([]*enode.Node, error)
}

// Config holds the tunables for a single sub-protocol's Table.
type Config struct {
	PingInterval    time.Duration
	RefreshInterval time.Duration
	Bootnodes       []*enode.Node
	Log             log.Logger
	Clock           mclock.Clock
}

func (cfg Config) withDefaults() Config {
	if cfg.PingInterval == 0 {
		cfg.PingInterval = 3 * time.Second
	}
	if cfg.RefreshInterval == 0 {
		cfg.RefreshInterval = 30 * time.Minute
	}
	if cfg.Log == nil {
		cfg.Log = log.Root()
	}
	if cfg.Clock == nil {
		cfg.Clock = mclock.System{}
	}
	return cfg
}

// bucket holds the live entries at one log-distance from the local node in
// insertion order (an entry is not moved when it answers a liveness check),
// plus a small bounded cache of nodes waiting for a slot to open up.
type bucket struct {
	index        int
	entries      []*node
	replacements []*node
}

// Table is a per-sub-protocol Kademlia routing table, generalized from
// go-ethereum's discv5 table to operate over an arbitrary ProtocolID's
// address space while reusing the same node/enode machinery.
type Table struct {
	mutex   sync.Mutex
	buckets [nBuckets]*bucket
	nursery []*enode.Node
	rand    *mrand.Rand

	protocol portalwire.ProtocolID
	self     *enode.Node
	net      transport
	cfg      Config
	log      log.Logger

	revalidation   tableRevalidation
	revalidateResp chan revalidationResponse

	refreshReq chan chan struct{}
	initDone   chan struct{}
	closeReq   chan struct{}
	closed     chan struct{}

	addedHook func(*enode.Node)
}

// NewTable constructs a routing table for one sub-protocol. self is the
// local node's own record; net performs the liveness/FINDNODE traffic the
// table needs to validate and refresh entries.
func NewTable(protocol portalwire.ProtocolID, self *enode.Node, net transport, cfg Config) *Table {
	cfg = cfg.withDefaults()
	tab := &Table{
		protocol:       protocol,
		self:           self,
		net:            net,
		cfg:            cfg,
		log:            cfg.Log.New("protocol", protocol),
		rand:           mrand.New(mrand.NewSource(mrand.Int63())),
		revalidateResp: make(chan revalidationResponse),
		refreshReq:     make(chan chan struct{}),
		initDone:       make(chan struct{}),
		closeReq:       make(chan struct{}),
		closed:         make(chan struct{}),
		nursery:        cfg.Bootnodes,
	}
	for i := range tab.buckets {
		tab.buckets[i] = &bucket{index: i}
	}
	tab.revalidation.init(&cfg)
	go tab.loop()
	return tab
}

// Self returns the local node.
func (tab *Table) Self() *enode.Node { return tab.self }

// bucketIndex returns the bucket an id falls in. Distance is measured by the
// position of the highest differing bit between id and the local node
// (enode.LogDist), and bucket index runs the opposite way: bucket 255 holds
// the closest nodes (distance 1), bucket 0 the farthest (distance 256).
func (tab *Table) bucketIndex(id enode.ID) int {
	d := enode.LogDist(tab.self.ID(), id)
	if d == 0 {
		d = 1
	}
	return nBuckets - d
}

func (tab *Table) bucket(id enode.ID) *bucket {
	return tab.buckets[tab.bucketIndex(id)]
}

// AddNode offers a node to the table, inserting it directly if its bucket
// has room, or parking it in the bucket's replacement cache otherwise.
func (tab *Table) AddNode(n *enode.Node) {
	if n.ID() == tab.self.ID() {
		return
	}
	tab.mutex.Lock()
	defer tab.mutex.Unlock()
	tab.addFoundNode(n, false)
}

func (tab *Table) addFoundNode(n *enode.Node, isInbound bool) bool {
	b := tab.bucket(n.ID())
	if containsID(b.entries, n.ID()) {
		return tab.bumpInBucket(b, n)
	}
	if len(b.entries) >= bucketSize {
		tab.addReplacement(b, n)
		return false
	}
	wrapped := wrapNode(n)
	now := tab.cfg.Clock.Now()
	wrapped.addedToTable = time.Unix(0, int64(now))
	wrapped.addedToBucket = wrapped.addedToTable
	b.entries = append(b.entries, wrapped)
	tab.revalidation.nodeAdded(tab, wrapped)
	if tab.addedHook != nil {
		tab.addedHook(n)
	}
	return true
}

func (tab *Table) addReplacement(b *bucket, n *enode.Node) {
	if containsID(b.replacements, n.ID()) {
		return
	}
	wrapped := wrapNode(n)
	b.replacements = append(b.replacements, wrapped)
	if len(b.replacements) > maxReplacements {
		copy(b.replacements, b.replacements[1:])
		b.replacements = b.replacements[:maxReplacements]
	}
}

// deleteInBucket removes a node (from either the live entries or the
// replacement cache) and immediately promotes a replacement if one exists.
func (tab *Table) deleteInBucket(b *bucket, id enode.ID) {
	b.entries = deleteNode(b.entries, id)
	b.replacements = deleteNode(b.replacements, id)
	if len(b.entries) < bucketSize && len(b.replacements) > 0 {
		last := len(b.replacements) - 1
		promoted := b.replacements[last]
		b.replacements = b.replacements[:last]
		promoted.addedToBucket = time.Unix(0, int64(tab.cfg.Clock.Now()))
		b.entries = append(b.entries, promoted)
		tab.revalidation.nodeAdded(tab, promoted)
	}
}

func (tab *Table) bumpInBucket(b *bucket, newRecord *enode.Node) bool {
	for _, e := range b.entries {
		if e.ID() == newRecord.ID() {
			if e.Seq() < newRecord.Seq() {
				e.Node = newRecord
				return true
			}
			return false
		}
	}
	return false
}

// DeleteNode removes a node from the table outright (e.g. on a protocol
// violation or repeated FINDNODE failure).
func (tab *Table) DeleteNode(n *enode.Node) {
	tab.mutex.Lock()
	defer tab.mutex.Unlock()
	b := tab.bucket(n.ID())
	tab.revalidation.nodeRemoved(wrapNode(n))
	tab.deleteInBucket(b, n.ID())
}

// GetNode returns the node with the given id, if present.
func (tab *Table) GetNode(id enode.ID) *enode.Node {
	tab.mutex.Lock()
	defer tab.mutex.Unlock()
	b := tab.buckets[tab.bucketIndex(id)]
	for _, e := range b.entries {
		if e.ID() == id {
			return e.Node
		}
	}
	return nil
}

// findnodeByID returns the n nodes closest to target that the table
// currently knows about.
func (tab *Table) findnodeByID(target enode.ID, nresults int, includeSelf bool) *nodesByDistance {
	tab.mutex.Lock()
	defer tab.mutex.Unlock()
	close := &nodesByDistance{target: target}
	if includeSelf {
		close.push(tab.self, nresults)
	}
	for _, b := range tab.buckets {
		for _, e := range b.entries {
			close.push(e.Node, nresults)
		}
	}
	return close
}

// nodesAtDistance returns every table entry exactly d buckets away from the
// local node, as requested by an inbound FINDNODES distances list.
func (tab *Table) nodesAtDistance(d int) []*enode.Node {
	tab.mutex.Lock()
	defer tab.mutex.Unlock()
	if d < 1 || d > nBuckets {
		return nil
	}
	b := tab.buckets[nBuckets-d]
	out := make([]*enode.Node, len(b.entries))
	for i, e := range b.entries {
		out[i] = e.Node
	}
	return out
}

// ClosestNodes returns up to n nodes closest to target.
func (tab *Table) ClosestNodes(target enode.ID, n int) []*enode.Node {
	return tab.findnodeByID(target, n, false).entries
}

// UpdateRadius records id's last-advertised data radius, observed from a
// PING/PONG custom payload, for later gossip candidate filtering. A no-op
// if id isn't currently a live table entry.
func (tab *Table) UpdateRadius(id enode.ID, radius *uint256.Int) {
	tab.mutex.Lock()
	defer tab.mutex.Unlock()
	b := tab.bucket(id)
	for _, e := range b.entries {
		if e.ID() == id {
			e.radius = radius
			return
		}
	}
}

// ClosestNodesInRadius returns up to n known nodes closest to target whose
// last-advertised radius covers contentId (spec.md §4.5's neighborhood
// gossip selection rule). Nodes whose radius hasn't been observed yet are
// excluded rather than assumed to be in range.
func (tab *Table) ClosestNodesInRadius(target enode.ID, contentId []byte, n int) []*enode.Node {
	tab.mutex.Lock()
	defer tab.mutex.Unlock()
	close := &nodesByDistance{target: target}
	for _, b := range tab.buckets {
		for _, e := range b.entries {
			if e.radius == nil {
				continue
			}
			if xorDistance(contentId, e.ID().Bytes()).Cmp(e.radius) > 0 {
				continue
			}
			close.push(e.Node, n)
		}
	}
	return close.entries
}

// Len reports how many nodes the table currently holds.
func (tab *Table) Len() int {
	tab.mutex.Lock()
	defer tab.mutex.Unlock()
	n := 0
	for _, b := range tab.buckets {
		n += len(b.entries)
	}
	return n
}

// Buckets returns a snapshot of the table for RPC-style introspection,
// one row of hex node ids per non-empty bucket.
func (tab *Table) Buckets() [][]string {
	tab.mutex.Lock()
	defer tab.mutex.Unlock()
	var out [][]string
	for _, b := range tab.buckets {
		if len(b.entries) == 0 {
			continue
		}
		row := make([]string, 0, len(b.entries))
		for _, e := range b.entries {
			row = append(row, e.ID().String())
		}
		out = append(out, row)
	}
	return out
}

// trackRequest records the outcome of an outgoing FINDNODE so the
// revalidator and replacement cache can react to unresponsive peers.
func (tab *Table) trackRequest(n *enode.Node, success bool, foundNodes []*enode.Node) {
	tab.mutex.Lock()
	defer tab.mutex.Unlock()
	for _, fn := range foundNodes {
		if fn != nil {
			tab.addFoundNode(fn, false)
		}
	}
	if !success {
		b := tab.bucket(n.ID())
		for _, e := range b.entries {
			if e.ID() == n.ID() {
				if e.livenessChecks <= 1 {
					tab.deleteInBucket(b, n.ID())
				} else {
					e.livenessChecks--
				}
				return
			}
		}
	}
}

// Refresh triggers (and waits for) a single table-refresh round: a
// self-lookup plus re-bonding of nursery/bootstrap nodes.
func (tab *Table) Refresh() <-chan struct{} {
	done := make(chan struct{})
	select {
	case tab.refreshReq <- done:
	case <-tab.closed:
		close(done)
	}
	return done
}

// WaitInit blocks until the table has completed its first refresh, or ctx
// is cancelled.
func (tab *Table) WaitInit(ctx context.Context) error {
	select {
	case <-tab.initDone:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (tab *Table) loop() {
	refresh := time.NewTicker(tab.cfg.RefreshInterval)
	revalTimer := time.NewTimer(time.Hour)
	revalTimer.Stop()
	var waiting []chan struct{}
	defer refresh.Stop()
	defer revalTimer.Stop()

	tab.doRefresh()
	close(tab.initDone)
	tab.scheduleReval(revalTimer)

loop:
	for {
		select {
		case <-refresh.C:
			tab.doRefresh()
		case req := <-tab.refreshReq:
			tab.doRefresh()
			waiting = append(waiting, req)
			for _, w := range waiting {
				close(w)
			}
			waiting = nil
		case <-revalTimer.C:
			tab.mutex.Lock()
			tab.revalidation.run(tab, tab.cfg.Clock.Now())
			tab.mutex.Unlock()
			tab.scheduleReval(revalTimer)
		case resp := <-tab.revalidateResp:
			tab.revalidation.handleResponse(tab, resp)
			tab.scheduleReval(revalTimer)
		case <-tab.closeReq:
			break loop
		}
	}
	for _, w := range waiting {
		close(w)
	}
	close(tab.closed)
}

func (tab *Table) scheduleReval(timer *time.Timer) {
	next := tab.revalidation.nextTime()
	if next == never {
		return
	}
	d := time.Duration(next - tab.cfg.Clock.Now())
	if d < 0 {
		d = 0
	}
	timer.Stop()
	timer.Reset(d)
}

// doRefresh re-bonds nursery nodes and performs a self lookup to populate
// the table; this is the bootstrapping and periodic-refresh entry point.
func (tab *Table) doRefresh() {
	for _, n := range tab.nursery {
		tab.AddNode(n)
	}
	target := tab.self.ID()
	asked := map[enode.ID]bool{target: true}
	seen := map[enode.ID]bool{target: true}
	result := tab.findnodeByID(target, bucketSize, false)
	reply := make(chan []*enode.Node, alpha)
	pending := 0
	for {
		for i := 0; i < len(result.entries) && pending < alpha; i++ {
			n := result.entries[i]
			if asked[n.ID()] {
				continue
			}
			asked[n.ID()] = true
			pending++
			go func(n *enode.Node) {
				found, err := tab.net.FindNode(n, []uint{uint(enode.LogDist(target, n.ID()))})
				tab.trackRequest(n, err == nil, found)
				reply <- found
			}(n)
		}
		if pending == 0 {
			break
		}
		found := <-reply
		pending--
		for _, n := range found {
			if n != nil && !seen[n.ID()] {
				seen[n.ID()] = true
				result.push(n, bucketSize)
			}
		}
	}
}

// Close shuts the table's background loop down.
func (tab *Table) Close() {
	select {
	case <-tab.closed:
	case tab.closeReq <- struct{}{}:
		<-tab.closed
	}
}

var errClosed = fmt.Errorf("overlay: table closed")
