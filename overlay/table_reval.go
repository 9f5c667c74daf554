package overlay

import (
	"math"
	mrand "math/rand"
	"slices"
	"time"

	"github.com/ethereum/go-ethereum/common/mclock"
	"github.com/ethereum/go-ethereum/p2p/enode"
)

const never = mclock.AbsTime(math.MaxInt64)

// tableRevalidation periodically re-pings table entries to confirm they are
// still live, separating newly-added nodes (checked more often, on probation)
// from nodes that already passed at least one check.
type tableRevalidation struct {
	newNodes  revalidationList
	nodes     revalidationList
	activeReq map[enode.ID]struct{}
}

type revalidationResponse struct {
	n          *node
	didRespond bool
	isNewNode  bool
	newRecord  *enode.Node
}

func (tr *tableRevalidation) init(cfg *Config) {
	tr.activeReq = make(map[enode.ID]struct{})
	tr.newNodes.nextTime = never
	tr.newNodes.interval = cfg.PingInterval / 3
	tr.nodes.nextTime = never
	tr.nodes.interval = cfg.PingInterval
}

func (tr *tableRevalidation) nodeAdded(tab *Table, n *node) {
	tr.newNodes.push(n, tab.cfg.Clock.Now(), tab.rand)
}

func (tr *tableRevalidation) nodeRemoved(n *node) {
	wasnew := tr.newNodes.remove(n)
	if !wasnew {
		tr.nodes.remove(n)
	}
}

func (tr *tableRevalidation) nextTime() mclock.AbsTime {
	if tr.newNodes.nextTime < tr.nodes.nextTime {
		return tr.newNodes.nextTime
	}
	return tr.nodes.nextTime
}

func (tr *tableRevalidation) run(tab *Table, now mclock.AbsTime) {
	if n := tr.newNodes.get(now, tab.rand, tr.activeReq); n != nil {
		tr.startRequest(tab, n, true)
		tr.newNodes.schedule(now, tab.rand)
	}
	if n := tr.nodes.get(now, tab.rand, tr.activeReq); n != nil {
		tr.startRequest(tab, n, false)
		tr.nodes.schedule(now, tab.rand)
	}
}

func (tr *tableRevalidation) startRequest(tab *Table, n *node, newNode bool) {
	if _, ok := tr.activeReq[n.ID()]; ok {
		return
	}
	tr.activeReq[n.ID()] = struct{}{}
	resp := revalidationResponse{n: n, isNewNode: newNode}

	tab.mutex.Lock()
	target := n.Node
	tab.mutex.Unlock()

	go tab.doRevalidate(resp, target)
}

func (tab *Table) doRevalidate(resp revalidationResponse, n *enode.Node) {
	remoteSeq, err := tab.net.Ping(n)
	resp.didRespond = err == nil

	if err == nil && remoteSeq > n.Seq() {
		newrec, err := tab.net.RequestENR(n)
		if err != nil {
			tab.log.Debug("ENR request failed", "id", n.ID(), "err", err)
		} else {
			resp.newRecord = newrec
		}
	}

	select {
	case tab.revalidateResp <- resp:
	case <-tab.closed:
	}
}

func (tr *tableRevalidation) handleResponse(tab *Table, resp revalidationResponse) {
	n := resp.n
	delete(tr.activeReq, n.ID())

	tab.mutex.Lock()
	defer tab.mutex.Unlock()

	b := tab.bucket(n.ID())

	if !resp.didRespond {
		n.livenessChecks /= 3
		if n.livenessChecks == 0 || resp.isNewNode {
			tab.deleteInBucket(b, n.ID())
		}
		return
	}

	n.livenessChecks++
	n.isValidatedLive = true
	tab.log.Debug("Revalidated node", "bucket", b.index, "id", n.ID(), "checks", n.livenessChecks)
	if resp.newRecord != nil {
		updated := tab.bumpInBucket(b, resp.newRecord)
		if updated {
			n.isValidatedLive = false
		}
	}

	if resp.isNewNode {
		tr.newNodes.remove(n)
		tr.nodes.push(n, tab.cfg.Clock.Now(), tab.rand)
	}
}

// revalidationList holds nodes awaiting their next liveness check.
type revalidationList struct {
	nodes    []*node
	nextTime mclock.AbsTime
	interval time.Duration
}

func (rq *revalidationList) get(now mclock.AbsTime, rand *mrand.Rand, exclude map[enode.ID]struct{}) *node {
	if now < rq.nextTime || len(rq.nodes) == 0 {
		return nil
	}
	for i := 0; i < len(rq.nodes)*3; i++ {
		n := rq.nodes[rand.Intn(len(rq.nodes))]
		if _, excluded := exclude[n.ID()]; !excluded {
			return n
		}
	}
	return nil
}

func (rq *revalidationList) push(n *node, now mclock.AbsTime, rand *mrand.Rand) {
	rq.nodes = append(rq.nodes, n)
	if rq.nextTime == never {
		rq.schedule(now, rand)
	}
}

func (rq *revalidationList) schedule(now mclock.AbsTime, rand *mrand.Rand) {
	rq.nextTime = now.Add(time.Duration(rand.Int63n(int64(rq.interval) + 1)))
}

func (rq *revalidationList) remove(n *node) bool {
	i := slices.Index(rq.nodes, n)
	if i == -1 {
		return false
	}
	rq.nodes = slices.Delete(rq.nodes, i, i+1)
	if len(rq.nodes) == 0 {
		rq.nextTime = never
	}
	return true
}
