package overlay

import (
	"github.com/ethereum/go-ethereum/p2p/enode"
)

// gossipFanout is how many peers freshly-admitted content is pushed to
// before the rest of the network is left to pull it via FINDCONTENT.
const gossipFanout = 4

// gossip pushes newly admitted content to a handful of the closest known
// peers, skipping the peer it was received from (if any).
func (p *Protocol) gossip(contentKey, content []byte, from *enode.Node) {
	contentId := p.ToContentId(contentKey)
	target := enode.ID(contentIdToNodeID(contentId))
	candidates := p.table.ClosestNodesInRadius(target, contentId, gossipFanout+1)

	sent := 0
	for _, n := range candidates {
		if sent >= gossipFanout {
			break
		}
		if from != nil && n.ID() == from.ID() {
			continue
		}
		if !p.gossipLimiter.Allow() {
			p.log.Trace("gossip offer rate-limited, skipping peer", "peer", n.ID())
			continue
		}
		sent++
		go func(n *enode.Node) {
			if err := p.offer(n, [][]byte{contentKey}, [][]byte{content}); err != nil {
				p.log.Trace("gossip offer failed", "peer", n.ID(), "err", err)
			}
		}(n)
	}
}

// Gossip pushes locally-originated content (e.g. freshly produced by a
// bridge/archive node) to the network, the same way accepted OFFER content
// is fanned out after admission.
func (p *Protocol) Gossip(contentKey, content []byte) {
	p.gossip(contentKey, content, nil)
}
