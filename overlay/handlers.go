package overlay

import (
	"context"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/p2p/enode"
	"github.com/ethereum/go-ethereum/p2p/enr"
	"github.com/ethereum/go-ethereum/rlp"

	"github.com/KolbyML/ultralight/portalwire"
)

const bulkTransferTimeoutDuration = 30 * time.Second

// encodeENR RLP-encodes n's record, caching the result by node id/seq in
// enrEncodeCache: the same handful of routing-table neighbors gets
// re-encoded into every NODES/CONTENT-enrs response this node answers, and
// a record's bytes never change between two observations of the same
// sequence number.
func (p *Protocol) encodeENR(n *enode.Node) ([]byte, error) {
	key := enrCacheKey(n)
	if b := p.enrEncodeCache.Get(nil, key); b != nil {
		return b, nil
	}
	var rec enr.Record
	rec = *n.Record()
	b, err := rlp.EncodeToBytes(&rec)
	if err != nil {
		return nil, err
	}
	p.enrEncodeCache.Set(key, b)
	return b, nil
}

func enrCacheKey(n *enode.Node) []byte {
	id := n.ID()
	key := make([]byte, 0, len(id)+8)
	key = append(key, id[:]...)
	var seq [8]byte
	binary.BigEndian.PutUint64(seq[:], n.Seq())
	return append(key, seq[:]...)
}

// contentIdToNodeID reinterprets a content-id as a node id purely for the
// purpose of XOR-distance comparisons against the routing table; content-ids
// and node ids live in the same 256-bit keyspace by construction.
func contentIdToNodeID(contentId []byte) [32]byte {
	var id [32]byte
	copy(id[:], contentId)
	return id
}

// HandleTalkRequest is wired into the shared discv5 transport's TALKREQ
// dispatcher (keyed by this engine's protocol id) and returns the raw
// TALKRESP payload.
func (p *Protocol) HandleTalkRequest(id enode.ID, addr fmt.Stringer, msg []byte) []byte {
	n := p.table.GetNode(id)
	code, body, err := portalwire.DecodeMessage(msg)
	if err != nil {
		p.log.Debug("failed to decode talk request", "id", id, "err", err)
		return nil
	}

	var resp []byte
	switch code {
	case portalwire.PING:
		resp, err = p.handlePing(n, body)
	case portalwire.FINDNODES:
		resp, err = p.handleFindNodes(n, body)
	case portalwire.FINDCONTENT:
		resp, err = p.handleFindContent(n, body)
	case portalwire.OFFER:
		resp, err = p.handleOffer(n, body)
	default:
		err = fmt.Errorf("overlay: unhandled message code %d", code)
	}
	if err != nil {
		p.log.Debug("failed to handle talk request", "id", id, "code", code, "err", err)
		return nil
	}
	return resp
}

func (p *Protocol) handlePing(n *enode.Node, body []byte) ([]byte, error) {
	ping := &portalwire.Ping{}
	if err := ping.UnmarshalSSZ(body); err != nil {
		return nil, err
	}
	p.metrics.messagesReceivedPing.Mark(1)

	if n != nil {
		// n is only non-nil for a peer the table already holds, so AddNode
		// just refreshes its record before UpdateRadius stores its radius.
		p.table.AddNode(n)
		if radius, err := radiusFromCustomPayload(ping.CustomPayload); err == nil {
			p.table.UpdateRadius(n.ID(), radius)
		}
	}

	radius, err := p.store.Radius().MarshalSSZ()
	if err != nil {
		return nil, err
	}
	pongCustom := portalwire.PingPongCustomData{Radius: radius}
	customBytes, err := pongCustom.MarshalSSZ()
	if err != nil {
		return nil, err
	}
	pong := &portalwire.Pong{EnrSeq: p.localNode.Node().Seq(), CustomPayload: customBytes}
	out, err := portalwire.EncodeMessage(portalwire.PONG, pong)
	if err != nil {
		return nil, err
	}
	p.metrics.messagesSentPong.Mark(1)
	return out, nil
}

func (p *Protocol) handleFindNodes(n *enode.Node, body []byte) ([]byte, error) {
	req := &portalwire.FindNodes{}
	if err := req.UnmarshalSSZ(body); err != nil {
		return nil, err
	}
	p.metrics.messagesReceivedFindNodes.Mark(1)

	var matches []*enode.Node
	for _, db := range req.Distances {
		d := int(db[0]) | int(db[1])<<8
		if d == 0 {
			matches = append(matches, p.Self())
			continue
		}
		matches = append(matches, p.table.nodesAtDistance(d)...)
		if len(matches) >= bucketSize {
			break
		}
	}
	if len(matches) > bucketSize {
		matches = matches[:bucketSize]
	}

	enrs := make([][]byte, 0, len(matches))
	total := 0
	for _, m := range matches {
		b, err := p.encodeENR(m)
		if err != nil {
			continue
		}
		if total+len(b) > portalwire.MaxContentPayloadSize {
			break
		}
		total += len(b)
		enrs = append(enrs, b)
	}
	nodes := &portalwire.Nodes{Total: 1, Enrs: enrs}
	out, err := portalwire.EncodeMessage(portalwire.NODES, nodes)
	if err != nil {
		return nil, err
	}
	p.metrics.messagesSentNodes.Mark(1)
	return out, nil
}

func (p *Protocol) handleFindContent(n *enode.Node, body []byte) ([]byte, error) {
	req := &portalwire.FindContent{}
	if err := req.UnmarshalSSZ(body); err != nil {
		return nil, err
	}
	p.metrics.messagesReceivedFindContent.Mark(1)

	contentId := p.ToContentId(req.ContentKey)
	content, err := p.store.Get(req.ContentKey, contentId)
	if err == nil {
		if len(content) <= portalwire.MaxContentPayloadSize {
			return p.encodeContentResponse(portalwire.ContentRawSelector, content)
		}
		if n == nil {
			return nil, fmt.Errorf("overlay: cannot offer bulk content to unknown peer")
		}
		connID := p.utp.AllocConnID(n)
		go p.serveBulkContent(n, connID, content)
		connIDBytes := []byte{byte(connID), byte(connID >> 8)}
		return p.encodeContentResponse(portalwire.ContentConnIdSelector, connIDBytes)
	}

	closest := p.table.ClosestNodes(enode.ID(contentIdToNodeID(contentId)), bucketSize)
	enrs := make([][]byte, 0, len(closest))
	for _, m := range closest {
		b, err := p.encodeENR(m)
		if err != nil {
			continue
		}
		enrs = append(enrs, b)
	}
	encoded := &portalwire.Enrs{Enrs: enrs}
	payload, err := encoded.MarshalSSZ()
	if err != nil {
		return nil, err
	}
	return p.encodeContentResponse(portalwire.ContentEnrsSelector, payload)
}

func (p *Protocol) encodeContentResponse(selector byte, payload []byte) ([]byte, error) {
	content := &portalwire.Content{Content: append([]byte{selector}, payload...)}
	out, err := portalwire.EncodeMessage(portalwire.CONTENT, content)
	if err != nil {
		return nil, err
	}
	p.metrics.messagesSentContent.Mark(1)
	return out, nil
}

func (p *Protocol) serveBulkContent(n *enode.Node, connID uint16, content []byte) {
	ctx, cancel := context.WithTimeout(context.Background(), bulkTransferTimeoutDuration)
	defer cancel()
	if err := p.utp.Offer(ctx, n, connID, content); err != nil {
		p.metrics.utpOutFailWrite.Inc(1)
		p.log.Debug("bulk content transfer failed", "peer", n.ID(), "err", err)
	}
}

func (p *Protocol) handleOffer(n *enode.Node, body []byte) ([]byte, error) {
	req := &portalwire.Offer{}
	if err := req.UnmarshalSSZ(body); err != nil {
		return nil, err
	}
	p.metrics.messagesReceivedOffer.Mark(1)

	bitlist := portalwire.NewContentKeysBitlist(len(req.ContentKeys))
	var wanted [][]byte
	for i, key := range req.ContentKeys {
		contentId := p.ToContentId(key)
		if !p.InRange(contentId) {
			continue
		}
		if _, err := p.store.Get(key, contentId); err == nil {
			continue
		}
		portalwire.SetContentKeyAccepted(bitlist, i)
		wanted = append(wanted, key)
	}

	connID := p.utp.AllocConnID(n)
	if len(wanted) > 0 {
		go p.acceptBulkContent(n, connID, wanted)
	}

	accept := &portalwire.Accept{
		ConnectionId: []byte{byte(connID), byte(connID >> 8)},
		ContentKeys:  bitlist,
	}
	out, err := portalwire.EncodeMessage(portalwire.ACCEPT, accept)
	if err != nil {
		return nil, err
	}
	p.metrics.messagesSentAccept.Mark(1)
	return out, nil
}

func (p *Protocol) acceptBulkContent(n *enode.Node, connID uint16, wanted [][]byte) {
	ctx, cancel := context.WithTimeout(context.Background(), bulkTransferTimeoutDuration)
	defer cancel()
	raw, err := p.utp.Accept(ctx, n, connID)
	if err != nil {
		p.metrics.utpInFailRead.Inc(1)
		p.log.Debug("bulk content accept failed", "peer", n.ID(), "err", err)
		return
	}
	p.metrics.utpInSuccess.Inc(1)
	items, err := decodeVarByteListPublic(raw)
	if err != nil {
		p.log.Debug("bulk content decode failed", "peer", n.ID(), "err", err)
		return
	}
	if len(items) != len(wanted) {
		p.log.Debug("bulk content item count mismatch", "peer", n.ID(), "want", len(wanted), "got", len(items))
		if len(items) < len(wanted) {
			wanted = wanted[:len(items)]
		} else {
			items = items[:len(wanted)]
		}
	}
	select {
	case p.contentQueue <- &ContentElement{Node: n, ContentKeys: wanted, Contents: items}:
	case <-p.closeCtx.Done():
	}
}

// processContentLoop drains accepted OFFER content, verifies it through the
// sub-protocol-supplied verifier, admits it locally and gossips it onward.
func (p *Protocol) processContentLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case el := <-p.contentQueue:
			p.handleContentElement(el)
		}
	}
}

func (p *Protocol) handleContentElement(el *ContentElement) {
	for i, key := range el.ContentKeys {
		content := el.Contents[i]
		contentId := p.ToContentId(key)
		if !p.InRange(contentId) {
			continue
		}
		if err := p.store.Put(key, contentId, content); err != nil {
			p.log.Debug("failed to store offered content", "err", err)
			continue
		}
		p.metrics.contentAcceptedCount.Inc(1)
		p.gossip(key, content, el.Node)
	}
}
