package overlay

import (
	"context"
	"fmt"
	"sort"

	"github.com/ethereum/go-ethereum/p2p/enode"

	"github.com/KolbyML/ultralight/portalwire"
)

// ContentLookupResult is what a recursive FINDCONTENT search converges on.
type ContentLookupResult struct {
	Content     []byte
	UtpTransfer bool
	Source      *enode.Node
}

// TraceContentLookup extends ContentLookupResult with the full path of
// queried peers, for diagnostic RPCs.
type TraceContentLookup struct {
	ContentLookupResult
	Origin    enode.ID
	Responses map[enode.ID][]enode.ID
	Cancelled bool
}

// ContentLookup performs a recursive FINDCONTENT search for contentKey: ask
// the alpha closest known nodes, following ENR candidates returned by peers
// that don't have the content themselves, until a node answers with content
// (directly or via a bulk-transfer connection id) or the search runs dry.
func (p *Protocol) ContentLookup(ctx context.Context, contentKey []byte) (*ContentLookupResult, error) {
	res, _, err := p.contentLookup(ctx, contentKey, false)
	return res, err
}

// TraceContentLookup is ContentLookup with the query path recorded.
func (p *Protocol) TraceContentLookup(ctx context.Context, contentKey []byte) (*TraceContentLookup, error) {
	res, trace, err := p.contentLookup(ctx, contentKey, true)
	if trace == nil {
		trace = &TraceContentLookup{Origin: p.Self().ID(), Responses: map[enode.ID][]enode.ID{}}
	}
	if res != nil {
		trace.ContentLookupResult = *res
	}
	if err != nil {
		trace.Cancelled = true
	}
	return trace, err
}

// inflightLookup is the value tracked per content id in Protocol.inflight:
// every concurrent caller for the same id waits on done rather than issuing
// its own FINDCONTENT round.
type inflightLookup struct {
	done chan struct{}
	res  *ContentLookupResult
	tr   *TraceContentLookup
	err  error
}

func (p *Protocol) contentLookup(ctx context.Context, contentKey []byte, trace bool) (res *ContentLookupResult, tr *TraceContentLookup, err error) {
	ctx, cancel := context.WithTimeout(ctx, LookupTimeout)
	defer cancel()

	contentId := p.ToContentId(contentKey)
	dedupKey := string(contentId)
	if v, ok := p.inflight.Get(dedupKey); ok {
		existing := v.(*inflightLookup)
		select {
		case <-existing.done:
			return existing.res, existing.tr, existing.err
		case <-ctx.Done():
			return nil, nil, ctx.Err()
		}
	}
	self := &inflightLookup{done: make(chan struct{})}
	p.inflight.Add(dedupKey, self)
	defer func() {
		self.res, self.tr, self.err = res, tr, err
		p.inflight.Remove(dedupKey)
		close(self.done)
	}()

	target := enode.ID(contentIdToNodeID(contentId))

	asked := map[enode.ID]bool{p.Self().ID(): true}
	candidates := &nodesByDistance{target: target}
	for _, n := range p.table.ClosestNodes(target, bucketSize) {
		candidates.push(n, bucketSize)
	}

	if trace {
		tr = &TraceContentLookup{Origin: p.Self().ID(), Responses: map[enode.ID][]enode.ID{}}
	}

	type queryResult struct {
		n        *enode.Node
		selector byte
		value    interface{}
		err      error
	}
	replyCh := make(chan queryResult, alpha)
	pending := 0

	for {
		for i := 0; i < len(candidates.entries) && pending < alpha; i++ {
			n := candidates.entries[i]
			if asked[n.ID()] {
				continue
			}
			asked[n.ID()] = true
			pending++
			go func(n *enode.Node) {
				selector, value, err := p.findContent(n, contentKey)
				select {
				case replyCh <- queryResult{n: n, selector: selector, value: value, err: err}:
				case <-ctx.Done():
				}
			}(n)
		}
		if pending == 0 {
			return nil, tr, fmt.Errorf("overlay: content lookup for %x exhausted candidates", contentId)
		}
		select {
		case <-ctx.Done():
			return nil, tr, ctx.Err()
		case r := <-replyCh:
			pending--
			if r.err != nil {
				continue
			}
			switch r.selector {
			case portalwire.ContentRawSelector:
				content := r.value.([]byte)
				return &ContentLookupResult{Content: content, Source: r.n}, tr, nil
			case portalwire.ContentConnIdSelector:
				connID := r.value.(uint16)
				readCtx, readCancel := context.WithTimeout(ctx, bulkTransferTimeoutDuration)
				content, err := p.utp.Accept(readCtx, r.n, connID)
				readCancel()
				if err != nil {
					continue
				}
				return &ContentLookupResult{Content: content, UtpTransfer: true, Source: r.n}, tr, nil
			case portalwire.ContentEnrsSelector:
				found := r.value.([]*enode.Node)
				if tr != nil {
					ids := make([]enode.ID, 0, len(found))
					for _, f := range found {
						ids = append(ids, f.ID())
					}
					tr.Responses[r.n.ID()] = ids
				}
				for _, f := range found {
					p.table.AddNode(f)
					if !asked[f.ID()] {
						candidates.push(f, bucketSize)
					}
				}
				sortByDistance(candidates, target)
			}
		}
	}
}

func sortByDistance(nd *nodesByDistance, target enode.ID) {
	sort.Slice(nd.entries, func(i, j int) bool {
		return enode.DistCmp(target, nd.entries[i].ID(), nd.entries[j].ID()) < 0
	})
}
