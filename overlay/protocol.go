package overlay

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"time"

	"github.com/VictoriaMetrics/fastcache"
	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/p2p/discover"
	"github.com/ethereum/go-ethereum/p2p/enode"
	"github.com/ethereum/go-ethereum/p2p/enr"
	"github.com/ethereum/go-ethereum/rlp"
	lru "github.com/hashicorp/golang-lru"
	"github.com/holiman/uint256"
	"golang.org/x/time/rate"

	"github.com/KolbyML/ultralight/portalwire"
)

// inflightDedupSize bounds how many concurrent FINDCONTENT lookups for
// distinct content ids a Protocol tracks for dedup at once; a lookup storm
// beyond this just stops deduping instead of growing unbounded.
const inflightDedupSize = 256

// gossipRateLimit/gossipRateBurst cap outbound OFFER sends per Protocol:
// gossip is best-effort (spec.md §4.5), so a peer beyond the burst is
// simply skipped this round rather than queued or retried.
const (
	gossipRateLimit = 50 // offers/sec
	gossipRateBurst = 50
)

// enrEncodeCacheSizeBytes bounds the RLP-encoded-ENR cache: a handful of
// megabytes comfortably holds every neighbor a routing table's buckets can
// reference at once.
const enrEncodeCacheSizeBytes = 4 * 1024 * 1024

// ContentStore is the persistence/admission boundary a Protocol drives: a
// radius-bounded key-value store keyed by content-id, with content-key
// carried alongside for verifier dispatch.
type ContentStore interface {
	Get(contentKey, contentId []byte) ([]byte, error)
	Put(contentKey, contentId []byte, content []byte) error
	Radius() *uint256.Int
}

// ErrContentNotFound is overlay's own not-found sentinel. The ContentStore
// implementations in this module report an absent key with
// storage.ErrContentNotFound instead, and no overlay code returns this one.
var ErrContentNotFound = fmt.Errorf("overlay: content not found")

// ContentIDFunc derives a sub-protocol's content-id from a content key.
type ContentIDFunc func(contentKey []byte) []byte

// BulkTransfer is the bulk-transfer (uTP-like) channel a Protocol hands
// oversized CONTENT/OFFER payloads off to.
type BulkTransfer interface {
	// Offer streams payload to n over a connection it dials using connID
	// (the connection id handed to the peer in the ACCEPT/CONTENT message).
	Offer(ctx context.Context, n *enode.Node, connID uint16, payload []byte) error
	// Accept listens for and reads an inbound stream on connID, as
	// allocated by a prior ACCEPT/CONTENT exchange with n.
	Accept(ctx context.Context, n *enode.Node, connID uint16) ([]byte, error)
	// AllocConnID reserves a fresh connection id for use with n.
	AllocConnID(n *enode.Node) uint16
}

// ContentElement is a unit of work handed to the sub-protocol's gossip/
// verification loop after an OFFER/ACCEPT content transfer completes.
type ContentElement struct {
	Node        *enode.Node
	ContentKeys [][]byte
	Contents    [][]byte
}

// ProtocolConfig configures a single sub-protocol engine.
type ProtocolConfig struct {
	ProtocolID      portalwire.ProtocolID
	PrivateKey      *ecdsa.PrivateKey
	Bootnodes       []*enode.Node
	PingInterval    time.Duration
	RefreshInterval time.Duration
	Log             log.Logger
	RadiusMeter     bool
}

// Protocol is the Kademlia/content engine for one Portal Network
// sub-protocol: it owns a routing Table, dispatches the sub-protocol's
// wire messages over the shared discv5 transport's TALKREQ/TALKRESP
// envelope, and drives content admission, lookup and gossip.
type Protocol struct {
	protocolID portalwire.ProtocolID
	privateKey *ecdsa.PrivateKey

	disc      *discover.UDPv5
	localNode *enode.LocalNode
	table     *Table

	store         ContentStore
	contentIDFunc ContentIDFunc
	utp           BulkTransfer
	contentQueue  chan *ContentElement

	// inflight dedups concurrent ContentLookup/TraceContentLookup calls
	// for the same content id so a lookup storm for one popular item
	// doesn't issue redundant FINDCONTENT traffic per caller.
	inflight *lru.Cache

	// gossipLimiter throttles outbound neighborhood OFFER sends.
	gossipLimiter *rate.Limiter

	// enrEncodeCache memoizes RLP-encoded ENR records keyed by node
	// id+seq, populated by encodeENR (handlers.go).
	enrEncodeCache *fastcache.Cache

	metrics *protocolMetrics
	log     log.Logger

	closeCtx  context.Context
	closeFunc context.CancelFunc
}

// NewProtocol wires a sub-protocol engine around a shared discv5 transport.
func NewProtocol(cfg ProtocolConfig, disc *discover.UDPv5, store ContentStore, contentIDFunc ContentIDFunc, utp BulkTransfer) (*Protocol, error) {
	logger := cfg.Log
	if logger == nil {
		logger = log.Root()
	}
	logger = logger.New("protocol", cfg.ProtocolID)

	inflight, err := lru.New(inflightDedupSize)
	if err != nil {
		return nil, fmt.Errorf("overlay: failed to create inflight lookup cache: %w", err)
	}

	p := &Protocol{
		protocolID:    cfg.ProtocolID,
		privateKey:    cfg.PrivateKey,
		disc:          disc,
		localNode:     disc.LocalNode(),
		store:         store,
		contentIDFunc: contentIDFunc,
		utp:           utp,
		contentQueue:  make(chan *ContentElement, 64),
		inflight:       inflight,
		gossipLimiter:  rate.NewLimiter(rate.Limit(gossipRateLimit), gossipRateBurst),
		enrEncodeCache: fastcache.New(enrEncodeCacheSizeBytes),
		metrics:        newProtocolMetrics(string(cfg.ProtocolID)),
		log:            logger,
	}
	p.table = NewTable(cfg.ProtocolID, disc.Self(), p, Config{
		PingInterval:    cfg.PingInterval,
		RefreshInterval: cfg.RefreshInterval,
		Bootnodes:       cfg.Bootnodes,
		Log:             logger,
	})
	return p, nil
}

// Start launches the background content-processing loop. The routing table
// loop is already running from NewTable/NewProtocol.
func (p *Protocol) Start() error {
	p.closeCtx, p.closeFunc = context.WithCancel(context.Background())
	go p.processContentLoop(p.closeCtx)
	return nil
}

// Stop tears down the engine.
func (p *Protocol) Stop() {
	if p.closeFunc != nil {
		p.closeFunc()
	}
	p.table.Close()
}

// Self returns the local node's own record.
func (p *Protocol) Self() *enode.Node { return p.disc.Self() }

// GetContent exposes the content-processing queue so sub-protocol glue can
// drain and verify incoming OFFER/ACCEPT payloads.
func (p *Protocol) GetContent() chan *ContentElement { return p.contentQueue }

// RoutingTableInfo reports the table's bucket contents for introspection.
func (p *Protocol) RoutingTableInfo() [][]string { return p.table.Buckets() }

// AddEnr inserts a peer's record into the routing table directly (used by
// AddEnr RPCs and by wire handlers that observe fresh ENRs).
func (p *Protocol) AddEnr(n *enode.Node) { p.table.AddNode(n) }

// GetNode returns a table entry, or nil.
func (p *Protocol) GetNode(id enode.ID) *enode.Node { return p.table.GetNode(id) }

// DeleteNode removes a table entry.
func (p *Protocol) DeleteNode(id enode.ID) {
	if n := p.table.GetNode(id); n != nil {
		p.table.DeleteNode(n)
	}
}

// ResolveNodeId returns the local table's record for id when it holds one,
// and otherwise performs a recursive FINDNODE lookup for id.
func (p *Protocol) ResolveNodeId(id enode.ID) *enode.Node {
	if n := p.table.GetNode(id); n != nil {
		return n
	}
	found := p.Lookup(id)
	for _, n := range found {
		if n.ID() == id {
			return n
		}
	}
	return nil
}

// Lookup performs a recursive FINDNODE lookup for target.
func (p *Protocol) Lookup(target enode.ID) []*enode.Node {
	return p.table.Lookup(context.Background(), target, func(n *enode.Node) ([]*enode.Node, error) {
		return p.findNodes(n, []uint{uint(enode.LogDist(target, n.ID()))})
	})
}

// Radius returns the locally advertised data radius.
func (p *Protocol) Radius() *uint256.Int { return p.store.Radius() }

// ToContentId derives the content-id for a content key using the
// sub-protocol's hash function (keccak-256 for History/State).
func (p *Protocol) ToContentId(contentKey []byte) []byte { return p.contentIDFunc(contentKey) }

// InRange reports whether contentId falls within the locally advertised
// radius of the local node id.
func (p *Protocol) InRange(contentId []byte) bool {
	distance := xorDistance(contentId, p.Self().ID().Bytes())
	return distance.Cmp(p.Radius()) <= 0
}

func xorDistance(a, b []byte) *uint256.Int {
	var out [32]byte
	for i := 0; i < 32 && i < len(a) && i < len(b); i++ {
		out[i] = a[i] ^ b[i]
	}
	return new(uint256.Int).SetBytes(out[:])
}

// Get reads content from local storage only.
func (p *Protocol) Get(contentKey []byte) ([]byte, error) {
	return p.store.Get(contentKey, p.ToContentId(contentKey))
}

// Put admits content into local storage (callers are expected to have
// already verified it).
func (p *Protocol) Put(contentKey, content []byte) error {
	return p.store.Put(contentKey, p.ToContentId(contentKey), content)
}

// --- transport implementation consumed by Table ---

// Ping performs a portal-level PING/PONG exchange and returns the peer's
// advertised ENR sequence number, satisfying the Table's transport
// interface used for liveness revalidation.
func (p *Protocol) Ping(n *enode.Node) (uint64, error) {
	pong, customPayload, err := p.pingInner(n)
	if err != nil {
		return 0, err
	}
	if radius, err := radiusFromCustomPayload(customPayload); err == nil {
		p.table.UpdateRadius(n.ID(), radius)
	}
	return pong.EnrSeq, nil
}

// radiusFromCustomPayload unpacks the data radius carried in a PING/PONG
// custom payload.
func radiusFromCustomPayload(customPayload []byte) (*uint256.Int, error) {
	var custom portalwire.PingPongCustomData
	if err := custom.UnmarshalSSZ(customPayload); err != nil {
		return nil, err
	}
	radius := new(uint256.Int)
	if err := radius.UnmarshalSSZ(custom.Radius); err != nil {
		return nil, err
	}
	return radius, nil
}

// RequestENR asks discv5 to refresh a peer's ENR.
func (p *Protocol) RequestENR(n *enode.Node) (*enode.Node, error) {
	return p.disc.RequestENR(n)
}

// FindNode is the Table transport hook; it simply forwards to findNodes.
func (p *Protocol) FindNode(n *enode.Node, distances []uint) ([]*enode.Node, error) {
	return p.findNodes(n, distances)
}

func (p *Protocol) talkRequest(n *enode.Node, payload []byte) ([]byte, error) {
	return p.disc.TalkRequest(n, string(p.protocolID), payload)
}

func (p *Protocol) pingInner(n *enode.Node) (*portalwire.Pong, []byte, error) {
	radius, err := p.store.Radius().MarshalSSZ()
	if err != nil {
		return nil, nil, err
	}
	custom := portalwire.PingPongCustomData{Radius: radius}
	customBytes, err := custom.MarshalSSZ()
	if err != nil {
		return nil, nil, err
	}
	ping := &portalwire.Ping{EnrSeq: p.localNode.Node().Seq(), CustomPayload: customBytes}
	req, err := portalwire.EncodeMessage(portalwire.PING, ping)
	if err != nil {
		return nil, nil, err
	}
	p.metrics.messagesSentPing.Mark(1)
	resp, err := p.talkRequest(n, req)
	if err != nil {
		return nil, nil, err
	}
	code, body, err := portalwire.DecodeMessage(resp)
	if err != nil {
		return nil, nil, err
	}
	if code != portalwire.PONG {
		return nil, nil, fmt.Errorf("overlay: expected PONG, got code %d", code)
	}
	p.metrics.messagesReceivedPong.Mark(1)
	pong := &portalwire.Pong{}
	if err := pong.UnmarshalSSZ(body); err != nil {
		return nil, nil, err
	}
	return pong, pong.CustomPayload, nil
}

func (p *Protocol) findNodes(n *enode.Node, distances []uint) ([]*enode.Node, error) {
	msg := &portalwire.FindNodes{}
	for _, d := range distances {
		var db [2]byte
		db[0] = byte(d)
		db[1] = byte(d >> 8)
		msg.Distances = append(msg.Distances, db)
	}
	req, err := portalwire.EncodeMessage(portalwire.FINDNODES, msg)
	if err != nil {
		return nil, err
	}
	p.metrics.messagesSentFindNodes.Mark(1)
	resp, err := p.talkRequest(n, req)
	if err != nil {
		return nil, err
	}
	code, body, err := portalwire.DecodeMessage(resp)
	if err != nil {
		return nil, err
	}
	if code != portalwire.NODES {
		return nil, fmt.Errorf("overlay: expected NODES, got code %d", code)
	}
	p.metrics.messagesReceivedNodes.Mark(1)
	nodes := &portalwire.Nodes{}
	if err := nodes.UnmarshalSSZ(body); err != nil {
		return nil, err
	}
	return decodeEnrs(nodes.Enrs), nil
}

func decodeEnrs(raw [][]byte) []*enode.Node {
	out := make([]*enode.Node, 0, len(raw))
	for _, b := range raw {
		var rec enr.Record
		if err := rlp.DecodeBytes(b, &rec); err != nil {
			continue
		}
		n, err := enode.New(enode.ValidSchemes, &rec)
		if err != nil {
			continue
		}
		out = append(out, n)
	}
	return out
}

// findContent performs a single FINDCONTENT round trip against n, returning
// the CONTENT response's selector and decoded payload: either the content
// bytes directly, a set of closer ENRs, or a uTP connection id to read the
// payload from.
func (p *Protocol) findContent(n *enode.Node, contentKey []byte) (byte, interface{}, error) {
	msg := &portalwire.FindContent{ContentKey: contentKey}
	req, err := portalwire.EncodeMessage(portalwire.FINDCONTENT, msg)
	if err != nil {
		return 0, nil, err
	}
	p.metrics.messagesSentFindContent.Mark(1)
	resp, err := p.talkRequest(n, req)
	if err != nil {
		return 0, nil, err
	}
	return p.processContent(resp)
}

func (p *Protocol) processContent(resp []byte) (byte, interface{}, error) {
	code, body, err := portalwire.DecodeMessage(resp)
	if err != nil {
		return 0, nil, err
	}
	if code != portalwire.CONTENT {
		return 0, nil, fmt.Errorf("overlay: expected CONTENT, got code %d", code)
	}
	p.metrics.messagesReceivedContent.Mark(1)
	if len(body) == 0 {
		return 0, nil, fmt.Errorf("overlay: empty CONTENT body")
	}
	selector := body[0]
	payload := body[1:]
	switch selector {
	case portalwire.ContentRawSelector:
		return selector, payload, nil
	case portalwire.ContentConnIdSelector:
		if len(payload) != 2 {
			return 0, nil, fmt.Errorf("overlay: bad connection id length")
		}
		connID := uint16(payload[0]) | uint16(payload[1])<<8
		return selector, connID, nil
	case portalwire.ContentEnrsSelector:
		enrs := &portalwire.Enrs{}
		if err := enrs.UnmarshalSSZ(payload); err != nil {
			return 0, nil, err
		}
		return selector, decodeEnrs(enrs.Enrs), nil
	default:
		return 0, nil, fmt.Errorf("overlay: unknown content selector %d", selector)
	}
}

// offer drives the OFFER/ACCEPT/bulk-transfer handshake for one peer:
// advertise contentKeys, then stream the accepted subset over the
// bulk-transfer channel.
func (p *Protocol) offer(n *enode.Node, contentKeys [][]byte, contents [][]byte) error {
	msg := &portalwire.Offer{ContentKeys: contentKeys}
	req, err := portalwire.EncodeMessage(portalwire.OFFER, msg)
	if err != nil {
		return err
	}
	p.metrics.messagesSentOffer.Mark(1)
	resp, err := p.talkRequest(n, req)
	if err != nil {
		return err
	}
	code, body, err := portalwire.DecodeMessage(resp)
	if err != nil {
		return err
	}
	if code != portalwire.ACCEPT {
		return fmt.Errorf("overlay: expected ACCEPT, got code %d", code)
	}
	accept := &portalwire.Accept{}
	if err := accept.UnmarshalSSZ(body); err != nil {
		return err
	}
	var accepted [][]byte
	for i := range contentKeys {
		if portalwire.ContentKeyAccepted(accept.ContentKeys, i) {
			accepted = append(accepted, contents[i])
		}
	}
	if len(accepted) == 0 {
		return nil
	}
	connID := uint16(accept.ConnectionId[0]) | uint16(accept.ConnectionId[1])<<8
	payload := encodeVarByteListPublic(accepted)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := p.utp.Offer(ctx, n, connID, payload); err != nil {
		p.metrics.utpOutFailWrite.Inc(1)
		return err
	}
	p.metrics.utpOutSuccess.Inc(1)
	return nil
}

// encodeVarByteListPublic is the wire framing used to pack multiple content
// items over a single bulk-transfer stream (length-prefixed, matching how
// OFFER's accepted-content payload is laid out).
func encodeVarByteListPublic(items [][]byte) []byte {
	total := 4
	for _, it := range items {
		total += 4 + len(it)
	}
	out := make([]byte, 0, total)
	var lenBuf [4]byte
	putLen := func(n int) {
		lenBuf[0] = byte(n)
		lenBuf[1] = byte(n >> 8)
		lenBuf[2] = byte(n >> 16)
		lenBuf[3] = byte(n >> 24)
		out = append(out, lenBuf[:]...)
	}
	putLen(len(items))
	for _, it := range items {
		putLen(len(it))
		out = append(out, it...)
	}
	return out
}

func decodeVarByteListPublic(buf []byte) ([][]byte, error) {
	if len(buf) < 4 {
		return nil, fmt.Errorf("overlay: short bulk payload")
	}
	readLen := func(b []byte) int {
		return int(b[0]) | int(b[1])<<8 | int(b[2])<<16 | int(b[3])<<24
	}
	n := readLen(buf)
	buf = buf[4:]
	items := make([][]byte, 0, n)
	for i := 0; i < n; i++ {
		if len(buf) < 4 {
			return nil, fmt.Errorf("overlay: truncated bulk payload")
		}
		l := readLen(buf)
		buf = buf[4:]
		if len(buf) < l {
			return nil, fmt.Errorf("overlay: truncated bulk payload item")
		}
		items = append(items, buf[:l])
		buf = buf[l:]
	}
	return items, nil
}

