package overlay

import (
	"context"
	"net"
	"sync"
	"testing"

	"github.com/VictoriaMetrics/fastcache"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/p2p/discover"
	"github.com/ethereum/go-ethereum/p2p/enode"
	"github.com/ethereum/go-ethereum/p2p/enr"
	lru "github.com/hashicorp/golang-lru"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/KolbyML/ultralight/portalwire"
	"github.com/KolbyML/ultralight/storage"
)

// fakeContentStore is an in-memory ContentStore for handler tests.
type fakeContentStore struct {
	mu     sync.Mutex
	data   map[string][]byte
	radius *uint256.Int
}

func newFakeContentStore(radius *uint256.Int) *fakeContentStore {
	return &fakeContentStore{data: make(map[string][]byte), radius: radius}
}

func (s *fakeContentStore) Get(contentKey, contentId []byte) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.data[string(contentId)]
	if !ok {
		return nil, storage.ErrContentNotFound
	}
	return v, nil
}

func (s *fakeContentStore) Put(contentKey, contentId, content []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[string(contentId)] = content
	return nil
}

func (s *fakeContentStore) Radius() *uint256.Int { return s.radius }

// fakeBulkTransfer is a no-op BulkTransfer: handler tests never exercise a
// real uTP stream, only the connection-id bookkeeping around one.
type fakeBulkTransfer struct {
	mu   sync.Mutex
	next uint16
}

func (f *fakeBulkTransfer) Offer(ctx context.Context, n *enode.Node, connID uint16, payload []byte) error {
	return nil
}

func (f *fakeBulkTransfer) Accept(ctx context.Context, n *enode.Node, connID uint16) ([]byte, error) {
	return nil, nil
}

func (f *fakeBulkTransfer) AllocConnID(n *enode.Node) uint16 {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.next++
	return f.next
}

// testProtocol bundles a Protocol wired with fakes plus the pieces a test
// needs to drive it and inspect its table.
type testProtocol struct {
	p     *Protocol
	store *fakeContentStore
	self  *enode.Node
}

// newTestProtocol builds a Protocol the way NewProtocol would, except the
// discv5 transport is a real UDPv5 instance bound to a loopback socket
// (never used to send a packet in these tests) instead of one shared with a
// live node, since Self()/InRange() need a real *enode.Node behind p.disc.
func newTestProtocol(t *testing.T, radius *uint256.Int) *testProtocol {
	t.Helper()

	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	db, err := enode.OpenDB("")
	require.NoError(t, err)
	t.Cleanup(db.Close)
	localNode := enode.NewLocalNode(db, key)

	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	disc, err := discover.ListenV5(conn, localNode, discover.Config{
		PrivateKey: key,
		Log:        log.Root(),
	})
	require.NoError(t, err)
	t.Cleanup(disc.Close)

	ft := &fakeTransport{}
	table := NewTable(portalwire.HistoryNetwork, disc.Self(), ft, Config{})
	t.Cleanup(table.Close)

	inflight, err := lru.New(inflightDedupSize)
	require.NoError(t, err)

	store := newFakeContentStore(radius)
	closeCtx, closeFunc := context.WithCancel(context.Background())
	t.Cleanup(closeFunc)

	p := &Protocol{
		protocolID:     portalwire.HistoryNetwork,
		disc:           disc,
		localNode:      localNode,
		table:          table,
		store:          store,
		contentIDFunc:  func(key []byte) []byte { return crypto.Keccak256(key) },
		utp:            &fakeBulkTransfer{},
		contentQueue:   make(chan *ContentElement, 8),
		inflight:       inflight,
		gossipLimiter:  rate.NewLimiter(rate.Limit(gossipRateLimit), gossipRateBurst),
		enrEncodeCache: fastcache.New(enrEncodeCacheSizeBytes),
		metrics:        newProtocolMetrics("handlerstest"),
		log:            log.Root(),
		closeCtx:       closeCtx,
		closeFunc:      closeFunc,
	}
	return &testProtocol{p: p, store: store, self: disc.Self()}
}

func TestHandlePingRecordsRadiusForKnownNode(t *testing.T) {
	tp := newTestProtocol(t, storage.MaxDistance)
	peerSelf := enode.SignNull(new(enr.Record), enode.RandomID(tp.self.ID(), 10))
	// HandleTalkRequest's discv5 dispatcher only hands over a bare enode.ID
	// (not a full record), so handlePing's radius bookkeeping only applies
	// to peers the table already knows about, e.g. from a prior FINDNODES
	// exchange.
	tp.p.table.AddNode(peerSelf)

	peerRadius := new(uint256.Int).SetUint64(1234)
	custom := portalwire.PingPongCustomData{}
	custom.Radius, _ = peerRadius.MarshalSSZ()
	customBytes, err := custom.MarshalSSZ()
	require.NoError(t, err)

	ping := &portalwire.Ping{EnrSeq: peerSelf.Seq(), CustomPayload: customBytes}
	msg, err := portalwire.EncodeMessage(portalwire.PING, ping)
	require.NoError(t, err)
	resp := tp.p.HandleTalkRequest(peerSelf.ID(), fakeAddr{}, msg)
	require.NotNil(t, resp)

	code, respBody, err := portalwire.DecodeMessage(resp)
	require.NoError(t, err)
	require.Equal(t, portalwire.PONG, code)

	var pong portalwire.Pong
	require.NoError(t, pong.UnmarshalSSZ(respBody))
	require.Equal(t, tp.p.localNode.Node().Seq(), pong.EnrSeq)

	var pongCustom portalwire.PingPongCustomData
	require.NoError(t, pongCustom.UnmarshalSSZ(pong.CustomPayload))
	gotRadius := new(uint256.Int)
	require.NoError(t, gotRadius.UnmarshalSSZ(pongCustom.Radius))
	require.Equal(t, storage.MaxDistance, gotRadius)

	// The table should still know about the peer and have recorded its
	// advertised radius, observable through the gossip candidate filter.
	require.NotNil(t, tp.p.table.GetNode(peerSelf.ID()))
	contentId := contentIdToNodeID(peerSelf.ID().Bytes())
	inRadius := tp.p.table.ClosestNodesInRadius(peerSelf.ID(), contentId[:], 10)
	require.True(t, containsID(inRadius, peerSelf.ID()))
}

type fakeAddr struct{}

func (fakeAddr) String() string { return "fake" }

func TestHandleFindNodesReturnsKnownNeighbors(t *testing.T) {
	tp := newTestProtocol(t, storage.MaxDistance)

	neighbor := enode.SignNull(new(enr.Record), enode.RandomID(tp.self.ID(), 40))
	tp.p.table.AddNode(neighbor)

	req := &portalwire.FindNodes{Distances: [][2]byte{{40, 0}}}
	msg, err := portalwire.EncodeMessage(portalwire.FINDNODES, req)
	require.NoError(t, err)

	resp := tp.p.HandleTalkRequest(enode.ID{}, fakeAddr{}, msg)
	require.NotNil(t, resp)

	code, body, err := portalwire.DecodeMessage(resp)
	require.NoError(t, err)
	require.Equal(t, portalwire.NODES, code)

	var nodes portalwire.Nodes
	require.NoError(t, nodes.UnmarshalSSZ(body))
	require.Len(t, nodes.Enrs, 1)
}

func TestHandleFindContentReturnsStoredContent(t *testing.T) {
	tp := newTestProtocol(t, storage.MaxDistance)

	key := []byte{0x01, 0xaa}
	contentId := tp.p.ToContentId(key)
	content := []byte("hello portal")
	require.NoError(t, tp.store.Put(key, contentId, content))

	req := &portalwire.FindContent{ContentKey: key}
	msg, err := portalwire.EncodeMessage(portalwire.FINDCONTENT, req)
	require.NoError(t, err)

	peer := enode.SignNull(new(enr.Record), enode.RandomID(tp.self.ID(), 50))
	resp := tp.p.HandleTalkRequest(peer.ID(), fakeAddr{}, msg)
	require.NotNil(t, resp)

	code, body, err := portalwire.DecodeMessage(resp)
	require.NoError(t, err)
	require.Equal(t, portalwire.CONTENT, code)

	var out portalwire.Content
	require.NoError(t, out.UnmarshalSSZ(body))
	require.Equal(t, portalwire.ContentRawSelector, out.Content[0])
	require.Equal(t, content, out.Content[1:])
}

func TestHandleFindContentFallsBackToEnrs(t *testing.T) {
	tp := newTestProtocol(t, storage.MaxDistance)

	neighbor := enode.SignNull(new(enr.Record), enode.RandomID(tp.self.ID(), 12))
	tp.p.table.AddNode(neighbor)

	req := &portalwire.FindContent{ContentKey: []byte{0x02, 0xbb}}
	msg, err := portalwire.EncodeMessage(portalwire.FINDCONTENT, req)
	require.NoError(t, err)

	peer := enode.SignNull(new(enr.Record), enode.RandomID(tp.self.ID(), 50))
	resp := tp.p.HandleTalkRequest(peer.ID(), fakeAddr{}, msg)
	require.NotNil(t, resp)

	code, body, err := portalwire.DecodeMessage(resp)
	require.NoError(t, err)
	require.Equal(t, portalwire.CONTENT, code)

	var out portalwire.Content
	require.NoError(t, out.UnmarshalSSZ(body))
	require.Equal(t, portalwire.ContentEnrsSelector, out.Content[0])
}

func TestHandleOfferAcceptsOnlyNewInRangeKeys(t *testing.T) {
	tp := newTestProtocol(t, storage.MaxDistance)

	already := []byte{0x03, 0x01}
	alreadyId := tp.p.ToContentId(already)
	require.NoError(t, tp.store.Put(already, alreadyId, []byte("old")))

	fresh := []byte{0x03, 0x02}

	req := &portalwire.Offer{ContentKeys: [][]byte{already, fresh}}
	msg, err := portalwire.EncodeMessage(portalwire.OFFER, req)
	require.NoError(t, err)

	peer := enode.SignNull(new(enr.Record), enode.RandomID(tp.self.ID(), 33))
	resp := tp.p.HandleTalkRequest(peer.ID(), fakeAddr{}, msg)
	require.NotNil(t, resp)

	code, body, err := portalwire.DecodeMessage(resp)
	require.NoError(t, err)
	require.Equal(t, portalwire.ACCEPT, code)

	var accept portalwire.Accept
	require.NoError(t, accept.UnmarshalSSZ(body))
	require.False(t, portalwire.ContentKeyAccepted(accept.ContentKeys, 0))
	require.True(t, portalwire.ContentKeyAccepted(accept.ContentKeys, 1))
}

func TestHandleOfferRejectsOutOfRangeKeys(t *testing.T) {
	tp := newTestProtocol(t, new(uint256.Int)) // zero radius: nothing is in range

	req := &portalwire.Offer{ContentKeys: [][]byte{{0x04, 0x01}}}
	msg, err := portalwire.EncodeMessage(portalwire.OFFER, req)
	require.NoError(t, err)

	peer := enode.SignNull(new(enr.Record), enode.RandomID(tp.self.ID(), 33))
	resp := tp.p.HandleTalkRequest(peer.ID(), fakeAddr{}, msg)
	require.NotNil(t, resp)

	code, body, err := portalwire.DecodeMessage(resp)
	require.NoError(t, err)
	require.Equal(t, portalwire.ACCEPT, code)

	var accept portalwire.Accept
	require.NoError(t, accept.UnmarshalSSZ(body))
	require.False(t, portalwire.ContentKeyAccepted(accept.ContentKeys, 0))
}
