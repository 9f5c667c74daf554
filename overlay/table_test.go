package overlay

import (
	"context"
	"testing"

	"github.com/ethereum/go-ethereum/p2p/enode"
	"github.com/ethereum/go-ethereum/p2p/enr"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"

	"github.com/KolbyML/ultralight/portalwire"
	"github.com/KolbyML/ultralight/storage"
)

// fakeTransport is a Table transport that never touches the network, so
// these tests can drive the routing table deterministically.
type fakeTransport struct {
	pingFunc     func(*enode.Node) (uint64, error)
	findNodeFunc func(*enode.Node, []uint) ([]*enode.Node, error)
}

func (f *fakeTransport) Ping(n *enode.Node) (uint64, error) {
	if f.pingFunc != nil {
		return f.pingFunc(n)
	}
	return n.Seq(), nil
}

func (f *fakeTransport) RequestENR(n *enode.Node) (*enode.Node, error) { return n, nil }

func (f *fakeTransport) FindNode(n *enode.Node, distances []uint) ([]*enode.Node, error) {
	if f.findNodeFunc != nil {
		return f.findNodeFunc(n, distances)
	}
	return nil, nil
}

func newTestSelf() *enode.Node {
	return enode.SignNull(new(enr.Record), enode.ID{})
}

// nodeAtDistance builds an unsigned test node whose id is exactly d buckets
// away from base under enode.LogDist.
func nodeAtDistance(base enode.ID, d int) *enode.Node {
	return enode.SignNull(new(enr.Record), enode.RandomID(base, d))
}

func newTestTable(t *testing.T) (*enode.Node, *Table, *fakeTransport) {
	t.Helper()
	self := newTestSelf()
	ft := &fakeTransport{}
	tab := NewTable(portalwire.HistoryNetwork, self, ft, Config{})
	t.Cleanup(tab.Close)
	require.NoError(t, tab.WaitInit(context.Background()))
	return self, tab, ft
}

// TestBucketIndexInvariant pins the bucket-index formula down directly: a
// node at logarithmic distance d must land in bucket nBuckets-d, i.e. bucket
// 255 is reserved for the closest possible neighbors and bucket 0 for the
// farthest.
func TestBucketIndexInvariant(t *testing.T) {
	self := newTestSelf()
	tab := &Table{self: self}

	for _, d := range []int{1, 2, 10, 128, 200, 255, 256} {
		id := enode.RandomID(self.ID(), d)
		got := tab.bucketIndex(id)
		want := nBuckets - d
		require.Equalf(t, want, got, "distance %d", d)
	}

	closest := enode.RandomID(self.ID(), 1)
	require.Equal(t, nBuckets-1, tab.bucketIndex(closest))

	farthest := enode.RandomID(self.ID(), nBuckets)
	require.Equal(t, 0, tab.bucketIndex(farthest))
}

func TestAddNodePlacesInExpectedBucket(t *testing.T) {
	self, tab, _ := newTestTable(t)

	close := nodeAtDistance(self.ID(), 1)
	tab.AddNode(close)
	require.NotNil(t, tab.GetNode(close.ID()))
	require.Contains(t, ids(tab.buckets[nBuckets-1].entries), close.ID())

	far := nodeAtDistance(self.ID(), nBuckets)
	tab.AddNode(far)
	require.NotNil(t, tab.GetNode(far.ID()))
	require.Contains(t, ids(tab.buckets[0].entries), far.ID())
}

func ids(ns []*node) []enode.ID {
	out := make([]enode.ID, len(ns))
	for i, n := range ns {
		out[i] = n.ID()
	}
	return out
}

func TestAddNodeOverflowsToReplacementCache(t *testing.T) {
	self, tab, _ := newTestTable(t)
	const d = 200
	bi := nBuckets - d

	for i := 0; i < bucketSize; i++ {
		tab.AddNode(nodeAtDistance(self.ID(), d))
	}
	require.Len(t, tab.buckets[bi].entries, bucketSize)
	require.Empty(t, tab.buckets[bi].replacements)

	overflow := nodeAtDistance(self.ID(), d)
	tab.AddNode(overflow)

	require.Len(t, tab.buckets[bi].entries, bucketSize)
	require.Nil(t, tab.GetNode(overflow.ID()))
	require.Len(t, tab.buckets[bi].replacements, 1)
	require.Equal(t, overflow.ID(), tab.buckets[bi].replacements[0].ID())
}

func TestNodesAtDistance(t *testing.T) {
	self, tab, _ := newTestTable(t)

	n := nodeAtDistance(self.ID(), 10)
	tab.AddNode(n)

	got := tab.nodesAtDistance(10)
	require.Len(t, got, 1)
	require.Equal(t, n.ID(), got[0].ID())

	require.Nil(t, tab.nodesAtDistance(0))
	require.Nil(t, tab.nodesAtDistance(nBuckets+1))
}

func TestClosestNodesOrdering(t *testing.T) {
	self, tab, _ := newTestTable(t)

	for _, d := range []int{250, 10, 128, 64, 200, 1, 255} {
		tab.AddNode(nodeAtDistance(self.ID(), d))
	}

	result := tab.ClosestNodes(self.ID(), 4)
	require.Len(t, result, 4)
	for i := 1; i < len(result); i++ {
		require.LessOrEqual(t, enode.DistCmp(self.ID(), result[i-1].ID(), result[i].ID()), 0)
	}
}

func TestUpdateRadiusAndClosestNodesInRadius(t *testing.T) {
	self, tab, _ := newTestTable(t)

	inRange := nodeAtDistance(self.ID(), 5)
	outOfRange := nodeAtDistance(self.ID(), 5)
	unknownRadius := nodeAtDistance(self.ID(), 5)
	tab.AddNode(inRange)
	tab.AddNode(outOfRange)
	tab.AddNode(unknownRadius)

	tab.UpdateRadius(inRange.ID(), storage.MaxDistance)
	tab.UpdateRadius(outOfRange.ID(), new(uint256.Int))

	contentId := contentIdToNodeID(self.ID().Bytes())
	result := tab.ClosestNodesInRadius(self.ID(), contentId[:], 10)

	require.True(t, containsID(result, inRange.ID()))
	require.False(t, containsID(result, outOfRange.ID()))
	require.False(t, containsID(result, unknownRadius.ID()))
}

func TestUpdateRadiusNoopForUnknownNode(t *testing.T) {
	self, tab, _ := newTestTable(t)
	unknown := nodeAtDistance(self.ID(), 5)
	tab.UpdateRadius(unknown.ID(), new(uint256.Int))
	require.Nil(t, tab.GetNode(unknown.ID()))
}

func TestLookupConverges(t *testing.T) {
	self, tab, ft := newTestTable(t)

	var added []*enode.Node
	for _, d := range []int{20, 60, 100, 140, 180} {
		n := nodeAtDistance(self.ID(), d)
		tab.AddNode(n)
		added = append(added, n)
	}

	ft.findNodeFunc = func(*enode.Node, []uint) ([]*enode.Node, error) {
		return nil, nil
	}

	found := tab.Lookup(context.Background(), self.ID(), func(n *enode.Node) ([]*enode.Node, error) {
		return ft.FindNode(n, nil)
	})

	require.Len(t, found, len(added))
	for _, n := range added {
		require.True(t, containsID(found, n.ID()))
	}
}

func TestLookupDiscoversCloserNodeThroughQuery(t *testing.T) {
	self, tab, ft := newTestTable(t)

	far := nodeAtDistance(self.ID(), 200)
	closer := nodeAtDistance(self.ID(), 20)
	tab.AddNode(far)

	ft.findNodeFunc = func(n *enode.Node, _ []uint) ([]*enode.Node, error) {
		if n.ID() == far.ID() {
			return []*enode.Node{closer}, nil
		}
		return nil, nil
	}

	found := tab.Lookup(context.Background(), self.ID(), func(n *enode.Node) ([]*enode.Node, error) {
		return ft.FindNode(n, nil)
	})

	require.True(t, containsID(found, far.ID()))
	require.True(t, containsID(found, closer.ID()))
}
