package overlay

import (
	"slices"
	"sort"
	"time"

	"github.com/ethereum/go-ethereum/p2p/enode"
	"github.com/holiman/uint256"
)

// BucketNode is the JSON-friendly view of a table entry, used by the
// routing-table introspection API.
type BucketNode struct {
	Node          *enode.Node `json:"node"`
	AddedToTable  time.Time   `json:"addedToTable"`
	AddedToBucket time.Time   `json:"addedToBucket"`
	Checks        int         `json:"checks"`
	Live          bool        `json:"live"`
}

// node is an entry in a Table bucket or its replacement cache.
type node struct {
	*enode.Node
	revalList       *revalidationList
	addedToTable    time.Time
	addedToBucket   time.Time
	livenessChecks  uint
	isValidatedLive bool

	// radius is this peer's last-advertised data radius, learned from a
	// PING/PONG custom payload. nil until the first exchange completes.
	radius *uint256.Int
}

func wrapNode(n *enode.Node) *node {
	return &node{Node: n}
}

func unwrapNodes(ns []*node) []*enode.Node {
	result := make([]*enode.Node, len(ns))
	for i, n := range ns {
		result[i] = n.Node
	}
	return result
}

func (n *node) String() string {
	return n.Node.String()
}

// nodesByDistance is a list of nodes ordered by distance to target.
type nodesByDistance struct {
	entries []*enode.Node
	target  enode.ID
}

// push adds the given node to the list, keeping the total size below maxElems.
func (h *nodesByDistance) push(n *enode.Node, maxElems int) {
	ix := sort.Search(len(h.entries), func(i int) bool {
		return enode.DistCmp(h.target, h.entries[i].ID(), n.ID()) > 0
	})

	end := len(h.entries)
	if len(h.entries) < maxElems {
		h.entries = append(h.entries, n)
	}
	if ix < end {
		copy(h.entries[ix+1:], h.entries[ix:])
		h.entries[ix] = n
	}
}

type nodeType interface {
	ID() enode.ID
}

func containsID[N nodeType](ns []N, id enode.ID) bool {
	for _, n := range ns {
		if n.ID() == id {
			return true
		}
	}
	return false
}

func deleteNode[N nodeType](list []N, id enode.ID) []N {
	return slices.DeleteFunc(list, func(n N) bool {
		return n.ID() == id
	})
}
