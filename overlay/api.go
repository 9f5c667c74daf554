package overlay

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/p2p/enode"
)

// NodeInfo is the JSON-RPC view of the local node's identity.
type NodeInfo struct {
	Enr    string `json:"enr"`
	NodeId string `json:"nodeId"`
	Ip     string `json:"ip"`
}

// ContentInfo is the JSON-RPC view of a stored or looked-up content item.
type ContentInfo struct {
	Content     string `json:"content"`
	UtpTransfer bool   `json:"utpTransfer"`
}

// TraceResponse is the JSON-RPC view of a traced recursive lookup.
type TraceResponse struct {
	Content     string              `json:"content"`
	UtpTransfer bool                `json:"utpTransfer"`
	Trace       TraceContentLookup  `json:"trace"`
}

// ProtocolAPI exposes a sub-protocol Protocol over the method surface used
// by the JSON-RPC namespaces (portal_<subprotocol>*), one instance per
// sub-protocol the node runs.
type ProtocolAPI struct {
	protocol *Protocol
}

// NewProtocolAPI wraps protocol for JSON-RPC exposure.
func NewProtocolAPI(protocol *Protocol) *ProtocolAPI {
	return &ProtocolAPI{protocol: protocol}
}

// NodeInfo reports the local node's own ENR/id/ip.
func (api *ProtocolAPI) NodeInfo() (*NodeInfo, error) {
	n := api.protocol.Self()
	return &NodeInfo{
		Enr:    n.String(),
		NodeId: n.ID().String(),
		Ip:     n.IP().String(),
	}, nil
}

// RoutingTableInfo reports the current bucket contents.
func (api *ProtocolAPI) RoutingTableInfo() [][]string {
	return api.protocol.RoutingTableInfo()
}

// AddEnr inserts enr (as a string-encoded record) into the routing table.
func (api *ProtocolAPI) AddEnr(enrStr string) (bool, error) {
	n, err := enode.Parse(enode.ValidSchemes, enrStr)
	if err != nil {
		return false, err
	}
	api.protocol.AddEnr(n)
	return true, nil
}

// GetEnr returns the ENR string the table holds for nodeId, if any.
func (api *ProtocolAPI) GetEnr(nodeId string) (string, error) {
	id, err := parseNodeID(nodeId)
	if err != nil {
		return "", err
	}
	n := api.protocol.GetNode(id)
	if n == nil {
		return "", fmt.Errorf("overlay: unknown node %s", nodeId)
	}
	return n.String(), nil
}

// DeleteEnr removes nodeId from the routing table.
func (api *ProtocolAPI) DeleteEnr(nodeId string) (bool, error) {
	id, err := parseNodeID(nodeId)
	if err != nil {
		return false, err
	}
	api.protocol.DeleteNode(id)
	return true, nil
}

// LookupEnr returns the routing table's ENR for nodeId, or, when the table
// has none, the ENR found by a recursive FINDNODE lookup.
func (api *ProtocolAPI) LookupEnr(nodeId string) (string, error) {
	id, err := parseNodeID(nodeId)
	if err != nil {
		return "", err
	}
	n := api.protocol.ResolveNodeId(id)
	if n == nil {
		return "", fmt.Errorf("overlay: could not resolve %s", nodeId)
	}
	return n.String(), nil
}

// Ping sends a PING to enrStr and returns the ENR sequence number from the
// peer's PONG; the radius it advertises is recorded in the routing table,
// not returned.
func (api *ProtocolAPI) Ping(enrStr string) (uint64, error) {
	n, err := enode.Parse(enode.ValidSchemes, enrStr)
	if err != nil {
		return 0, err
	}
	return api.protocol.Ping(n)
}

// FindNodes sends a FINDNODES for the given log-distances to enrStr.
func (api *ProtocolAPI) FindNodes(enrStr string, distances []uint) ([]string, error) {
	n, err := enode.Parse(enode.ValidSchemes, enrStr)
	if err != nil {
		return nil, err
	}
	found, err := api.protocol.findNodes(n, distances)
	if err != nil {
		return nil, err
	}
	out := make([]string, len(found))
	for i, f := range found {
		out[i] = f.String()
	}
	return out, nil
}

// FindContent sends a single FINDCONTENT round trip to enrStr.
func (api *ProtocolAPI) FindContent(enrStr string, contentKeyHex string) (*ContentInfo, error) {
	n, err := enode.Parse(enode.ValidSchemes, enrStr)
	if err != nil {
		return nil, err
	}
	key, err := hexutil.Decode(contentKeyHex)
	if err != nil {
		return nil, err
	}
	selector, value, err := api.protocol.findContent(n, key)
	if err != nil {
		return nil, err
	}
	switch selector {
	case 0x01: // ContentRawSelector
		return &ContentInfo{Content: hexutil.Encode(value.([]byte))}, nil
	case 0x00: // ContentConnIdSelector
		connID := value.(uint16)
		content, err := api.protocol.utp.Accept(context.Background(), n, connID)
		if err != nil {
			return nil, err
		}
		return &ContentInfo{Content: hexutil.Encode(content), UtpTransfer: true}, nil
	default:
		return nil, fmt.Errorf("overlay: peer did not have content, returned closer nodes")
	}
}

// Offer sends contentKeys to enrStr and streams back any accepted items.
func (api *ProtocolAPI) Offer(enrStr string, contentKeysHex []string, contentsHex []string) (string, error) {
	n, err := enode.Parse(enode.ValidSchemes, enrStr)
	if err != nil {
		return "", err
	}
	keys := make([][]byte, len(contentKeysHex))
	contents := make([][]byte, len(contentsHex))
	for i, k := range contentKeysHex {
		b, err := hexutil.Decode(k)
		if err != nil {
			return "", err
		}
		keys[i] = b
	}
	for i, c := range contentsHex {
		b, err := hexutil.Decode(c)
		if err != nil {
			return "", err
		}
		contents[i] = b
	}
	if err := api.protocol.offer(n, keys, contents); err != nil {
		return "", err
	}
	return "offered", nil
}

// RecursiveFindContent performs a full recursive FINDCONTENT lookup.
func (api *ProtocolAPI) RecursiveFindContent(contentKeyHex string) (*ContentInfo, error) {
	key, err := hexutil.Decode(contentKeyHex)
	if err != nil {
		return nil, err
	}
	res, err := api.protocol.ContentLookup(context.Background(), key)
	if err != nil {
		return nil, err
	}
	return &ContentInfo{Content: hexutil.Encode(res.Content), UtpTransfer: res.UtpTransfer}, nil
}

// TraceRecursiveFindContent is RecursiveFindContent with the query path
// recorded for diagnostics.
func (api *ProtocolAPI) TraceRecursiveFindContent(contentKeyHex string) (*TraceResponse, error) {
	key, err := hexutil.Decode(contentKeyHex)
	if err != nil {
		return nil, err
	}
	trace, err := api.protocol.TraceContentLookup(context.Background(), key)
	if err != nil {
		return nil, err
	}
	return &TraceResponse{
		Content:     hexutil.Encode(trace.Content),
		UtpTransfer: trace.UtpTransfer,
		Trace:       *trace,
	}, nil
}

// LocalContent returns content from local storage only, without querying
// the network.
func (api *ProtocolAPI) LocalContent(contentKeyHex string) (string, error) {
	key, err := hexutil.Decode(contentKeyHex)
	if err != nil {
		return "", err
	}
	content, err := api.protocol.Get(key)
	if err != nil {
		return "", err
	}
	return hexutil.Encode(content), nil
}

// Store admits content directly into local storage, bypassing the wire
// protocol (used by archive/bridge processes feeding the network).
func (api *ProtocolAPI) Store(contentKeyHex, contentHex string) (bool, error) {
	key, err := hexutil.Decode(contentKeyHex)
	if err != nil {
		return false, err
	}
	content, err := hexutil.Decode(contentHex)
	if err != nil {
		return false, err
	}
	if err := api.protocol.Put(key, content); err != nil {
		return false, err
	}
	return true, nil
}

// Gossip pushes content to the closest known peers.
func (api *ProtocolAPI) Gossip(contentKeyHex, contentHex string) (bool, error) {
	key, err := hexutil.Decode(contentKeyHex)
	if err != nil {
		return false, err
	}
	content, err := hexutil.Decode(contentHex)
	if err != nil {
		return false, err
	}
	api.protocol.Gossip(key, content)
	return true, nil
}

// Radius reports the locally advertised data radius, as a hex-encoded u256.
func (api *ProtocolAPI) Radius() string {
	return hexutil.EncodeBig(api.protocol.Radius().ToBig())
}

func parseNodeID(nodeId string) (enode.ID, error) {
	b, err := hexutil.Decode(nodeId)
	if err != nil {
		return enode.ID{}, err
	}
	if len(b) != len(enode.ID{}) {
		return enode.ID{}, fmt.Errorf("overlay: node id must be 32 bytes")
	}
	var id enode.ID
	copy(id[:], b)
	return id, nil
}
