package history

import (
	"github.com/KolbyML/ultralight/overlay"
)

// API exposes the history sub-protocol's overlay engine under the
// portal_history* JSON-RPC namespace, one method per underlying
// overlay.ProtocolAPI call with a History-prefixed name.
type API struct {
	*overlay.ProtocolAPI
}

func NewHistoryNetworkAPI(api *overlay.ProtocolAPI) *API {
	return &API{api}
}

func (p *API) HistoryRoutingTableInfo() [][]string {
	return p.RoutingTableInfo()
}

func (p *API) HistoryAddEnr(enr string) (bool, error) {
	return p.AddEnr(enr)
}

func (p *API) HistoryGetEnr(nodeId string) (string, error) {
	return p.GetEnr(nodeId)
}

func (p *API) HistoryDeleteEnr(nodeId string) (bool, error) {
	return p.DeleteEnr(nodeId)
}

func (p *API) HistoryLookupEnr(nodeId string) (string, error) {
	return p.LookupEnr(nodeId)
}

func (p *API) HistoryPing(enr string) (uint64, error) {
	return p.Ping(enr)
}

func (p *API) HistoryFindNodes(enr string, distances []uint) ([]string, error) {
	return p.FindNodes(enr, distances)
}

func (p *API) HistoryFindContent(enr string, contentKey string) (*overlay.ContentInfo, error) {
	return p.FindContent(enr, contentKey)
}

func (p *API) HistoryOffer(enr string, contentKeysHex []string, contentsHex []string) (string, error) {
	return p.Offer(enr, contentKeysHex, contentsHex)
}

func (p *API) HistoryGetContent(contentKeyHex string) (*overlay.ContentInfo, error) {
	return p.RecursiveFindContent(contentKeyHex)
}

func (p *API) HistoryLocalContent(contentKeyHex string) (string, error) {
	return p.LocalContent(contentKeyHex)
}

func (p *API) HistoryStore(contentKeyHex string, contentHex string) (bool, error) {
	return p.Store(contentKeyHex, contentHex)
}

func (p *API) HistoryGossip(contentKeyHex, contentHex string) (bool, error) {
	return p.Gossip(contentKeyHex, contentHex)
}

func (p *API) HistoryTraceGetContent(contentKeyHex string) (*overlay.TraceResponse, error) {
	return p.TraceRecursiveFindContent(contentKeyHex)
}

func (p *API) HistoryRadius() string {
	return p.Radius()
}
