package state

import (
	"github.com/KolbyML/ultralight/overlay"
)

type API struct {
	*overlay.ProtocolAPI
}

func NewStateNetworkAPI(api *overlay.ProtocolAPI) *API {
	return &API{api}
}

func (p *API) StateRoutingTableInfo() [][]string { return p.RoutingTableInfo() }

func (p *API) StateAddEnr(enr string) (bool, error) { return p.AddEnr(enr) }

func (p *API) StateGetEnr(nodeId string) (string, error) { return p.GetEnr(nodeId) }

func (p *API) StateDeleteEnr(nodeId string) (bool, error) { return p.DeleteEnr(nodeId) }

func (p *API) StateLookupEnr(nodeId string) (string, error) { return p.LookupEnr(nodeId) }

func (p *API) StatePing(enr string) (uint64, error) { return p.Ping(enr) }

func (p *API) StateFindNodes(enr string, distances []uint) ([]string, error) {
	return p.FindNodes(enr, distances)
}

func (p *API) StateFindContent(enr string, contentKey string) (*overlay.ContentInfo, error) {
	return p.FindContent(enr, contentKey)
}

func (p *API) StateOffer(enr string, contentKeysHex []string, contentsHex []string) (string, error) {
	return p.Offer(enr, contentKeysHex, contentsHex)
}

func (p *API) StateGetContent(contentKeyHex string) (*overlay.ContentInfo, error) {
	return p.RecursiveFindContent(contentKeyHex)
}

func (p *API) StateLocalContent(contentKeyHex string) (string, error) { return p.LocalContent(contentKeyHex) }

func (p *API) StateStore(contentKeyHex string, contentHex string) (bool, error) {
	return p.Store(contentKeyHex, contentHex)
}

func (p *API) StateGossip(contentKeyHex, contentHex string) (bool, error) {
	return p.Gossip(contentKeyHex, contentHex)
}

func (p *API) StateTraceGetContent(contentKeyHex string) (*overlay.TraceResponse, error) {
	return p.TraceRecursiveFindContent(contentKeyHex)
}

func (p *API) StateRadius() string { return p.Radius() }
