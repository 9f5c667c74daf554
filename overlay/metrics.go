package overlay

import (
	"fmt"

	"github.com/ethereum/go-ethereum/metrics"
)

// protocolMetrics mirrors the teacher's p2p-layer metrics conventions
// (metrics.NewRegisteredMeter/Counter keyed by dotted names) applied to one
// sub-protocol's message and bulk-transfer traffic.
type protocolMetrics struct {
	messagesSentPing      metrics.Meter
	messagesSentPong      metrics.Meter
	messagesSentFindNodes metrics.Meter
	messagesSentNodes     metrics.Meter
	messagesSentFindContent metrics.Meter
	messagesSentContent    metrics.Meter
	messagesSentOffer      metrics.Meter
	messagesSentAccept     metrics.Meter

	messagesReceivedPing        metrics.Meter
	messagesReceivedPong        metrics.Meter
	messagesReceivedFindNodes   metrics.Meter
	messagesReceivedNodes       metrics.Meter
	messagesReceivedFindContent metrics.Meter
	messagesReceivedContent     metrics.Meter
	messagesReceivedOffer       metrics.Meter
	messagesReceivedAccept      metrics.Meter

	contentAcceptedCount metrics.Counter

	utpOutSuccess   metrics.Counter
	utpOutFailWrite metrics.Counter
	utpInSuccess    metrics.Counter
	utpInFailRead   metrics.Counter
}

func newProtocolMetrics(protocol string) *protocolMetrics {
	prefix := fmt.Sprintf("portal/%s/", protocol)
	return &protocolMetrics{
		messagesSentPing:        metrics.NewRegisteredMeter(prefix+"messages/sent/ping", nil),
		messagesSentPong:        metrics.NewRegisteredMeter(prefix+"messages/sent/pong", nil),
		messagesSentFindNodes:   metrics.NewRegisteredMeter(prefix+"messages/sent/findnodes", nil),
		messagesSentNodes:       metrics.NewRegisteredMeter(prefix+"messages/sent/nodes", nil),
		messagesSentFindContent: metrics.NewRegisteredMeter(prefix+"messages/sent/findcontent", nil),
		messagesSentContent:     metrics.NewRegisteredMeter(prefix+"messages/sent/content", nil),
		messagesSentOffer:       metrics.NewRegisteredMeter(prefix+"messages/sent/offer", nil),
		messagesSentAccept:      metrics.NewRegisteredMeter(prefix+"messages/sent/accept", nil),

		messagesReceivedPing:        metrics.NewRegisteredMeter(prefix+"messages/received/ping", nil),
		messagesReceivedPong:        metrics.NewRegisteredMeter(prefix+"messages/received/pong", nil),
		messagesReceivedFindNodes:   metrics.NewRegisteredMeter(prefix+"messages/received/findnodes", nil),
		messagesReceivedNodes:       metrics.NewRegisteredMeter(prefix+"messages/received/nodes", nil),
		messagesReceivedFindContent: metrics.NewRegisteredMeter(prefix+"messages/received/findcontent", nil),
		messagesReceivedContent:     metrics.NewRegisteredMeter(prefix+"messages/received/content", nil),
		messagesReceivedOffer:       metrics.NewRegisteredMeter(prefix+"messages/received/offer", nil),
		messagesReceivedAccept:      metrics.NewRegisteredMeter(prefix+"messages/received/accept", nil),

		contentAcceptedCount: metrics.NewRegisteredCounter(prefix+"content/accepted", nil),

		utpOutSuccess:   metrics.NewRegisteredCounter(prefix+"utp/outgoing/success", nil),
		utpOutFailWrite: metrics.NewRegisteredCounter(prefix+"utp/outgoing/failwrite", nil),
		utpInSuccess:    metrics.NewRegisteredCounter(prefix+"utp/incoming/success", nil),
		utpInFailRead:   metrics.NewRegisteredCounter(prefix+"utp/incoming/failread", nil),
	}
}
