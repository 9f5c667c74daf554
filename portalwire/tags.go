package portalwire

// ProtocolID identifies a Portal Network sub-protocol. It is carried as the
// TALKREQ/TALKRESP protocol tag on the discv5 transport.
type ProtocolID string

// Sub-protocol tags.
const (
	StateNetwork             ProtocolID = "0x500a"
	HistoryNetwork           ProtocolID = "0x500b"
	CanonicalIndicesNetwork  ProtocolID = "0x500c"
	BeaconLightClientNetwork ProtocolID = "0x501a"
	UTPNetwork               ProtocolID = "0x757470"
)

// Message codes for the portal wire protocol.
const (
	PING        byte = 0x00
	PONG        byte = 0x01
	FINDNODES   byte = 0x02
	NODES       byte = 0x03
	FINDCONTENT byte = 0x04
	CONTENT     byte = 0x05
	OFFER       byte = 0x06
	ACCEPT      byte = 0x07
)

// Content selectors, the leading byte of a CONTENT response body.
const (
	ContentConnIdSelector byte = 0x00
	ContentRawSelector    byte = 0x01
	ContentEnrsSelector   byte = 0x02
)

// Offer request kinds used internally by the engine to decide whether an
// OFFER is driven by an already-stored item or by a direct push.
const (
	OfferRequestDirect   byte = 0x00
	OfferRequestDatabase byte = 0x01
)

const (
	// ContentKeysLimit bounds the number of keys carried by a single OFFER
	// or ACCEPT message.
	ContentKeysLimit = 64

	// OfferMessageOverhead is the per-message SSZ overhead of the
	// ContentKeys list (1 selector byte + 4 byte list offset).
	OfferMessageOverhead = 5

	// PerContentKeyOverhead is the per-entry SSZ overhead of a
	// variable-size list of byte strings (4 byte offset per entry).
	PerContentKeyOverhead = 4

	// MaxPacketSize is the discv5 datagram budget a single talkreq/talkresp
	// payload must fit inside (below the ~1280 byte network MTU, minus
	// discv5 envelope overhead).
	MaxPacketSize = 1200

	// MaxContentPayloadSize is the largest CONTENT response body that may
	// be returned inline (ContentRawSelector) rather than via a
	// connection-id handoff to the bulk-transfer channel.
	MaxContentPayloadSize = MaxPacketSize - 12
)
