// Package utp adapts github.com/zen-eth/utp-go, the uTP (BEP-29-derived,
// LEDBAT-congestion-controlled) implementation the Portal Network reference
// clients use for bulk transfer, to the overlay engine's BulkTransfer
// interface: OFFER/ACCEPT and FINDCONTENT/CONTENT only negotiate a
// connection id over the wire protocol's TALKREQ/TALKRESP envelope, then
// hand the actual payload to a uTP stream dialed or accepted on that id.
package utp

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/p2p/enode"
	zenutp "github.com/zen-eth/utp-go"

	"github.com/KolbyML/ultralight/overlay"
)

var _ overlay.BulkTransfer = (*Transfer)(nil)

const (
	defaultConnectTimeout = 5 * time.Second
	defaultWriteTimeout   = 30 * time.Second
	defaultReadTimeout    = 30 * time.Second
)

// Transfer is the bulk-transfer channel shared by every sub-protocol engine
// running on the same UDP socket; one Transfer backs every Protocol in a
// node since uTP connection ids are scoped per remote address, not per
// sub-protocol.
type Transfer struct {
	socket *zenutp.Socket
	log    log.Logger
}

// New wraps conn - the same UDP socket the discv5 transport listens on - in
// a uTP socket.
func New(conn net.PacketConn, logger log.Logger) (*Transfer, error) {
	socket, err := zenutp.NewSocketWithPacketConn(conn)
	if err != nil {
		return nil, fmt.Errorf("utp: failed to create socket: %w", err)
	}
	if logger == nil {
		logger = log.Root()
	}
	return &Transfer{socket: socket, log: logger.New("module", "utp")}, nil
}

// Start runs the socket's background packet-processing loop.
func (t *Transfer) Start() error { return t.socket.Start() }

// Close tears the socket down.
func (t *Transfer) Close() error { return t.socket.Close() }

// AllocConnID reserves a fresh connection id scoped to n, mirroring the
// reference client's CidWithAddr: the initiator's send id is the one handed
// to the peer in ACCEPT/CONTENT so it knows which id to dial or accept.
func (t *Transfer) AllocConnID(n *enode.Node) uint16 {
	cid := t.socket.CidWithAddr(&net.UDPAddr{IP: n.IP(), Port: n.UDP()}, true)
	return cid.Send
}

// Offer dials n on connID and writes payload, the outbound half of a bulk
// transfer (serving FINDCONTENT's ContentConnIdSelector response, or the
// accepted half of an OFFER).
func (t *Transfer) Offer(ctx context.Context, n *enode.Node, connID uint16, payload []byte) error {
	dialCtx, cancel := context.WithTimeout(ctx, defaultConnectTimeout)
	defer cancel()
	conn, err := t.socket.DialWithCid(dialCtx, &net.UDPAddr{IP: n.IP(), Port: n.UDP()}, connID)
	if err != nil {
		return fmt.Errorf("utp: dial to %s failed: %w", n.ID(), err)
	}
	defer conn.Close()

	writeCtx, writeCancel := context.WithTimeout(ctx, defaultWriteTimeout)
	defer writeCancel()
	if _, err := conn.Write(writeCtx, payload); err != nil {
		return fmt.Errorf("utp: write to %s failed: %w", n.ID(), err)
	}
	return nil
}

// Accept listens for an inbound stream on connID and reads it to EOF, the
// receiving half of a bulk transfer: a peer answering our FINDCONTENT with a
// connection id, or us accepting an OFFER we sent ACCEPT for.
func (t *Transfer) Accept(ctx context.Context, n *enode.Node, connID uint16) ([]byte, error) {
	acceptCtx, cancel := context.WithTimeout(ctx, defaultConnectTimeout)
	defer cancel()
	conn, err := t.socket.AcceptWithCid(acceptCtx, &zenutp.ConnectionId{Send: connID})
	if err != nil {
		return nil, fmt.Errorf("utp: accept from %s failed: %w", n.ID(), err)
	}
	defer conn.Close()

	readCtx, readCancel := context.WithTimeout(ctx, defaultReadTimeout)
	defer readCancel()
	var data []byte
	if _, err := conn.ReadToEOF(readCtx, &data); err != nil {
		return nil, fmt.Errorf("utp: read from %s failed: %w", n.ID(), err)
	}
	return data, nil
}
