package transport

import (
	"fmt"
	"net"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/lightningnetwork/lnd/brontide"

	"github.com/cfdnet/cfdd/cfd"
)

// Listener accepts inbound noise-encrypted connections, the accept
// side DialBrontide's dial function is missing — needed by a maker,
// which serves many simultaneously-connected takers rather than
// dialing out to a single counterparty. Grounded on
// backend-engineer1-land/server.go's use of brontide.NewListener in
// newServer, adapted to this package's Connection rather than lnd's
// peer.Brontide.
type Listener struct {
	inner *brontide.Listener
}

// ListenBrontide opens a Noise_XK listener on listenAddr authenticated
// with localPriv, mirroring server.go's call to brontide.NewListener
// for every configured listen address.
func ListenBrontide(localPriv *btcec.PrivateKey, listenAddr string) (*Listener, error) {
	l, err := brontide.NewListener(localPriv, listenAddr)
	if err != nil {
		return nil, fmt.Errorf("transport: listen %s: %w", listenAddr, err)
	}
	return &Listener{inner: l}, nil
}

// Addr returns the address the listener is bound to.
func (l *Listener) Addr() net.Addr {
	return l.inner.Addr()
}

// Close stops accepting new connections.
func (l *Listener) Close() error {
	return l.inner.Close()
}

// Accept blocks for the next inbound handshake and returns a
// Connection already past the Noise handshake, wired to the peer's
// identity key the same way RemotePeerAddress identifies an outbound
// dial target. The returned Connection has no dial function of its
// own: drive it with RunAccepted over the returned socket, which never
// redials, since an accepted socket that drops is the remote's job to
// re-dial, not ours.
func (l *Listener) Accept() (*Connection, net.Conn, error) {
	conn, err := l.inner.Accept()
	if err != nil {
		return nil, nil, fmt.Errorf("transport: accept: %w", err)
	}

	brontideConn, ok := conn.(*brontide.Conn)
	if !ok {
		conn.Close()
		return nil, nil, fmt.Errorf("transport: accept: unexpected connection type %T", conn)
	}

	var identity cfd.Identity
	copy(identity[:], brontideConn.RemotePub().SerializeCompressed())

	c := NewConnection(conn.RemoteAddr().String(), identity)
	return c, conn, nil
}
