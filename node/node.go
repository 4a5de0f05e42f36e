// Package node is the composition root: it owns the local identity
// (keypair and Finger), the FingerSpace, the Connection Manager, and
// wires them together into Start/Stop/Bootstrap/Send, the surface a
// cmd/onionmeshd command or a test scenario drives.
package node

import (
	"log/slog"
	"net"

	"github.com/onionmesh/onionmesh/config"
	"github.com/onionmesh/onionmesh/connmgr"
	"github.com/onionmesh/onionmesh/finger"
	"github.com/onionmesh/onionmesh/outgoing"
	"github.com/onionmesh/onionmesh/protocol"
	"github.com/onionmesh/onionmesh/randutil"
	"github.com/onionmesh/onionmesh/rsacipher"
)

// Node is one mesh participant.
type Node struct {
	cfg   config.Config
	key   *rsacipher.KeyPair
	self  finger.Finger
	space *finger.Space
	rand  *randutil.Rand
	mgr   *connmgr.Manager
}

// New generates a local keypair, computes the local Finger from the
// configured listening address and port, and wires up the FingerSpace,
// outgoing handlers, protocol handler, and connection manager. deliver
// receives messages that terminate at this node; a nil deliver discards
// them (useful for relay-only nodes in tests).
func New(cfg config.Config, localAddr string, deliver func(protocol.DeliveredMessage)) (*Node, error) {
	key, err := rsacipher.Generate(cfg.KeyLength)
	if err != nil {
		return nil, err
	}
	der, err := key.PublicDER()
	if err != nil {
		return nil, err
	}
	self, err := finger.New(localAddr, cfg.ListeningPort, der, "")
	if err != nil {
		return nil, err
	}

	r, err := seedRand(cfg)
	if err != nil {
		return nil, err
	}

	space := finger.NewSpace(self)

	if deliver == nil {
		deliver = func(protocol.DeliveredMessage) {}
	}

	out := &outgoing.Outgoing{
		Self:       self,
		Cipher:     key,
		Space:      space,
		Rand:       r,
		Timeout:    cfg.Timeout,
		SaltMin:    cfg.SaltLenMin,
		SaltMax:    cfg.SaltLenMax,
		PathLength: cfg.PathLength,
	}

	handler := &protocol.Handler{
		Self:    self,
		Cipher:  key,
		Space:   space,
		Rand:    r,
		SaltMin: cfg.SaltLenMin,
		SaltMax: cfg.SaltLenMax,
		Deliver: deliver,
	}
	handler.SendRely = out.Relay

	mgr := connmgr.New(cfg, handler, out)

	return &Node{
		cfg:   cfg,
		key:   key,
		self:  self,
		space: space,
		rand:  r,
		mgr:   mgr,
	}, nil
}

func seedRand(cfg config.Config) (*randutil.Rand, error) {
	if cfg.RandSeed != 0 {
		return randutil.NewSeeded(cfg.RandSeed), nil
	}
	return randutil.NewCrypto()
}

// Self returns this node's own Finger (addr, port, pubkey, ident).
func (n *Node) Self() finger.Finger { return n.self }

// Space returns the node's FingerSpace, for inspection by an operator
// surface or a test assertion.
func (n *Node) Space() *finger.Space { return n.space }

// Start opens the listening socket and begins accepting connections.
func (n *Node) Start() error {
	slog.Info("node: starting", "ident", n.self.Ident, "addr", n.self.DialAddr())
	return n.mgr.Start()
}

// Stop notifies every known peer with QUIT, then tears down the
// connection manager.
func (n *Node) Stop() {
	slog.Info("node: stopping", "ident", n.self.Ident)
	n.mgr.Stop()
}

// Bootstrap joins the mesh through the peer at addr.
func (n *Node) Bootstrap(addr string) error {
	return n.mgr.Bootstrap(addr)
}

// Send delivers text to recipient through an onion-wrapped path.
func (n *Node) Send(recipient finger.Finger, text string) error {
	return n.mgr.SendMessage(recipient, text)
}

// Manager exposes the underlying Connection Manager, for status
// reporting (connmgr.Manager.Successes/Failures).
func (n *Node) Manager() *connmgr.Manager { return n.mgr }

// LocalIP discovers the outbound-facing local IP by opening a UDP
// "connection" to a public address and reading back the local endpoint;
// no packets are actually sent. Local IP discovery is external glue per
// spec.md §1 — cmd/onionmeshd's start command calls this only when --addr
// is given as an empty string (its default is 127.0.0.1).
func LocalIP() (string, error) {
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		return "", err
	}
	defer conn.Close()
	return conn.LocalAddr().(*net.UDPAddr).IP.String(), nil
}
