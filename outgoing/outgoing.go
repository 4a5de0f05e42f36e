// Package outgoing implements the client-initiated handlers: bootstrap,
// announce, leave, and message send. All four share the envelope
// contract defined by protocol.BuildEnvelope/DecodeEnvelope and open a
// fresh wire.Conn per call, matching the original protocol.py
// Boostrapper/OutgoingConnection's one-shot-connection style.
package outgoing

import (
	"log/slog"
	"time"

	"github.com/onionmesh/onionmesh/codec"
	"github.com/onionmesh/onionmesh/distrimerr"
	"github.com/onionmesh/onionmesh/finger"
	"github.com/onionmesh/onionmesh/protocol"
	"github.com/onionmesh/onionmesh/randutil"
	"github.com/onionmesh/onionmesh/rsacipher"
	"github.com/onionmesh/onionmesh/wire"
)

// Outgoing owns everything a client-initiated connection needs: local
// identity, local keypair (for decrypting replies), the shared
// directory, a seeded random source, and the timing/path parameters.
type Outgoing struct {
	Self   finger.Finger
	Cipher *rsacipher.KeyPair
	Space  *finger.Space
	Rand   *randutil.Rand

	Timeout          time.Duration
	SaltMin, SaltMax int
	PathLength       int
}

// peerKey wraps a Finger's DER-encoded public key for encryption.
func peerKey(peer finger.Finger) (*rsacipher.KeyPair, error) {
	return rsacipher.FromPublicDER(peer.PubKey)
}

// Bootstrap opens a connection to addr, sends our own finger-fields
// unencrypted, and expects an encrypted WELC reply. It records the
// bootstrap peer, imports every entry of the reply's NODES list (skipping
// ourselves), then announces itself to every known peer other than the
// bootstrap node.
func (o *Outgoing) Bootstrap(addr string) error {
	conn, err := wire.Dial(addr, o.Timeout)
	if err != nil {
		return err
	}
	defer conn.Close()

	reqBytes, err := codec.Encode(o.Self.ToTuple())
	if err != nil {
		return distrimerr.Wrap(distrimerr.Protocol, err, "encode bootstrap request")
	}
	if err := conn.Send(reqBytes); err != nil {
		return err
	}

	frame, err := conn.Receive()
	if err != nil {
		return err
	}
	reply, err := protocol.DecodeEnvelope(frame, o.Cipher, protocol.Welc)
	if err != nil {
		return err
	}
	bootstrapPeer := reply.Sender
	if err := o.Space.Put(bootstrapPeer); err != nil {
		slog.Warn("bootstrap: could not insert bootstrap peer", "ident", bootstrapPeer.Ident, "err", err)
	}

	nodesRaw, ok := reply.Params["NODES"].([]any)
	if !ok {
		return distrimerr.New(distrimerr.Protocol, "WELC reply missing NODES parameter")
	}
	for _, nodeAny := range nodesRaw {
		tuple, ok := nodeAny.([]any)
		if !ok {
			continue
		}
		f, err := finger.FromTuple(tuple)
		if err != nil {
			slog.Warn("bootstrap: skipping malformed NODES entry", "err", err)
			continue
		}
		if f.Ident == o.Self.Ident {
			continue
		}
		if err := o.Space.Put(f); err != nil {
			slog.Warn("bootstrap: could not import node", "ident", f.Ident, "err", err)
		}
	}

	for _, f := range o.Space.Export() {
		if f.Ident == bootstrapPeer.Ident {
			continue
		}
		if err := o.Announce(f); err != nil {
			slog.Warn("bootstrap: announce failed", "target", f.Ident, "err", err)
		}
	}
	return nil
}

// Announce connects to target and sends ANNO carrying our own
// finger-fields.
func (o *Outgoing) Announce(target finger.Finger) error {
	return o.sendSimple(target, protocol.Anno, map[string]any{"NODE": o.Self.ToTuple()})
}

// Leave connects to target and sends QUIT carrying our local ident.
func (o *Outgoing) Leave(target finger.Finger) error {
	return o.sendSimple(target, protocol.Quit, map[string]any{"IDENT": o.Self.Ident})
}

// Relay forwards pkg, already encrypted for next, as a RELY message's
// PACKAGE parameter — used by protocol.Handler's relay-peeling dispatch
// to hand a peeled onion layer off to its next hop.
func (o *Outgoing) Relay(next finger.Finger, pkg []byte) error {
	return o.sendSimple(next, protocol.Rely, map[string]any{"PACKAGE": pkg})
}

// LeaveAll sends QUIT to every known peer, best-effort, for a clean
// shutdown.
func (o *Outgoing) LeaveAll() {
	for _, f := range o.Space.Export() {
		if err := o.Leave(f); err != nil {
			slog.Warn("leave: failed to notify peer", "target", f.Ident, "err", err)
		}
	}
}

func (o *Outgoing) sendSimple(target finger.Finger, msgType protocol.MessageType, params map[string]any) error {
	conn, err := wire.Dial(target.DialAddr(), o.Timeout)
	if err != nil {
		return err
	}
	defer conn.Close()

	targetKey, err := peerKey(target)
	if err != nil {
		return err
	}
	envelope, err := protocol.BuildEnvelope(o.Self, msgType, params, targetKey, o.Rand, o.SaltMin, o.SaltMax)
	if err != nil {
		return err
	}
	return conn.Send(envelope)
}

// Send builds the final packet addressed to recipient, wraps it in
// PathLength onion layers drawn from the directory, and delivers it to
// the first hop via RELY. If the directory has fewer than PathLength
// peers the path is short (down to the direct, zero-hop case); an empty
// directory fails with a FingerSpaceErr.
func (o *Outgoing) Send(recipient finger.Finger, text string) error {
	recipientKey, err := peerKey(recipient)
	if err != nil {
		return err
	}
	finalPacket := map[string]any{
		"MESSAGE":   text,
		"RECIPIENT": recipient.Ident,
		"SENDER":    o.Self.ToTuple(),
	}
	encodedFinal, err := codec.Encode(finalPacket)
	if err != nil {
		return distrimerr.Wrap(distrimerr.Protocol, err, "encode final packet")
	}
	current, err := recipientKey.Encrypt(encodedFinal)
	if err != nil {
		return distrimerr.Wrap(distrimerr.Cipher, err, "encrypt final packet")
	}

	path, err := o.Space.GetRandom(o.PathLength, o.Rand)
	if err != nil {
		return err
	}
	filtered := path[:0:0]
	for _, f := range path {
		if f.Ident != recipient.Ident {
			filtered = append(filtered, f)
		}
	}
	path = filtered

	firstHop := recipient
	for _, hop := range path {
		layer := map[string]any{"NEXT": firstHop.ToTuple(), "PACKAGE": current}
		encodedLayer, err := codec.Encode(layer)
		if err != nil {
			return distrimerr.Wrap(distrimerr.Protocol, err, "encode onion layer")
		}
		hopKey, err := peerKey(hop)
		if err != nil {
			return err
		}
		current, err = hopKey.Encrypt(encodedLayer)
		if err != nil {
			return distrimerr.Wrap(distrimerr.Cipher, err, "encrypt onion layer")
		}
		firstHop = hop
	}

	conn, err := wire.Dial(firstHop.DialAddr(), o.Timeout)
	if err != nil {
		return err
	}
	defer conn.Close()

	firstHopKey, err := peerKey(firstHop)
	if err != nil {
		return err
	}
	envelope, err := protocol.BuildEnvelope(o.Self, protocol.Rely, map[string]any{"PACKAGE": current}, firstHopKey, o.Rand, o.SaltMin, o.SaltMax)
	if err != nil {
		return err
	}
	return conn.Send(envelope)
}
