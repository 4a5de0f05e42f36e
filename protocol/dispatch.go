package protocol

import (
	"log/slog"

	"github.com/onionmesh/onionmesh/codec"
	"github.com/onionmesh/onionmesh/distrimerr"
	"github.com/onionmesh/onionmesh/finger"
	"github.com/onionmesh/onionmesh/randutil"
	"github.com/onionmesh/onionmesh/rsacipher"
	"github.com/onionmesh/onionmesh/wire"
)

// DeliveredMessage is handed to Handler.Deliver when a relay chain
// terminates at this node. Rendering it to a user interface is external
// glue (see spec.md §1); this module only constructs the value.
type DeliveredMessage struct {
	Text   string
	Sender finger.Finger
}

// Handler owns the state needed to classify and act on one accepted
// connection. SendRely is injected rather than imported from the
// outgoing package, since relaying is itself an outgoing connection and
// this package must not depend on it.
type Handler struct {
	Self   finger.Finger
	Cipher *rsacipher.KeyPair
	Space  *finger.Space
	Rand   *randutil.Rand

	SaltMin, SaltMax int

	// SendRely opens a connection to next and sends a RELY envelope
	// carrying pkg as parameters["PACKAGE"].
	SendRely func(next finger.Finger, pkg []byte) error
	// Deliver hands a terminated message to the local user interface.
	Deliver func(DeliveredMessage)
}

// HandleIncoming reads exactly one frame from conn and dispatches it.
func (h *Handler) HandleIncoming(conn *wire.Conn) error {
	frame, err := conn.Receive()
	if err != nil {
		return err
	}

	if peer, err := DecodeBootstrapRequest(frame); err == nil {
		return h.handleBootstrapRequest(conn, peer)
	}

	msg, err := DecodeEnvelope(frame, h.Cipher, "")
	if err != nil {
		return err
	}
	return h.dispatch(msg)
}

// handleBootstrapRequest implements the bootstrap-accept path: welcome is
// sent before the new peer is inserted, so its own NODES list never
// contains itself.
func (h *Handler) handleBootstrapRequest(conn *wire.Conn, peer finger.Finger) error {
	slog.Info("bootstrap request accepted", "ident", peer.Ident, "addr", peer.DialAddr())

	nodes := make([]any, 0, h.Space.Len())
	for _, f := range h.Space.Export() {
		nodes = append(nodes, f.ToTuple())
	}
	params := map[string]any{"NODES": nodes}

	envelope, err := BuildEnvelope(h.Self, Welc, params, peerCipher(peer), h.Rand, h.SaltMin, h.SaltMax)
	if err != nil {
		return err
	}
	if err := conn.Send(envelope); err != nil {
		return err
	}

	return h.Space.Put(peer)
}

func (h *Handler) dispatch(msg Message) error {
	switch msg.Type {
	case Anno:
		return h.handleAnno(msg)
	case Quit:
		return h.handleQuit(msg)
	case Rely:
		return h.handleRely(msg)
	case Welc:
		// Only meaningful as a reply to a bootstrap initiator, handled
		// synchronously by the outgoing Bootstrapper; nothing to do on
		// the accept side.
		return nil
	case Mesg, Ping, Pong:
		return nil
	default:
		return distrimerr.New(distrimerr.Protocol, "unhandled message type %q", msg.Type)
	}
}

func (h *Handler) handleAnno(msg Message) error {
	nodeTuple, ok := msg.Params["NODE"].([]any)
	if !ok {
		return distrimerr.New(distrimerr.Protocol, "ANNO: missing or malformed NODE parameter")
	}
	f, err := finger.FromTuple(nodeTuple)
	if err != nil {
		return err
	}
	return h.Space.Put(f)
}

func (h *Handler) handleQuit(msg Message) error {
	ident, ok := msg.Params["IDENT"].(string)
	if !ok {
		return distrimerr.New(distrimerr.Protocol, "QUIT: missing or malformed IDENT parameter")
	}
	h.Space.Remove(ident)
	return nil
}

func (h *Handler) handleRely(msg Message) error {
	pkg, ok := msg.Params["PACKAGE"].([]byte)
	if !ok {
		return distrimerr.New(distrimerr.Protocol, "RELY: missing or malformed PACKAGE parameter")
	}

	plain, err := h.Cipher.Decrypt(pkg)
	if err != nil {
		return distrimerr.Wrap(distrimerr.Cipher, err, "peel onion layer")
	}
	decoded, _, err := codec.Decode(plain)
	if err != nil {
		return distrimerr.Wrap(distrimerr.Protocol, err, "decode onion layer")
	}
	layer, ok := decoded.(map[string]any)
	if !ok {
		return distrimerr.New(distrimerr.Protocol, "onion layer is not a map")
	}

	if recipient, ok := layer["RECIPIENT"].(string); ok && recipient == h.Self.Ident {
		senderTuple, ok := layer["SENDER"].([]any)
		if !ok {
			return distrimerr.New(distrimerr.Protocol, "final packet missing SENDER")
		}
		sender, err := finger.FromTuple(senderTuple)
		if err != nil {
			return err
		}
		text, ok := layer["MESSAGE"].(string)
		if !ok {
			return distrimerr.New(distrimerr.Protocol, "final packet missing MESSAGE")
		}
		if err := h.Space.Put(sender); err != nil {
			slog.Warn("relay: could not insert sender into directory", "ident", sender.Ident, "err", err)
		}
		h.Deliver(DeliveredMessage{Text: text, Sender: sender})
		return nil
	}

	nextTuple, ok := layer["NEXT"].([]any)
	if !ok {
		return distrimerr.New(distrimerr.Protocol, "onion layer missing NEXT")
	}
	innerPkg, ok := layer["PACKAGE"].([]byte)
	if !ok {
		return distrimerr.New(distrimerr.Protocol, "onion layer missing inner PACKAGE")
	}
	next, err := finger.FromTuple(nextTuple)
	if err != nil {
		return err
	}
	if err := h.Space.Put(next); err != nil {
		slog.Warn("relay: could not insert NEXT into directory", "ident", next.Ident, "err", err)
	}
	return h.SendRely(next, innerPkg)
}

// peerCipher wraps a peer's DER-encoded public key as a public-only
// KeyPair so BuildEnvelope can encrypt to it.
func peerCipher(peer finger.Finger) *rsacipher.KeyPair {
	kp, err := rsacipher.FromPublicDER(peer.PubKey)
	if err != nil {
		// peer.PubKey already passed finger.New's RSA-parses check, so
		// this can only fail if that invariant is broken elsewhere.
		panic("protocol: peer public key failed to reparse: " + err.Error())
	}
	return kp
}
