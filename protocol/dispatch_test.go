package protocol

import (
	"net"
	"testing"
	"time"

	"github.com/onionmesh/onionmesh/codec"
	"github.com/onionmesh/onionmesh/finger"
	"github.com/onionmesh/onionmesh/randutil"
	"github.com/onionmesh/onionmesh/rsacipher"
	"github.com/onionmesh/onionmesh/wire"
)

type testPeer struct {
	finger finger.Finger
	key    *rsacipher.KeyPair
}

func newTestPeer(t *testing.T, addr string, port int) testPeer {
	t.Helper()
	f, kp := testFinger(t, addr, port)
	return testPeer{finger: f, key: kp}
}

func newHandler(self testPeer, sendRely func(finger.Finger, []byte) error) *Handler {
	return &Handler{
		Self:     self.finger,
		Cipher:   self.key,
		Space:    finger.NewSpace(self.finger),
		Rand:     randutil.NewSeeded(11),
		SaltMin:  8,
		SaltMax:  16,
		SendRely: sendRely,
		Deliver:  func(DeliveredMessage) {},
	}
}

func TestHandleIncomingBootstrapAccept(t *testing.T) {
	self := newTestPeer(t, "127.0.0.1", 2000)
	h := newHandler(self, nil)

	newPeer := newTestPeer(t, "127.0.0.1", 2001)

	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()
	clientConn := wire.New(client, time.Second)
	serverConn := wire.New(server, time.Second)

	reqBytes, err := codec.Encode(newPeer.finger.ToTuple())
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	errCh := make(chan error, 1)
	go func() { errCh <- clientConn.Send(reqBytes) }()

	doneCh := make(chan error, 1)
	go func() { doneCh <- h.HandleIncoming(serverConn) }()

	welcome, err := clientConn.Receive()
	if err != nil {
		t.Fatalf("Receive welcome: %v", err)
	}
	if err := <-errCh; err != nil {
		t.Fatalf("Send: %v", err)
	}
	if err := <-doneCh; err != nil {
		t.Fatalf("HandleIncoming: %v", err)
	}

	msg, err := DecodeEnvelope(welcome, newPeer.key, Welc)
	if err != nil {
		t.Fatalf("DecodeEnvelope(welcome): %v", err)
	}
	if msg.Type != Welc {
		t.Fatalf("got type %q, want WELC", msg.Type)
	}
	if _, ok := h.Space.Get(newPeer.finger.Ident); !ok {
		t.Fatal("expected new peer inserted into directory after welcome sent")
	}
}

func TestHandleIncomingAnno(t *testing.T) {
	self := newTestPeer(t, "127.0.0.1", 2000)
	h := newHandler(self, nil)
	announced := newTestPeer(t, "127.0.0.1", 2002)

	sender, _ := testFinger(t, "127.0.0.1", 2001)
	envelope, err := BuildEnvelope(sender, Anno, map[string]any{"NODE": announced.finger.ToTuple()}, h.Cipher, h.Rand, 8, 16)
	if err != nil {
		t.Fatalf("BuildEnvelope: %v", err)
	}

	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()
	clientConn := wire.New(client, time.Second)
	serverConn := wire.New(server, time.Second)

	go func() { _ = clientConn.Send(envelope) }()
	if err := h.HandleIncoming(serverConn); err != nil {
		t.Fatalf("HandleIncoming: %v", err)
	}

	if _, ok := h.Space.Get(announced.finger.Ident); !ok {
		t.Fatal("expected announced peer inserted into directory")
	}
}

func TestHandleIncomingQuit(t *testing.T) {
	self := newTestPeer(t, "127.0.0.1", 2000)
	h := newHandler(self, nil)
	peer := newTestPeer(t, "127.0.0.1", 2002)
	if err := h.Space.Put(peer.finger); err != nil {
		t.Fatalf("Put: %v", err)
	}

	sender, _ := testFinger(t, "127.0.0.1", 2001)
	envelope, err := BuildEnvelope(sender, Quit, map[string]any{"IDENT": peer.finger.Ident}, h.Cipher, h.Rand, 8, 16)
	if err != nil {
		t.Fatalf("BuildEnvelope: %v", err)
	}

	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()
	clientConn := wire.New(client, time.Second)
	serverConn := wire.New(server, time.Second)

	go func() { _ = clientConn.Send(envelope) }()
	if err := h.HandleIncoming(serverConn); err != nil {
		t.Fatalf("HandleIncoming: %v", err)
	}

	if _, ok := h.Space.Get(peer.finger.Ident); ok {
		t.Fatal("expected peer removed after QUIT")
	}
}

func TestHandleIncomingRelyTerminal(t *testing.T) {
	self := newTestPeer(t, "127.0.0.1", 2000)
	var delivered *DeliveredMessage
	h := newHandler(self, nil)
	h.Deliver = func(m DeliveredMessage) { delivered = &m }

	sender, _ := testFinger(t, "127.0.0.1", 2001)
	finalPacket := map[string]any{
		"MESSAGE":   "hello there",
		"RECIPIENT": self.finger.Ident,
		"SENDER":    sender.ToTuple(),
	}
	encodedFinal, err := codec.Encode(finalPacket)
	if err != nil {
		t.Fatalf("encode final packet: %v", err)
	}
	innerPkg, err := self.key.Encrypt(encodedFinal)
	if err != nil {
		t.Fatalf("encrypt final packet: %v", err)
	}

	relayFrom, _ := testFinger(t, "127.0.0.1", 2002)
	envelope, err := BuildEnvelope(relayFrom, Rely, map[string]any{"PACKAGE": innerPkg}, h.Cipher, h.Rand, 8, 16)
	if err != nil {
		t.Fatalf("BuildEnvelope: %v", err)
	}

	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()
	clientConn := wire.New(client, time.Second)
	serverConn := wire.New(server, time.Second)

	go func() { _ = clientConn.Send(envelope) }()
	if err := h.HandleIncoming(serverConn); err != nil {
		t.Fatalf("HandleIncoming: %v", err)
	}

	if delivered == nil {
		t.Fatal("expected message delivered")
	}
	if delivered.Text != "hello there" {
		t.Fatalf("got text %q", delivered.Text)
	}
	if _, ok := h.Space.Get(sender.Ident); !ok {
		t.Fatal("expected sender inserted into directory")
	}
}

func TestHandleIncomingRelyForward(t *testing.T) {
	self := newTestPeer(t, "127.0.0.1", 2000)
	nextHop := newTestPeer(t, "127.0.0.1", 2003)

	var forwardedTo finger.Finger
	var forwardedPkg []byte
	h := newHandler(self, func(next finger.Finger, pkg []byte) error {
		forwardedTo = next
		forwardedPkg = pkg
		return nil
	})

	innerPkg := []byte("opaque inner layer bytes")
	layer := map[string]any{"NEXT": nextHop.finger.ToTuple(), "PACKAGE": innerPkg}
	encodedLayer, err := codec.Encode(layer)
	if err != nil {
		t.Fatalf("encode layer: %v", err)
	}
	peeledLayer, err := self.key.Encrypt(encodedLayer)
	if err != nil {
		t.Fatalf("encrypt layer: %v", err)
	}

	relayFrom, _ := testFinger(t, "127.0.0.1", 2002)
	envelope, err := BuildEnvelope(relayFrom, Rely, map[string]any{"PACKAGE": peeledLayer}, h.Cipher, h.Rand, 8, 16)
	if err != nil {
		t.Fatalf("BuildEnvelope: %v", err)
	}

	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()
	clientConn := wire.New(client, time.Second)
	serverConn := wire.New(server, time.Second)

	go func() { _ = clientConn.Send(envelope) }()
	if err := h.HandleIncoming(serverConn); err != nil {
		t.Fatalf("HandleIncoming: %v", err)
	}

	if forwardedTo.Ident != nextHop.finger.Ident {
		t.Fatalf("got forward target %q, want %q", forwardedTo.Ident, nextHop.finger.Ident)
	}
	if string(forwardedPkg) != string(innerPkg) {
		t.Fatalf("expected inner package forwarded unchanged")
	}
	if _, ok := h.Space.Get(nextHop.finger.Ident); !ok {
		t.Fatal("expected NEXT inserted into directory")
	}
}
