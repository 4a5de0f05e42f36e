// Package protocol implements the Protocol State Machine: message types,
// the shared envelope (serialize, pad, encrypt) outgoing handlers build
// and incoming handling decodes, and the classify-and-dispatch logic for
// accepted connections.
package protocol

import (
	"strings"

	"github.com/onionmesh/onionmesh/codec"
	"github.com/onionmesh/onionmesh/distrimerr"
	"github.com/onionmesh/onionmesh/finger"
	"github.com/onionmesh/onionmesh/randutil"
	"github.com/onionmesh/onionmesh/rsacipher"
)

// MessageType is one of the seven 4-uppercase-letter protocol tags.
type MessageType string

const (
	Anno MessageType = "ANNO"
	Mesg MessageType = "MESG"
	Ping MessageType = "PING"
	Pong MessageType = "PONG"
	Quit MessageType = "QUIT"
	Rely MessageType = "RELY"
	Welc MessageType = "WELC"
)

// allowedTypes is the full set a decoded message_type must belong to.
var allowedTypes = map[MessageType]bool{
	Anno: true, Mesg: true, Ping: true, Pong: true, Quit: true, Rely: true, Welc: true,
}

// Message is the decoded protocol triple (sender_finger_fields,
// message_type, parameters).
type Message struct {
	Sender finger.Finger
	Type   MessageType
	Params map[string]any
}

// BuildEnvelope serializes (sender.ToTuple(), msgType, params), appends
// uniform random padding in [saltMin, saltMax) bytes, and encrypts the
// result with the recipient's public key. This is the common envelope
// every outgoing handler sends on the wire.
func BuildEnvelope(sender finger.Finger, msgType MessageType, params map[string]any, recipientPub *rsacipher.KeyPair, r *randutil.Rand, saltMin, saltMax int) ([]byte, error) {
	if !allowedTypes[MessageType(msgType)] {
		return nil, distrimerr.New(distrimerr.Protocol, "unknown message type %q", msgType)
	}
	body := []any{sender.ToTuple(), string(msgType), toAnyMap(params)}
	enc, err := codec.Encode(body)
	if err != nil {
		return nil, distrimerr.Wrap(distrimerr.Protocol, err, "encode envelope body")
	}

	padLen := saltMin
	if saltMax > saltMin {
		padLen += r.Intn(saltMax - saltMin)
	}
	pad := make([]byte, padLen)
	for i := range pad {
		pad[i] = byte(r.Intn(256))
	}
	enc = append(enc, pad...)

	cryptic, err := recipientPub.Encrypt(enc)
	if err != nil {
		return nil, distrimerr.Wrap(distrimerr.Cipher, err, "encrypt envelope")
	}
	return cryptic, nil
}

// DecodeEnvelope decrypts cryptic with the local private key, decodes the
// (sender, type, params) triple, discarding trailing padding, and
// validates the sender's Finger, the message type, and that every
// parameter key is uppercase. If expected is non-empty the decoded type
// must equal it, else a procedure error is returned.
func DecodeEnvelope(cryptic []byte, localKey *rsacipher.KeyPair, expected MessageType) (Message, error) {
	plain, err := localKey.Decrypt(cryptic)
	if err != nil {
		return Message{}, distrimerr.Wrap(distrimerr.Cipher, err, "decrypt envelope")
	}

	decoded, _, err := codec.Decode(plain)
	if err != nil {
		return Message{}, distrimerr.Wrap(distrimerr.Protocol, err, "decode envelope body")
	}
	triple, ok := decoded.([]any)
	if !ok || len(triple) != 3 {
		return Message{}, distrimerr.New(distrimerr.Protocol, "envelope: expected a 3-element tuple")
	}

	senderTuple, ok := triple[0].([]any)
	if !ok {
		return Message{}, distrimerr.New(distrimerr.Protocol, "envelope: sender field is not a tuple")
	}
	sender, err := finger.FromTuple(senderTuple)
	if err != nil {
		return Message{}, err
	}

	typeStr, ok := triple[1].(string)
	if !ok {
		return Message{}, distrimerr.New(distrimerr.Protocol, "envelope: message_type is not a string")
	}
	msgType := MessageType(typeStr)
	if !allowedTypes[msgType] {
		return Message{}, distrimerr.New(distrimerr.Protocol, "envelope: unknown message_type %q", typeStr)
	}

	rawParams, ok := triple[2].(map[string]any)
	if !ok {
		return Message{}, distrimerr.New(distrimerr.Protocol, "envelope: parameters is not a map")
	}
	for k := range rawParams {
		if strings.ToUpper(k) != k {
			return Message{}, distrimerr.New(distrimerr.Protocol, "envelope: parameter key %q is not uppercase", k)
		}
	}

	if expected != "" && msgType != expected {
		return Message{}, distrimerr.New(distrimerr.Procedure, "expected message type %q, got %q", expected, msgType)
	}

	return Message{Sender: sender, Type: msgType, Params: rawParams}, nil
}

// DecodeBootstrapRequest attempts to parse frame as the unencrypted
// 4-tuple a bootstrap request carries. Failure here is how a connection
// is distinguished from an encrypted protocol message — the caller falls
// back to DecodeEnvelope when this fails.
func DecodeBootstrapRequest(frame []byte) (finger.Finger, error) {
	decoded, _, err := codec.Decode(frame)
	if err != nil {
		return finger.Finger{}, distrimerr.Wrap(distrimerr.Protocol, err, "decode bootstrap request")
	}
	tuple, ok := decoded.([]any)
	if !ok {
		return finger.Finger{}, distrimerr.New(distrimerr.Protocol, "bootstrap request is not a tuple")
	}
	return finger.FromTuple(tuple)
}

func toAnyMap(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}
