// Package finger implements the Finger & FingerSpace components: a peer
// identity value object keyed by a truncated hash of (address, port,
// public key), and a mutex-guarded directory of known peers.
package finger

import (
	"crypto/md5"
	"crypto/rsa"
	"crypto/x509"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"

	"github.com/onionmesh/onionmesh/distrimerr"
)

// Fields is the plain 4-tuple shape a Finger's identity is carried over
// the wire as: (addr, port, pubkey, ident).
type Fields struct {
	Addr   string
	Port   uint16
	PubKey []byte
	Ident  string
}

// Finger is a validated peer record. Construct one with New; the zero
// value is not valid.
type Finger struct {
	Fields
}

// GenerateHash computes the 4-hex-character identifier for (addr, port,
// pubkey): the first two bytes of MD5 over "addrportpubkey". The short
// hash is deliberate — a didactic design choice, not a production-grade
// collision bound (spec.md §9 names ~65536 identity slots as expected).
func GenerateHash(addr string, port uint16, pubkey []byte) string {
	sum := md5.Sum(fmt.Appendf(nil, "%s%d%s", addr, port, pubkey))
	return hex.EncodeToString(sum[:2])
}

// New validates addr, port, and pubkey, computes the ident, and checks it
// against a caller-supplied ident if one is non-empty.
func New(addr string, port int, pubkey []byte, ident string) (Finger, error) {
	if addr == "" || strings.Count(addr, ".") != 3 {
		return Finger{}, distrimerr.New(distrimerr.FingerSpaceErr, "invalid address %q: want four dot-separated fields", addr)
	}
	if port < 1 || port > 65535 {
		return Finger{}, distrimerr.New(distrimerr.FingerSpaceErr, "invalid port %d", port)
	}
	if len(pubkey) == 0 {
		return Finger{}, distrimerr.New(distrimerr.FingerSpaceErr, "empty public key")
	}
	if looksLikePEM(pubkey) {
		return Finger{}, distrimerr.New(distrimerr.FingerSpaceErr, "public key must be binary DER, not PEM text")
	}
	key, err := x509.ParsePKIXPublicKey(pubkey)
	if err != nil {
		return Finger{}, distrimerr.Wrap(distrimerr.FingerSpaceErr, err, "public key does not parse as an RSA public key")
	}
	if _, ok := key.(*rsa.PublicKey); !ok {
		return Finger{}, distrimerr.New(distrimerr.FingerSpaceErr, "public key is not RSA")
	}

	computed := GenerateHash(addr, uint16(port), pubkey)
	if ident != "" && ident != computed {
		return Finger{}, distrimerr.New(distrimerr.IdentityMismatch, "supplied ident %q does not match computed %q", ident, computed)
	}

	return Finger{Fields{Addr: addr, Port: uint16(port), PubKey: pubkey, Ident: computed}}, nil
}

func looksLikePEM(b []byte) bool {
	return strings.Contains(string(b), "-----BEGIN")
}

// ToTuple renders Fields as the wire 4-tuple shape used by the Serializer.
func (f Finger) ToTuple() []any {
	return []any{f.Addr, uint64(f.Port), f.PubKey, f.Ident}
}

// FromTuple parses the wire 4-tuple shape produced by ToTuple, validating
// it via New.
func FromTuple(tuple []any) (Finger, error) {
	if len(tuple) != 4 {
		return Finger{}, distrimerr.New(distrimerr.Protocol, "finger tuple: want 4 elements, got %d", len(tuple))
	}
	addr, ok := tuple[0].(string)
	if !ok {
		return Finger{}, distrimerr.New(distrimerr.Protocol, "finger tuple: addr is not a string")
	}
	portU, ok := tuple[1].(uint64)
	if !ok {
		return Finger{}, distrimerr.New(distrimerr.Protocol, "finger tuple: port is not a uint")
	}
	pubkey, ok := tuple[2].([]byte)
	if !ok {
		return Finger{}, distrimerr.New(distrimerr.Protocol, "finger tuple: pubkey is not bytes")
	}
	ident, ok := tuple[3].(string)
	if !ok {
		return Finger{}, distrimerr.New(distrimerr.Protocol, "finger tuple: ident is not a string")
	}
	return New(addr, int(portU), pubkey, ident)
}

// DialAddr returns "addr:port", the dial target for this peer.
func (f Finger) DialAddr() string {
	return f.Addr + ":" + strconv.Itoa(int(f.Port))
}
