// Package rsacipher wraps RSA keypairs for the chunked encrypt/decrypt and
// key import/export operations the protocol needs. Key generation and the
// underlying encrypt/decrypt primitives are stdlib crypto/rsa calls
// (spec.md §1 names these external glue — the core only uses their
// interface, never reimplements RSA itself).
package rsacipher

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"

	"github.com/onionmesh/onionmesh/distrimerr"
)

// pkcs1Overhead is the padding overhead PKCS#1 v1.5 encryption imposes on
// every block; the usable plaintext chunk is the key size in bytes minus
// this overhead.
const pkcs1Overhead = 11

// Which selects what Export returns.
type Which int

const (
	WhichPublic Which = iota
	WhichPrivate
	WhichBoth
)

// KeyPair wraps an RSA keypair, or a public key alone.
type KeyPair struct {
	priv       *rsa.PrivateKey
	pub        *rsa.PublicKey
	HasPrivate bool
}

// Generate creates a fresh RSA keypair of the given bit length. Key
// generation itself is stdlib glue per spec.md §1; this just exposes it
// wrapped in a KeyPair.
func Generate(bits int) (*KeyPair, error) {
	priv, err := rsa.GenerateKey(rand.Reader, bits)
	if err != nil {
		return nil, distrimerr.Wrap(distrimerr.Cipher, err, "generate %d-bit RSA key", bits)
	}
	return &KeyPair{priv: priv, pub: &priv.PublicKey, HasPrivate: true}, nil
}

// FromPublicDER builds a public-only KeyPair from a DER-encoded (PKIX)
// public key.
func FromPublicDER(der []byte) (*KeyPair, error) {
	key, err := x509.ParsePKIXPublicKey(der)
	if err != nil {
		return nil, distrimerr.Wrap(distrimerr.Cipher, err, "parse public key DER")
	}
	pub, ok := key.(*rsa.PublicKey)
	if !ok {
		return nil, distrimerr.New(distrimerr.Cipher, "DER does not encode an RSA public key")
	}
	return &KeyPair{pub: pub}, nil
}

// FromPrivateDER builds a KeyPair with both halves from a DER-encoded
// (PKCS#1) private key.
func FromPrivateDER(der []byte) (*KeyPair, error) {
	priv, err := x509.ParsePKCS1PrivateKey(der)
	if err != nil {
		return nil, distrimerr.Wrap(distrimerr.Cipher, err, "parse private key DER")
	}
	return &KeyPair{priv: priv, pub: &priv.PublicKey, HasPrivate: true}, nil
}

// PublicKey returns the RSA public key, never nil for a valid KeyPair.
func (kp *KeyPair) PublicKey() *rsa.PublicKey { return kp.pub }

// PublicDER returns the DER (PKIX) encoding of the public key — the form
// Finger identities are computed over.
func (kp *KeyPair) PublicDER() ([]byte, error) {
	der, err := x509.MarshalPKIXPublicKey(kp.pub)
	if err != nil {
		return nil, distrimerr.Wrap(distrimerr.Cipher, err, "marshal public key DER")
	}
	return der, nil
}

// Export returns the requested key material. text selects PEM over DER;
// which selects public, private, or both. Exporting a private key when
// only a public key is held fails with a Cipher error.
func (kp *KeyPair) Export(text bool, which Which) (pub []byte, priv []byte, err error) {
	if which == WhichPrivate || which == WhichBoth {
		if !kp.HasPrivate {
			return nil, nil, distrimerr.New(distrimerr.Cipher, "requested non-existent private key")
		}
	}

	if which == WhichPublic || which == WhichBoth {
		der, derr := kp.PublicDER()
		if derr != nil {
			return nil, nil, derr
		}
		if text {
			pub = pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der})
		} else {
			pub = der
		}
	}

	if which == WhichPrivate || which == WhichBoth {
		der := x509.MarshalPKCS1PrivateKey(kp.priv)
		if text {
			priv = pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: der})
		} else {
			priv = der
		}
	}

	return pub, priv, nil
}

// plainChunkSize returns the maximum plaintext bytes per PKCS#1 v1.5 block
// for this key.
func plainChunkSize(pub *rsa.PublicKey) int {
	return pub.Size() - pkcs1Overhead
}

// CipherChunkSize returns the ciphertext block size for this key — the key
// size in bytes, identical on both sides of an exchange between peers
// with equal-length keys.
func (kp *KeyPair) CipherChunkSize() int {
	return kp.pub.Size()
}

// Encrypt splits data into fixed-size plaintext chunks and RSA-encrypts
// each with the held public key, concatenating the ciphertext blocks.
func (kp *KeyPair) Encrypt(data []byte) ([]byte, error) {
	chunkSize := plainChunkSize(kp.pub)
	out := make([]byte, 0, (len(data)/chunkSize+1)*kp.pub.Size())
	for _, chunk := range SplitChunks(data, chunkSize) {
		block, err := rsa.EncryptPKCS1v15(rand.Reader, kp.pub, chunk)
		if err != nil {
			return nil, distrimerr.Wrap(distrimerr.Cipher, err, "encrypt chunk")
		}
		out = append(out, block...)
	}
	return out, nil
}

// Decrypt splits cryptic into fixed-size ciphertext chunks and RSA-decrypts
// each with the held private key, concatenating the plaintext. Requires a
// private key.
func (kp *KeyPair) Decrypt(cryptic []byte) ([]byte, error) {
	if !kp.HasPrivate {
		return nil, distrimerr.New(distrimerr.Cipher, "can't decrypt, no private key")
	}
	chunkSize := kp.priv.Size()
	out := make([]byte, 0, len(cryptic))
	for _, chunk := range SplitChunks(cryptic, chunkSize) {
		block, err := rsa.DecryptPKCS1v15(rand.Reader, kp.priv, chunk)
		if err != nil {
			return nil, distrimerr.Wrap(distrimerr.Cipher, err, "decrypt chunk")
		}
		out = append(out, block...)
	}
	return out, nil
}

// SplitChunks splits seq into parts of at most partSize bytes.
func SplitChunks(seq []byte, partSize int) [][]byte {
	var chunks [][]byte
	for idx := 0; idx < len(seq); idx += partSize {
		end := idx + partSize
		if end > len(seq) {
			end = len(seq)
		}
		chunks = append(chunks, seq[idx:end])
	}
	return chunks
}
