// Package config holds the tunable CFG_* values from the protocol design.
// Command-line argument parsing is external glue (see spec.md §1); this
// package only defines the defaults and the struct shape a caller fills in.
package config

import "time"

// Config collects every CFG_* value recognized by the protocol engine.
type Config struct {
	// ListeningPort is the local TCP port the node binds to.
	ListeningPort int
	// ListeningQueue is the capacity of the connection manager's queue of
	// accepted connections waiting for a worker. It does not set the
	// listening socket's backlog.
	ListeningQueue int
	// ThreadPoolLength is the number of worker goroutines in the
	// connection manager's pool.
	ThreadPoolLength int
	// KeyLength is the RSA modulus size in bits.
	KeyLength int
	// PathLength is the number of relays a message is routed through.
	PathLength int
	// CryptChunkSize is the RSA ciphertext block size, in bytes, for the
	// default key length. rsacipher does not read it: it derives its chunk
	// sizes from the key itself (key size in bytes for ciphertext, key size
	// minus the PKCS#1 v1.5 overhead for plaintext).
	CryptChunkSize int
	// SaltLenMin and SaltLenMax bound the random padding length appended
	// to every outgoing envelope.
	SaltLenMin int
	SaltLenMax int
	// Timeout bounds every blocking socket operation.
	Timeout time.Duration
	// StatusAddr, if non-empty, is the listen address for the optional
	// debug/status HTTP surface. Empty disables it.
	StatusAddr string
	// RandSeed, if non-zero, seeds randutil deterministically (tests and
	// reproducible debugging runs). Zero means seed from crypto/rand.
	RandSeed int64
}

// Default returns the configuration the protocol design specifies as
// defaults.
func Default() Config {
	return Config{
		ListeningPort:    2000,
		ListeningQueue:   8,
		ThreadPoolLength: 8,
		KeyLength:        1024,
		PathLength:       3,
		CryptChunkSize:   128,
		SaltLenMin:       64,
		SaltLenMax:       512,
		Timeout:          15 * time.Second,
		StatusAddr:       "",
		RandSeed:         0,
	}
}
