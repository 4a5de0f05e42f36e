package rsacipher

import (
	"bytes"
	"testing"

	"github.com/onionmesh/onionmesh/distrimerr"
)

func testKeyPair(t *testing.T) *KeyPair {
	t.Helper()
	kp, err := Generate(1024)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	return kp
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	kp := testKeyPair(t)
	msg := bytes.Repeat([]byte("onionmesh payload "), 20)

	cryptic, err := kp.Encrypt(msg)
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	plain, err := kp.Decrypt(cryptic)
	if err != nil {
		t.Fatalf("Decrypt: %v", err)
	}
	if !bytes.Equal(plain, msg) {
		t.Fatalf("round trip mismatch: got %q want %q", plain, msg)
	}
}

func TestDecryptWithoutPrivateKeyFails(t *testing.T) {
	kp := testKeyPair(t)
	der, err := kp.PublicDER()
	if err != nil {
		t.Fatalf("PublicDER: %v", err)
	}
	pubOnly, err := FromPublicDER(der)
	if err != nil {
		t.Fatalf("FromPublicDER: %v", err)
	}

	cryptic, err := pubOnly.Encrypt([]byte("secret"))
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	if _, err := pubOnly.Decrypt(cryptic); !distrimerr.Is(err, distrimerr.Cipher) {
		t.Fatalf("expected Cipher error, got %v", err)
	}
}

func TestExportRequiresPrivateKey(t *testing.T) {
	kp := testKeyPair(t)
	der, err := kp.PublicDER()
	if err != nil {
		t.Fatalf("PublicDER: %v", err)
	}
	pubOnly, err := FromPublicDER(der)
	if err != nil {
		t.Fatalf("FromPublicDER: %v", err)
	}

	if _, _, err := pubOnly.Export(false, WhichPrivate); !distrimerr.Is(err, distrimerr.Cipher) {
		t.Fatalf("expected Cipher error, got %v", err)
	}
}

func TestExportPEMRoundTrip(t *testing.T) {
	kp := testKeyPair(t)
	pub, priv, err := kp.Export(true, WhichBoth)
	if err != nil {
		t.Fatalf("Export: %v", err)
	}
	if !bytes.Contains(pub, []byte("PUBLIC KEY")) {
		t.Fatalf("expected PEM public key header, got %q", pub)
	}
	if !bytes.Contains(priv, []byte("RSA PRIVATE KEY")) {
		t.Fatalf("expected PEM private key header, got %q", priv)
	}

	reimported, err := FromPrivateDER(func() []byte {
		_, der, err := kp.Export(false, WhichPrivate)
		if err != nil {
			t.Fatalf("Export DER: %v", err)
		}
		return der
	}())
	if err != nil {
		t.Fatalf("FromPrivateDER: %v", err)
	}
	if !reimported.HasPrivate {
		t.Fatal("expected reimported key to carry a private half")
	}
}

// TestEncryptDecryptRoundTripLargeInput exercises Encrypt/Decrypt over an
// input spanning many chunks (past 64 KiB), not just a single block.
func TestEncryptDecryptRoundTripLargeInput(t *testing.T) {
	kp := testKeyPair(t)
	msg := bytes.Repeat([]byte("the quick brown fox jumps over the lazy dog; "), 1500) // 67,500 bytes, ~66 KiB
	if len(msg) <= 64*1024 {
		t.Fatalf("test fixture too small: %d bytes", len(msg))
	}

	chunkSize := kp.pub.Size() - pkcs1Overhead
	wantChunks := (len(msg) + chunkSize - 1) / chunkSize
	if wantChunks < 10 {
		t.Fatalf("fixture only spans %d chunks, want a lot more", wantChunks)
	}

	cryptic, err := kp.Encrypt(msg)
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	if len(cryptic) != wantChunks*kp.pub.Size() {
		t.Fatalf("ciphertext length %d, want %d (%d chunks of %d)", len(cryptic), wantChunks*kp.pub.Size(), wantChunks, kp.pub.Size())
	}

	plain, err := kp.Decrypt(cryptic)
	if err != nil {
		t.Fatalf("Decrypt: %v", err)
	}
	if !bytes.Equal(plain, msg) {
		t.Fatalf("large round trip mismatch: got %d bytes, want %d", len(plain), len(msg))
	}
}

func TestSplitChunks(t *testing.T) {
	chunks := SplitChunks([]byte("abcdefghij"), 3)
	want := []string{"abc", "def", "ghi", "j"}
	if len(chunks) != len(want) {
		t.Fatalf("got %d chunks, want %d", len(chunks), len(want))
	}
	for i, c := range chunks {
		if string(c) != want[i] {
			t.Fatalf("chunk %d: got %q want %q", i, c, want[i])
		}
	}
}
