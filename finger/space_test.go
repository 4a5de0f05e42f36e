package finger

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"testing"

	"github.com/onionmesh/onionmesh/distrimerr"
	"github.com/onionmesh/onionmesh/randutil"
)

func testFinger(t *testing.T, addr string, port int) Finger {
	t.Helper()
	priv, err := rsa.GenerateKey(rand.Reader, 1024)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	der, err := x509.MarshalPKIXPublicKey(&priv.PublicKey)
	if err != nil {
		t.Fatalf("MarshalPKIXPublicKey: %v", err)
	}
	f, err := New(addr, port, der, "")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return f
}

func TestPutGetRemove(t *testing.T) {
	self := testFinger(t, "127.0.0.1", 1)
	s := NewSpace(self)

	f := testFinger(t, "127.0.0.1", 2000)
	if err := s.Put(f); err != nil {
		t.Fatalf("Put: %v", err)
	}
	got, ok := s.Get(f.Ident)
	if !ok || !equalFields(got.Fields, f.Fields) {
		t.Fatalf("Get after Put: ok=%v got=%+v want=%+v", ok, got.Fields, f.Fields)
	}

	s.Remove(f.Ident)
	if _, ok := s.Get(f.Ident); ok {
		t.Fatal("expected Get after Remove to miss")
	}
}

func TestSelfInsertRejected(t *testing.T) {
	self := testFinger(t, "127.0.0.1", 1)
	s := NewSpace(self)

	if err := s.Put(self); err != nil {
		t.Fatalf("Put(self) should not error, got %v", err)
	}
	if s.Len() != 0 {
		t.Fatalf("expected size unchanged after self-insert, got %d", s.Len())
	}
}

func TestDuplicateIdentDifferentFieldsRejected(t *testing.T) {
	self := testFinger(t, "127.0.0.1", 1)
	s := NewSpace(self)

	a := testFinger(t, "127.0.0.1", 2000)
	if err := s.Put(a); err != nil {
		t.Fatalf("Put(a): %v", err)
	}

	// Force a collision by re-using a's ident on a different Finger.
	b := a
	b.Fields.Addr = "127.0.0.2"

	if err := s.Put(b); !distrimerr.Is(err, distrimerr.FingerSpaceErr) {
		t.Fatalf("expected FingerSpaceErr on ident collision, got %v", err)
	}
	if s.Len() != 1 {
		t.Fatalf("expected size unchanged after rejected put, got %d", s.Len())
	}
}

func TestAddedRemovedCounters(t *testing.T) {
	self := testFinger(t, "127.0.0.1", 1)
	s := NewSpace(self)

	a := testFinger(t, "127.0.0.1", 2000)
	b := testFinger(t, "127.0.0.1", 2001)
	_ = s.Put(a)
	_ = s.Put(b)
	s.Remove(a.Ident)

	if s.Added() != 2 {
		t.Fatalf("expected Added()==2, got %d", s.Added())
	}
	if s.Removed() != 1 {
		t.Fatalf("expected Removed()==1, got %d", s.Removed())
	}
}

func TestGetRandomEmptyFails(t *testing.T) {
	self := testFinger(t, "127.0.0.1", 1)
	s := NewSpace(self)
	r := randutil.NewSeeded(1)

	if _, err := s.GetRandom(1, r); !distrimerr.Is(err, distrimerr.FingerSpaceErr) {
		t.Fatalf("expected FingerSpaceErr, got %v", err)
	}
}

func TestGetRandomInvalidN(t *testing.T) {
	self := testFinger(t, "127.0.0.1", 1)
	s := NewSpace(self)
	r := randutil.NewSeeded(1)

	if _, err := s.GetRandom(0, r); !distrimerr.Is(err, distrimerr.FingerSpaceErr) {
		t.Fatalf("expected FingerSpaceErr for n=0, got %v", err)
	}
}

func TestGetRandomClampsToSize(t *testing.T) {
	self := testFinger(t, "127.0.0.1", 1)
	s := NewSpace(self)
	r := randutil.NewSeeded(1)

	a := testFinger(t, "127.0.0.1", 2000)
	b := testFinger(t, "127.0.0.1", 2001)
	_ = s.Put(a)
	_ = s.Put(b)

	got, err := s.GetRandom(5, r)
	if err != nil {
		t.Fatalf("GetRandom: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected clamp to 2, got %d", len(got))
	}
}

func TestGetRandomDistinct(t *testing.T) {
	self := testFinger(t, "127.0.0.1", 1)
	s := NewSpace(self)
	r := randutil.NewSeeded(42)

	for i := 0; i < 10; i++ {
		_ = s.Put(testFinger(t, "127.0.0.1", 2000+i))
	}

	got, err := s.GetRandom(4, r)
	if err != nil {
		t.Fatalf("GetRandom: %v", err)
	}
	seen := make(map[string]bool)
	for _, f := range got {
		if seen[f.Ident] {
			t.Fatalf("GetRandom returned duplicate ident %q", f.Ident)
		}
		seen[f.Ident] = true
	}
}

func TestExportImport(t *testing.T) {
	self := testFinger(t, "127.0.0.1", 1)
	src := NewSpace(self)
	a := testFinger(t, "127.0.0.1", 2000)
	b := testFinger(t, "127.0.0.1", 2001)
	_ = src.Put(a)
	_ = src.Put(b)

	dstSelf := testFinger(t, "127.0.0.1", 2)
	dst := NewSpace(dstSelf)
	dst.Import(src.Export())

	if dst.Len() != 2 {
		t.Fatalf("expected 2 imported fingers, got %d", dst.Len())
	}
}

func TestImportSkipsSelf(t *testing.T) {
	self := testFinger(t, "127.0.0.1", 1)
	s := NewSpace(self)
	s.Import([]Finger{self})
	if s.Len() != 0 {
		t.Fatalf("expected self to be skipped on import, got size %d", s.Len())
	}
}
