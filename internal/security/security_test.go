package security

import (
	"bytes"
	"testing"
	"time"
)

func TestHashPasswordDeterministic(t *testing.T) {
	salt, err := NewSalt()
	if err != nil {
		t.Fatalf("NewSalt failed: %v", err)
	}

	a, err := HashPassword("Passw0rd", salt)
	if err != nil {
		t.Fatalf("HashPassword failed: %v", err)
	}
	b, err := HashPassword("Passw0rd", salt)
	if err != nil {
		t.Fatalf("HashPassword failed: %v", err)
	}

	if !bytes.Equal(a, b) {
		t.Error("same password and salt produced different digests")
	}
	if len(a) != DigestSize {
		t.Errorf("digest size = %d, want %d", len(a), DigestSize)
	}
}

func TestHashPasswordSaltSensitivity(t *testing.T) {
	s1, _ := NewSalt()
	s2, _ := NewSalt()
	if bytes.Equal(s1, s2) {
		t.Fatal("two salts are identical")
	}

	a, _ := HashPassword("Passw0rd", s1)
	b, _ := HashPassword("Passw0rd", s2)
	if bytes.Equal(a, b) {
		t.Error("different salts produced the same digest")
	}
}

func TestHashPasswordRejectsBadSalt(t *testing.T) {
	if _, err := HashPassword("x", []byte{1, 2, 3}); err == nil {
		t.Error("expected error for short salt")
	}
}

func TestSecureCompare(t *testing.T) {
	a := []byte("equal-value")
	b := []byte("equal-value")
	c := []byte("other-value")

	if !SecureCompare(a, b) {
		t.Error("equal slices compared unequal")
	}
	if SecureCompare(a, c) {
		t.Error("unequal slices compared equal")
	}
	if SecureCompare(a, a[:4]) {
		t.Error("different lengths compared equal")
	}
}

func TestWipe(t *testing.T) {
	data := []byte("sensitive")
	Wipe(data)
	for i, b := range data {
		if b != 0 {
			t.Fatalf("byte %d not wiped", i)
		}
	}
}

func TestRateLimiterBurst(t *testing.T) {
	r := NewRateLimiter(1.0, 3)

	for i := 0; i < 3; i++ {
		if !r.Allow() {
			t.Fatalf("burst request %d denied", i)
		}
	}
	if r.Allow() {
		t.Error("request beyond burst allowed")
	}
}

func TestRateLimiterBlock(t *testing.T) {
	r := NewRateLimiter(100.0, 10)
	r.Block(time.Hour)

	if r.Allow() {
		t.Error("blocked limiter allowed a request")
	}

	r.Reset()
	if !r.Allow() {
		t.Error("reset limiter denied a request")
	}
}
