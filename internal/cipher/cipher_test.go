package cipher

import "testing"

func TestRoundTrip(t *testing.T) {
	c, err := NewRandom()
	if err != nil {
		t.Fatalf("NewRandom: %v", err)
	}
	msg := []byte("the quick brown fox")
	ct, err := c.Encrypt(msg)
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	pt, err := c.Decrypt(ct)
	if err != nil {
		t.Fatalf("Decrypt: %v", err)
	}
	if string(pt) != string(msg) {
		t.Fatalf("got %q want %q", pt, msg)
	}
}

func TestEncryptIsRandomized(t *testing.T) {
	c, err := NewRandom()
	if err != nil {
		t.Fatalf("NewRandom: %v", err)
	}
	msg := []byte("same message twice")
	a, _ := c.Encrypt(msg)
	b, _ := c.Encrypt(msg)
	if string(a) == string(b) {
		t.Fatalf("two encryptions of the same message produced identical output")
	}
}

func TestLengthDiscipline(t *testing.T) {
	c, err := NewRandom()
	if err != nil {
		t.Fatalf("NewRandom: %v", err)
	}
	for _, n := range []int{0, 1, 160, 1275} {
		msg := make([]byte, n)
		ct, err := c.Encrypt(msg)
		if err != nil {
			t.Fatalf("Encrypt len %d: %v", n, err)
		}
		want := 12 + n + 16
		if len(ct) != want {
			t.Fatalf("len(msg)=%d: got ciphertext len %d want %d", n, len(ct), want)
		}
	}
}

func TestDecryptAuthFailure(t *testing.T) {
	c, err := NewRandom()
	if err != nil {
		t.Fatalf("NewRandom: %v", err)
	}
	ct, _ := c.Encrypt([]byte("tamper me"))
	ct[len(ct)-1] ^= 0xFF
	if _, err := c.Decrypt(ct); err == nil {
		t.Fatalf("expected auth failure on tampered ciphertext")
	}
}

func TestDecryptShortInput(t *testing.T) {
	c, err := NewRandom()
	if err != nil {
		t.Fatalf("NewRandom: %v", err)
	}
	if _, err := c.Decrypt(make([]byte, 27)); err == nil {
		t.Fatalf("expected error for input shorter than 28 bytes")
	}
}

func TestNewFromExistingKey(t *testing.T) {
	a, err := NewRandom()
	if err != nil {
		t.Fatalf("NewRandom: %v", err)
	}
	b, err := New(a.KeyB64())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ct, err := a.Encrypt([]byte("shared key"))
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	pt, err := b.Decrypt(ct)
	if err != nil {
		t.Fatalf("Decrypt with reconstructed cipher: %v", err)
	}
	if string(pt) != "shared key" {
		t.Fatalf("got %q", pt)
	}
}

func TestNewRejectsWrongKeyLength(t *testing.T) {
	if _, err := New("YWJj"); err == nil {
		t.Fatalf("expected error for short key")
	}
}
