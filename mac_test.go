package encfs

import (
	"bytes"
	"testing"
)

func TestMac64(t *testing.T) {
	cr := newTestCryptor(t)
	data := []byte("some bytes to authenticate")

	m1 := cr.mac64(data, nil)
	m2 := cr.mac64(data, nil)
	if len(m1) != 8 {
		t.Fatalf("mac64 length = %d, want 8", len(m1))
	}
	if !bytes.Equal(m1, m2) {
		t.Error("mac64 is not deterministic")
	}

	if other := cr.mac64([]byte("some bytes to authenticatf"), nil); bytes.Equal(m1, other) {
		t.Error("mac64 did not change with input")
	}

	// An empty chain slice means "don't chain".
	if got := cr.mac64(data, []byte{}); !bytes.Equal(got, m1) {
		t.Error("empty chain changed the MAC")
	}
}

func TestMac64ChainedSideEffect(t *testing.T) {
	cr := newTestCryptor(t)
	data := []byte("component")

	chain := []byte{1, 2, 3, 4, 5, 6, 7, 8}
	m := cr.mac64(data, chain)

	// The chain advances to the MAC value.
	if !bytes.Equal(chain, m) {
		t.Errorf("chain = %x, want %x", chain, m)
	}

	// A chained MAC differs from an unchained one, and from a MAC under
	// another chain.
	unchained := cr.mac64(data, nil)
	if bytes.Equal(m, unchained) {
		t.Error("chained and unchained MACs are equal")
	}
	otherChain := []byte{8, 7, 6, 5, 4, 3, 2, 1}
	if other := cr.mac64(data, otherChain); bytes.Equal(m, other) {
		t.Error("distinct chains produced equal MACs")
	}
}

func TestMacFolds(t *testing.T) {
	cr := newTestCryptor(t)
	data := []byte("fold me")

	m64 := cr.mac64(data, nil)
	m32 := cr.mac32(data, nil)
	m16 := cr.mac16(data, nil)

	if len(m32) != 4 || len(m16) != 2 {
		t.Fatalf("fold lengths = %d, %d; want 4, 2", len(m32), len(m16))
	}

	want32 := make([]byte, 4)
	for i := 0; i < 8; i++ {
		want32[i%4] ^= m64[i]
	}
	if !bytes.Equal(m32, want32) {
		t.Errorf("mac32 = %x, want XOR-fold %x", m32, want32)
	}

	want16 := make([]byte, 2)
	for i := 0; i < 4; i++ {
		want16[i%2] ^= want32[i]
	}
	if !bytes.Equal(m16, want16) {
		t.Errorf("mac16 = %x, want XOR-fold %x", m16, want16)
	}
}

func TestMacKeySensitivity(t *testing.T) {
	cr1 := newTestCryptor(t)

	key := make([]byte, 24)
	key[0] = 0xFF
	cr2, err := newCryptor(key, make([]byte, 16))
	if err != nil {
		t.Fatalf("newCryptor failed: %v", err)
	}

	data := []byte("same data, different keys")
	if bytes.Equal(cr1.mac64(data, nil), cr2.mac64(data, nil)) {
		t.Error("different keys produced equal MACs")
	}
}
