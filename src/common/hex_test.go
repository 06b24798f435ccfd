package common

import (
	"bytes"
	"testing"
)

func TestHexRoundTrip(t *testing.T) {
	data := []byte{0x00, 0x01, 0xde, 0xad, 0xbe, 0xef}

	encoded := EncodeToString(data)

	decoded, err := DecodeFromString(encoded)
	if err != nil {
		t.Fatalf("err: %v", err)
	}

	if !bytes.Equal(data, decoded) {
		t.Fatalf("round trip lost data: %v != %v", data, decoded)
	}
}

func TestDecodeRejectsGarbage(t *testing.T) {
	for _, s := range []string{"zzzz", "0Xzz", "0X123"} {
		if _, err := DecodeFromString(s); err == nil {
			t.Fatalf("expected error decoding %q", s)
		}
	}
}

func TestHash32Stable(t *testing.T) {
	data := []byte("some data")

	h := Hash32(data)
	for i := 0; i < 10; i++ {
		if Hash32(data) != h {
			t.Fatalf("Hash32 is not deterministic")
		}
	}

	if Hash32([]byte("some data!")) == h {
		t.Fatalf("different inputs should hash differently")
	}
}
