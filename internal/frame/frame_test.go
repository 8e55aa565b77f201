package frame

import (
	"bytes"
	"errors"
	"testing"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	payloads := [][]byte{
		[]byte(""),
		[]byte("hello"),
		bytes.Repeat([]byte("x"), 1<<20),
	}

	var got [][]byte
	dec := NewDecoder(2<<20, func(p []byte) error {
		cp := make([]byte, len(p))
		copy(cp, p)
		got = append(got, cp)
		return nil
	})

	for _, p := range payloads {
		encoded, err := Encode(p)
		if err != nil {
			t.Fatalf("Encode: %v", err)
		}
		if err := dec.Feed(encoded); err != nil {
			t.Fatalf("Feed: %v", err)
		}
	}

	if len(got) != len(payloads) {
		t.Fatalf("got %d payloads, want %d", len(got), len(payloads))
	}
	for i := range payloads {
		if !bytes.Equal(got[i], payloads[i]) {
			t.Errorf("payload %d mismatch: got %d bytes, want %d bytes", i, len(got[i]), len(payloads[i]))
		}
	}
}

func TestDecoderSplitAcrossArbitraryChunks(t *testing.T) {
	payloads := [][]byte{[]byte("first"), []byte("second"), []byte("third-and-longer")}

	var stream []byte
	for _, p := range payloads {
		enc, err := Encode(p)
		if err != nil {
			t.Fatalf("Encode: %v", err)
		}
		stream = append(stream, enc...)
	}

	chunkSizes := []int{1, 3, 0 /* remainder */}
	var got [][]byte
	dec := NewDecoder(0, func(p []byte) error {
		cp := make([]byte, len(p))
		copy(cp, p)
		got = append(got, cp)
		return nil
	})

	offset := 0
	for _, size := range chunkSizes {
		if size == 0 {
			size = len(stream) - offset
		}
		chunk := stream[offset : offset+size]
		offset += size
		if err := dec.Feed(chunk); err != nil {
			t.Fatalf("Feed: %v", err)
		}
	}

	if len(got) != len(payloads) {
		t.Fatalf("got %d payloads, want %d", len(got), len(payloads))
	}
	for i := range payloads {
		if !bytes.Equal(got[i], payloads[i]) {
			t.Errorf("payload %d: got %q, want %q", i, got[i], payloads[i])
		}
	}
}

func TestDecoderByteAtATime(t *testing.T) {
	payload := []byte("a somewhat longer payload to split one byte at a time")
	enc, err := Encode(payload)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	var got []byte
	count := 0
	dec := NewDecoder(0, func(p []byte) error {
		got = append([]byte{}, p...)
		count++
		return nil
	})

	for _, b := range enc {
		if err := dec.Feed([]byte{b}); err != nil {
			t.Fatalf("Feed: %v", err)
		}
	}

	if count != 1 {
		t.Fatalf("sink invoked %d times, want 1", count)
	}
	if !bytes.Equal(got, payload) {
		t.Errorf("got %q, want %q", got, payload)
	}
}

func TestDecoderFrameTooLarge(t *testing.T) {
	dec := NewDecoder(4, func(p []byte) error { return nil })

	enc, err := Encode([]byte("12345"))
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	err = dec.Feed(enc)
	var tooLarge *ErrFrameTooLarge
	if !errors.As(err, &tooLarge) {
		t.Fatalf("Feed error = %v, want *ErrFrameTooLarge", err)
	}
}

func TestEncodeEmptyPayload(t *testing.T) {
	enc, err := Encode(nil)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if len(enc) != HeaderSize {
		t.Fatalf("encoded length = %d, want %d", len(enc), HeaderSize)
	}
}
