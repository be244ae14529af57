package compression

import (
	"bytes"
	"errors"
	"testing"
)

func TestRoundTrip(t *testing.T) {
	c, err := New()
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer c.Close()

	data := bytes.Repeat([]byte("entry payload "), 500)
	packed := c.Compress(data)
	if len(packed) >= len(data) {
		t.Fatalf("repetitive data did not shrink: %d >= %d", len(packed), len(data))
	}
	got, err := c.Decompress(packed)
	if err != nil {
		t.Fatalf("decompress: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Fatalf("round trip changed the payload")
	}
}

func TestCorruptInput(t *testing.T) {
	c, err := New()
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer c.Close()

	if _, err := c.Decompress([]byte("definitely not zstd")); !errors.Is(err, ErrCorrupt) {
		t.Fatalf("expected ErrCorrupt, got %v", err)
	}
}
