package streamzip

import (
	"bytes"
	"testing"
)

func drainProcessor(t *testing.T, proc DataProcessor, input []byte, chunkSize int) []byte {
	t.Helper()
	var out []byte
	for len(input) > 0 {
		n := chunkSize
		if n > len(input) {
			n = len(input)
		}
		if err := proc.Push(input[:n]); err != nil {
			t.Fatalf("Push: %v", err)
		}
		input = input[n:]

		data, done, err := proc.Pull()
		if err != nil {
			t.Fatalf("Pull: %v", err)
		}
		out = append(out, data...)
		if done {
			t.Fatalf("Pull reported done before Finish")
		}
	}
	if err := proc.Finish(); err != nil {
		t.Fatalf("Finish: %v", err)
	}
	for {
		data, done, err := proc.Pull()
		if err != nil {
			t.Fatalf("Pull after Finish: %v", err)
		}
		out = append(out, data...)
		if done {
			return out
		}
		if len(data) == 0 {
			t.Fatalf("Pull returned empty, non-done output forever after Finish")
		}
	}
}

func TestStoreProcessorRoundTrip(t *testing.T) {
	payload := []byte("the quick brown fox jumps over the lazy dog")

	compressed := drainProcessor(t, newStoreProcessor(), payload, 7)
	if !bytes.Equal(compressed, payload) {
		t.Fatalf("store should be identity: got %q want %q", compressed, payload)
	}

	decompressed := drainProcessor(t, newStoreProcessor(), compressed, 5)
	if !bytes.Equal(decompressed, payload) {
		t.Fatalf("round trip mismatch: got %q want %q", decompressed, payload)
	}
}

func TestDeflateRoundTrip(t *testing.T) {
	payload := bytes.Repeat([]byte("hello streamzip world! "), 500)

	compressed := drainProcessor(t, newDeflateProcessor(), payload, 4096)
	if len(compressed) == 0 {
		t.Fatalf("expected non-empty compressed output")
	}
	if len(compressed) >= len(payload) {
		t.Fatalf("expected deflate to shrink a repetitive payload: %d >= %d", len(compressed), len(payload))
	}

	decompressed := drainProcessor(t, newInflateProcessor(), compressed, 173)
	if !bytes.Equal(decompressed, payload) {
		t.Fatalf("round trip mismatch: got %d bytes, want %d bytes", len(decompressed), len(payload))
	}
}

func TestCompressionRegistryUnsupportedMethod(t *testing.T) {
	reg := NewCompressionRegistry()
	if _, err := reg.Decompressor(99); err == nil {
		t.Fatalf("expected error for unregistered method")
	} else if kind := err.(*Error).Kind; kind != KindUnsupportedMethod {
		t.Fatalf("got kind %v, want KindUnsupportedMethod", kind)
	}
}

func TestCompressionRegistryCustomMethod(t *testing.T) {
	reg := NewCompressionRegistry()
	reg.RegisterDecompressor(99, func() DataProcessor { return newStoreProcessor() })
	reg.RegisterCompressor(99, func() DataProcessor { return newStoreProcessor() })

	proc, err := reg.Decompressor(99)
	if err != nil {
		t.Fatalf("Decompressor: %v", err)
	}
	out := drainProcessor(t, proc, []byte("custom"), 3)
	if string(out) != "custom" {
		t.Fatalf("got %q, want %q", out, "custom")
	}
}

// Inflate's empty-but-not-done contract (§4.3) is load bearing: a caller
// must be able to distinguish "give me more input" from end-of-stream.
func TestInflateEmptyIsNotEOF(t *testing.T) {
	payload := bytes.Repeat([]byte("abc"), 2000)
	compressed := drainProcessor(t, newDeflateProcessor(), payload, len(payload))

	proc := newInflateProcessor()
	// Push only the first byte: far too little for a single output chunk to
	// have been produced yet.
	if err := proc.Push(compressed[:1]); err != nil {
		t.Fatalf("Push: %v", err)
	}
	data, done, err := proc.Pull()
	if err != nil {
		t.Fatalf("Pull: %v", err)
	}
	if done {
		t.Fatalf("processor reported done after a single byte of input")
	}
	if len(data) != 0 {
		t.Fatalf("expected no output yet, got %d bytes", len(data))
	}
}
