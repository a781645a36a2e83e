package streamzip

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestErrorIsMatchesByKindOnly(t *testing.T) {
	wrapped := fmt.Errorf("reading record: %w", newErrorEntry(KindCrcMismatch, "EntryStreamReader.Read", "a.txt", nil))
	require.True(t, errors.Is(wrapped, ErrCrcMismatch), "errors.Is should match on Kind regardless of Op/Entry")
	require.False(t, errors.Is(wrapped, ErrMalformed), "errors.Is matched the wrong Kind")
}

func TestErrorUnwrapReachesCause(t *testing.T) {
	cause := errors.New("short read")
	err := newError(KindBackendError, "ByteSource.ReadAt", cause)
	require.True(t, errors.Is(err, cause), "errors.Is should see through Unwrap to the original cause")
}

func TestErrorStringIncludesContext(t *testing.T) {
	err := newErrorEntry(KindCrcMismatch, "EntryStreamReader.Read", "a.txt", nil)
	msg := err.Error()
	require.Contains(t, msg, "a.txt")
	require.Contains(t, msg, "crc mismatch")
}
