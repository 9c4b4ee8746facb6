package sha256

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHasher_Hash(t *testing.T) {
	t.Parallel()

	h := New()
	digest, err := h.Hash([]byte("<html></html>"))
	require.NoError(t, err)
	require.Len(t, digest, 64)

	// Same input, same digest.
	again, err := h.Hash([]byte("<html></html>"))
	require.NoError(t, err)
	require.Equal(t, digest, again)

	other, err := h.Hash([]byte("<html>x</html>"))
	require.NoError(t, err)
	require.NotEqual(t, digest, other)
}
