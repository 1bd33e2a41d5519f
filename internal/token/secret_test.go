// internal/token/secret_test.go
package token

import (
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewSecret(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		s, err := NewSecret()
		require.NoError(t, err)
		raw, err := base64.RawURLEncoding.DecodeString(s)
		require.NoError(t, err)
		assert.Len(t, raw, secretBytes)
		assert.False(t, seen[s])
		seen[s] = true
	}
}

func TestDigestIsStableHex(t *testing.T) {
	a := Digest("abc")
	assert.Equal(t, a, Digest("abc"))
	assert.NotEqual(t, a, Digest("abd"))
	assert.Len(t, a, 64)
}
