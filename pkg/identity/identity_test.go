package identity

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestGenerateTLSKeypairShape(t *testing.T) {
	pemKey, nodeID, err := GenerateTLSKeypair()
	require.NoError(t, err)
	require.Contains(t, pemKey, "EC PRIVATE KEY")
	require.Len(t, nodeID, 40)
}

func TestNodeIDOfMatchesGenerated(t *testing.T) {
	pemKey, nodeID, err := GenerateTLSKeypair()
	require.NoError(t, err)

	again, err := NodeIDOf(pemKey)
	require.NoError(t, err)
	require.Equal(t, nodeID, again)
}

func TestNodeIDOfIsDeterministic(t *testing.T) {
	pemKey, _, err := GenerateTLSKeypair()
	require.NoError(t, err)

	first, err := NodeIDOf(pemKey)
	require.NoError(t, err)
	second, err := NodeIDOf(pemKey)
	require.NoError(t, err)

	require.Equal(t, first, second)
}

func TestNodeIDOfRejectsGarbage(t *testing.T) {
	_, err := NodeIDOf("not a pem")
	require.ErrorIs(t, err, ErrInvalidPEM)
}

func TestGenerateTLSKeypairIsLowercaseHex(t *testing.T) {
	_, nodeID, err := GenerateTLSKeypair()
	require.NoError(t, err)
	for _, r := range nodeID {
		require.True(t, (r >= '0' && r <= '9') || (r >= 'a' && r <= 'f'))
	}
}
