package pairing

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBothSidesDeriveSameSecret(t *testing.T) {
	alice, err := NewKeyPair()
	require.NoError(t, err)
	bob, err := NewKeyPair()
	require.NoError(t, err)

	fromAlice, err := alice.SharedSecret(bob.Public)
	require.NoError(t, err)
	fromBob, err := bob.SharedSecret(alice.Public)
	require.NoError(t, err)

	assert.Equal(t, fromAlice, fromBob)
	assert.Len(t, fromAlice, KeySize)
}

func TestDifferentPairsDifferentSecrets(t *testing.T) {
	alice, err := NewKeyPair()
	require.NoError(t, err)
	bob, err := NewKeyPair()
	require.NoError(t, err)
	carol, err := NewKeyPair()
	require.NoError(t, err)

	withBob, err := alice.SharedSecret(bob.Public)
	require.NoError(t, err)
	withCarol, err := alice.SharedSecret(carol.Public)
	require.NoError(t, err)

	assert.NotEqual(t, withBob, withCarol)
}

func TestKeyPairsAreUnique(t *testing.T) {
	a, err := NewKeyPair()
	require.NoError(t, err)
	b, err := NewKeyPair()
	require.NoError(t, err)

	assert.NotEqual(t, a.Public, b.Public)
}
