package stek

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSlot_RotateGeneratesFreshKeyAndKeepsPrevious(t *testing.T) {
	k0, err := GenerateKey()
	require.NoError(t, err)
	s := NewSlot(k0)

	assert.Equal(t, k0, s.Current())

	require.NoError(t, s.Rotate())
	assert.NotEqual(t, k0, s.Current())

	cands := s.DecryptCandidates()
	require.Len(t, cands, 2)
	assert.Equal(t, s.Current(), cands[0])
	assert.Equal(t, k0, cands[1], "previous key still accepted for in-flight tickets")
}

func TestSlot_SetIncomingThenRotate(t *testing.T) {
	k0, _ := GenerateKey()
	k1, _ := GenerateKey()
	s := NewSlot(k0)

	s.SetIncoming(k1)
	cands := s.DecryptCandidates()
	assert.Contains(t, cands, k1, "incoming accepted before rotation completes")

	require.NoError(t, s.Rotate())
	assert.Equal(t, k1, s.Current())
}
