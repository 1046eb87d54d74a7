package session

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCurrentPointer(t *testing.T) {
	s := New()

	_, ok := s.Current()
	assert.False(t, ok)

	s.SetCurrent(42)
	id, ok := s.Current()
	require.True(t, ok)
	assert.Equal(t, int64(42), id)

	s.ClearCurrent()
	_, ok = s.Current()
	assert.False(t, ok)
}

func TestBeginTurnIsExclusive(t *testing.T) {
	s := New()

	token, err := s.BeginTurn()
	require.NoError(t, err)
	require.NotNil(t, token)
	assert.True(t, s.Busy())

	_, err = s.BeginTurn()
	assert.ErrorIs(t, err, ErrTurnActive)

	s.EndTurn()
	assert.False(t, s.Busy())

	_, err = s.BeginTurn()
	assert.NoError(t, err)
}

func TestCancelActive(t *testing.T) {
	s := New()

	// Nothing in flight, nothing to cancel.
	assert.False(t, s.CancelActive())

	token, err := s.BeginTurn()
	require.NoError(t, err)
	assert.False(t, token.Cancelled())

	assert.True(t, s.CancelActive())
	assert.True(t, token.Cancelled())

	// The flag belongs to the turn; a fresh turn starts clean.
	s.EndTurn()
	next, err := s.BeginTurn()
	require.NoError(t, err)
	assert.False(t, next.Cancelled())
}
