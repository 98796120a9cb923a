package session

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parley-dev/parley/runtime/errs"
	"github.com/parley-dev/parley/runtime/telemetry"
)

func newTestSession() *Session {
	var buf bytes.Buffer
	log := telemetry.New(telemetry.Options{Writer: &buf, Level: telemetry.LevelDebug})
	return New("conn-1", TransportStdio, log)
}

func TestHappyPathLifecycle(t *testing.T) {
	s := newTestSession()
	assert.Equal(t, Starting, s.State())

	require.NoError(t, s.Initialize())
	assert.Equal(t, Initializing, s.State())

	require.NoError(t, s.Initialized())
	assert.Equal(t, Running, s.State())
	require.NoError(t, s.RequireRunning())

	s.Close()
	assert.Equal(t, Closed, s.State())
}

func TestOutOfOrderTransitionsFail(t *testing.T) {
	s := newTestSession()

	// initialized before initialize
	err := s.Initialized()
	require.Error(t, err)
	assert.Equal(t, errs.NotInitialized, errs.CodeOf(err))

	// double initialize
	require.NoError(t, s.Initialize())
	err = s.Initialize()
	require.Error(t, err)
	assert.Equal(t, errs.NotInitialized, errs.CodeOf(err))
}

func TestRequireRunningBeforeInit(t *testing.T) {
	s := newTestSession()
	err := s.RequireRunning()
	require.Error(t, err)
	assert.Equal(t, errs.NotInitialized, errs.CodeOf(err))
}

func TestCloseIsIdempotentAndTerminal(t *testing.T) {
	s := newTestSession()
	s.Close()
	s.Close()
	assert.Equal(t, Closed, s.State())

	// No transitions escape Closed.
	require.Error(t, s.Initialize())
	require.Error(t, s.Initialized())
	require.Error(t, s.RequireRunning())
}

func TestCloseFromEveryState(t *testing.T) {
	for _, prep := range []func(*Session){
		func(*Session) {},
		func(s *Session) { _ = s.Initialize() },
		func(s *Session) { _ = s.Initialize(); _ = s.Initialized() },
	} {
		s := newTestSession()
		prep(s)
		s.Close()
		assert.Equal(t, Closed, s.State())
	}
}

func TestCanTransitionTable(t *testing.T) {
	cases := []struct {
		from, to State
		want     bool
	}{
		{Starting, Initializing, true},
		{Initializing, Running, true},
		{Starting, Running, false},
		{Initializing, Initializing, false},
		{Running, Initializing, false},
		{Closed, Running, false},
		{Starting, Closed, true},
		{Running, Closed, true},
		{Closed, Closed, true},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, CanTransition(tc.from, tc.to), "%s -> %s", tc.from, tc.to)
	}
}
