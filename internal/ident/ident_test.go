package ident

import (
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestNewIsOrderedWithinProcess(t *testing.T) {
	ids := make([]string, 100)
	for i := range ids {
		ids[i] = New(PrefixNote)
	}
	require.True(t, sort.StringsAreSorted(ids))
}

func TestValid(t *testing.T) {
	id := New(PrefixVersion)
	require.True(t, Valid(PrefixVersion, id))
	require.False(t, Valid(PrefixNote, id))
	require.False(t, Valid(PrefixVersion, "ver_not-a-ulid"))
	require.False(t, Valid(PrefixVersion, ""))
}

func TestRequire(t *testing.T) {
	require.NoError(t, Require(PrefixSession, New(PrefixSession)))
	require.Error(t, Require(PrefixSession, "bogus"))
}

func TestTimeRoundTrip(t *testing.T) {
	before := time.Now().UTC().Truncate(time.Millisecond)
	id := New(PrefixSnapshot)
	got := Time(PrefixSnapshot, id)
	require.False(t, got.Before(before))
	require.WithinDuration(t, time.Now().UTC(), got, time.Second)

	require.True(t, Time(PrefixSnapshot, "junk").IsZero())
}
