package snapshot

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestPushThenPeekReturnsPatchInOrder(t *testing.T) {
	e := NewEngine()
	e.InitializeUser("user-1")

	require.NoError(t, e.PushPatch("user-1", map[string]interface{}{"balance": 150.0}))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	patches, err := e.Peek(ctx, "user-1")
	require.NoError(t, err)
	require.Len(t, patches, 1)
	require.Equal(t, 150.0, patches[0]["balance"])
}

func TestPeekCancelsWithoutLosingPendingPatch(t *testing.T) {
	e := NewEngine()
	e.InitializeUser("user-1")

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := e.Peek(ctx, "user-1")
	require.ErrorIs(t, err, context.DeadlineExceeded)

	require.NoError(t, e.PushPatch("user-1", map[string]interface{}{"balance": 42.0}))

	ctx2, cancel2 := context.WithTimeout(context.Background(), time.Second)
	defer cancel2()
	patches, err := e.Peek(ctx2, "user-1")
	require.NoError(t, err)
	require.Len(t, patches, 1)
	require.Equal(t, 42.0, patches[0]["balance"])
}

// TestMultiplePushesBeforePeekReturnAllInOrder exercises scenario S4: two
// patches pushed before any peek are delivered together, in push order,
// and applying them in that order (the consumer's job, not the engine's)
// yields the expected merged document.
func TestMultiplePushesBeforePeekReturnAllInOrder(t *testing.T) {
	e := NewEngine()
	e.InitializeUser("user-1")

	require.NoError(t, e.PushPatch("user-1", map[string]interface{}{"balance": 1000.0}))
	require.NoError(t, e.PushPatch("user-1", map[string]interface{}{"balance": 1500.0, "frozen": nil}))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	patches, err := e.Peek(ctx, "user-1")
	require.NoError(t, err)
	require.Len(t, patches, 2)
	require.Equal(t, 1000.0, patches[0]["balance"])
	require.Equal(t, 1500.0, patches[1]["balance"])

	doc := map[string]interface{}{"balance": 0.0, "frozen": 100.0}
	for _, p := range patches {
		doc = MergePatch(doc, p)
	}
	require.Equal(t, map[string]interface{}{"balance": 1500.0}, doc)
}

func TestPushPatchUnknownUserReturnsError(t *testing.T) {
	e := NewEngine()
	err := e.PushPatch("ghost", map[string]interface{}{"x": 1.0})
	require.ErrorIs(t, err, ErrUnknownUser)
}

func TestSecondPeekBlocksUntilNewPatch(t *testing.T) {
	e := NewEngine()
	e.InitializeUser("user-1")
	require.NoError(t, e.PushPatch("user-1", map[string]interface{}{"a": 1.0}))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	first, err := e.Peek(ctx, "user-1")
	require.NoError(t, err)
	require.Len(t, first, 1)

	ctx2, cancel2 := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel2()
	_, err = e.Peek(ctx2, "user-1")
	require.ErrorIs(t, err, context.DeadlineExceeded)
}
