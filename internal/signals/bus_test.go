package signals

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func receive(t *testing.T, ch <-chan Signal) Signal {
	t.Helper()
	select {
	case sig, ok := <-ch:
		require.True(t, ok, "channel closed")
		return sig
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for signal")
	}
	return Signal{}
}

func TestSubscribersAreScopedByMessageID(t *testing.T) {
	bus := NewBus(Options{Logger: zap.NewNop()})
	defer bus.Close()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m1, stop1, err := bus.Subscribe(ctx, "m1")
	require.NoError(t, err)
	defer stop1()
	m2, stop2, err := bus.Subscribe(ctx, "m2")
	require.NoError(t, err)
	defer stop2()

	require.NoError(t, bus.Started(ctx, "m1", "S1"))
	require.NoError(t, bus.Completed(ctx, "m1", "S1"))

	first := receive(t, m1)
	assert.Equal(t, StreamingStarted, first.Kind)
	assert.Equal(t, "S1", first.SessionID)
	assert.NotEmpty(t, first.ID)
	assert.False(t, first.Timestamp.IsZero())
	assert.Equal(t, StreamingCompleted, receive(t, m1).Kind)

	select {
	case sig := <-m2:
		t.Fatalf("m2 subscriber received foreign signal %+v", sig)
	default:
	}
}

func TestContextCancelClosesSubscription(t *testing.T) {
	bus := NewBus(Options{Logger: zap.NewNop()})
	ctx, cancel := context.WithCancel(context.Background())

	ch, stop, err := bus.Subscribe(ctx, "m1")
	require.NoError(t, err)
	cancel()

	select {
	case _, ok := <-ch:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatalf("subscription not closed")
	}
	stop()

	require.NoError(t, bus.Started(context.Background(), "m1", "S1"))
}

func TestPublishRequiresMessageID(t *testing.T) {
	bus := NewBus(Options{Logger: zap.NewNop()})
	assert.Error(t, bus.Publish(context.Background(), Signal{Kind: StreamingStarted}))
	_, _, err := bus.Subscribe(context.Background(), "")
	assert.Error(t, err)
}
