package bus

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func startBus(t *testing.T) (*Bus[string, int], context.Context) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	b := NewBus[string, int](zap.NewNop())
	require.NoError(t, b.Start(ctx))
	<-b.Ready()
	return b, ctx
}

func TestBusKeyed(t *testing.T) {
	b, ctx := startBus(t)

	sub := b.Subscribe(ctx, "a")
	other := b.Subscribe(ctx, "b")

	go b.Publish(ctx, "a", 42)

	msg := <-sub
	assert.Equal(t, "a", msg.Key)
	assert.Equal(t, 42, msg.Message)

	select {
	case m := <-other:
		t.Fatalf("unexpected message on other key: %v", m)
	case <-time.After(20 * time.Millisecond):
	}
}

func TestBusGlobal(t *testing.T) {
	b, ctx := startBus(t)

	all := b.Subscribe(ctx)
	go b.Publish(ctx, "x", 7)

	msg := <-all
	assert.Equal(t, "x", msg.Key)
	assert.Equal(t, 7, msg.Message)
}

func TestBusPublisher(t *testing.T) {
	b, ctx := startBus(t)

	sub := b.Subscribe(ctx, "dev")
	pub := b.CreatePublisher("dev")
	go pub(ctx, 1)

	msg := <-sub
	assert.Equal(t, 1, msg.Message)
}

func TestBusUnsubscribe(t *testing.T) {
	b, ctx := startBus(t)

	subCtx, subCancel := context.WithCancel(ctx)
	sub := b.Subscribe(subCtx, "a")
	subCancel()

	go b.Publish(ctx, "a", 42)

	select {
	case m := <-sub:
		t.Fatalf("message after unsubscribe: %v", m)
	case <-time.After(20 * time.Millisecond):
	}
}
