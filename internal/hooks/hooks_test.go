package hooks

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/soyeahso/livechat/internal/logging"
)

func testManager() *Manager {
	return NewManager(logging.New(nil, "silent"))
}

func TestManager_EmitInOrder(t *testing.T) {
	m := testManager()

	var order []string
	m.On(EventVisitorConnected, "first", func(_ context.Context, p Payload) error {
		order = append(order, "first")
		assert.Equal(t, EventVisitorConnected, p.Event)
		assert.Equal(t, "w1", p.WorkspaceID)
		assert.False(t, p.Timestamp.IsZero())
		return nil
	})
	m.On(EventVisitorConnected, "second", func(_ context.Context, p Payload) error {
		order = append(order, "second")
		assert.Equal(t, "s1", p.Data["sessionId"])
		return nil
	})

	m.Emit(context.Background(), EventVisitorConnected, "w1", map[string]any{"sessionId": "s1"})
	assert.Equal(t, []string{"first", "second"}, order)
}

func TestManager_HandlerErrorDoesNotStopOthers(t *testing.T) {
	m := testManager()

	var secondCalled bool
	m.On(EventGatewayStart, "failing", func(context.Context, Payload) error {
		return errors.New("handler broke")
	})
	m.On(EventGatewayStart, "second", func(context.Context, Payload) error {
		secondCalled = true
		return nil
	})

	m.Emit(context.Background(), EventGatewayStart, "", nil)
	assert.True(t, secondCalled)
}

func TestManager_EmitWithoutHandlers(t *testing.T) {
	m := testManager()
	m.Emit(context.Background(), EventGatewayStop, "", nil)
	m.EmitAsync(context.Background(), EventGatewayStop, "", nil)
	m.Wait()
}

func TestManager_Off(t *testing.T) {
	m := testManager()

	var removed, kept int
	m.On(EventAgentOnline, "remove-me", func(context.Context, Payload) error {
		removed++
		return nil
	})
	m.On(EventAgentOnline, "keep-me", func(context.Context, Payload) error {
		kept++
		return nil
	})

	m.Emit(context.Background(), EventAgentOnline, "w1", nil)
	m.Off(EventAgentOnline, "remove-me")
	m.Emit(context.Background(), EventAgentOnline, "w1", nil)

	assert.Equal(t, 1, removed)
	assert.Equal(t, 2, kept)
	assert.Equal(t, 1, m.Count(EventAgentOnline))
}

func TestManager_EmitAsyncSurvivesCancel(t *testing.T) {
	m := testManager()

	var count atomic.Int32
	handler := func(ctx context.Context, _ Payload) error {
		time.Sleep(10 * time.Millisecond)
		if ctx.Err() == nil {
			count.Add(1)
		}
		return nil
	}
	m.On(EventMessageSent, "async1", handler)
	m.On(EventMessageSent, "async2", handler)

	ctx, cancel := context.WithCancel(context.Background())
	m.EmitAsync(ctx, EventMessageSent, "w1", nil)
	cancel()

	done := make(chan struct{})
	go func() { m.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("async handlers did not complete in time")
	}
	assert.Equal(t, int32(2), count.Load())
}

func TestManager_OnAll(t *testing.T) {
	m := testManager()

	var seen []string
	m.OnAll("sink", func(_ context.Context, p Payload) error {
		seen = append(seen, p.Event)
		return nil
	})

	for _, event := range AllEvents {
		assert.Equal(t, 1, m.Count(event), event)
	}
	m.Emit(context.Background(), EventChatTransferred, "w1", nil)
	m.Emit(context.Background(), EventRoomClosed, "w1", nil)
	assert.Equal(t, []string{EventChatTransferred, EventRoomClosed}, seen)
	assert.Len(t, m.Events(), len(AllEvents))
}

func TestAllEvents(t *testing.T) {
	require.NotEmpty(t, AllEvents)
	seen := map[string]bool{}
	for _, e := range AllEvents {
		assert.False(t, seen[e], "duplicate event %s", e)
		seen[e] = true
	}
	assert.Contains(t, AllEvents, EventDepartmentStatus)
}
