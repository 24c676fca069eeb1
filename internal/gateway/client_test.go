package gateway

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/soyeahso/livechat/internal/config"
	"github.com/soyeahso/livechat/internal/domain"
)

// --- ClientRegistry tests ---

func TestClientRegistryNew(t *testing.T) {
	reg := NewClientRegistry(testLog())
	require.NotNil(t, reg)
	assert.Equal(t, 0, reg.Count())
}

func TestClientRegistryAddAndGet(t *testing.T) {
	reg := NewClientRegistry(testLog())

	c := &Client{
		ConnID:  "conn-1",
		Session: &Session{ConnID: "conn-1", Identity: domain.VisitorIdentity("s1", "w1")},
	}
	reg.Add(c)
	assert.Equal(t, 1, reg.Count())

	got, ok := reg.Get("conn-1")
	require.True(t, ok)
	assert.Equal(t, "s1", got.Session.Identity.SessionID)

	_, ok = reg.Get("nonexistent")
	assert.False(t, ok)
}

func TestClientRegistryRemove(t *testing.T) {
	reg := NewClientRegistry(testLog())
	for i := range 3 {
		reg.Add(&Client{ConnID: fmt.Sprintf("conn-%d", i)})
	}
	assert.Equal(t, 3, reg.Count())

	reg.Remove("conn-1")
	reg.Remove("nonexistent")
	assert.Equal(t, 2, reg.Count())
	_, ok := reg.Get("conn-1")
	assert.False(t, ok)
}

func TestClientRegistryCloseAll(t *testing.T) {
	reg := NewClientRegistry(testLog())

	// Already-closed clients never touch their nil sockets.
	reg.Add(&Client{ConnID: "conn-1", closed: true})
	reg.Add(&Client{ConnID: "conn-2", closed: true})

	reg.CloseAll()
	assert.Equal(t, 0, reg.Count())
}

func TestClientSendAfterClose(t *testing.T) {
	c := &Client{ConnID: "conn-1", closed: true}
	assert.ErrorIs(t, c.Send(Frame{Type: FrameTypeEvent, Event: "x"}), ErrClientClosed)
	assert.NoError(t, c.Close())
}

// --- resolveBindAddr tests ---

func TestResolveBindAddr(t *testing.T) {
	tests := []struct {
		name string
		bind string
		port int
		host string
		want string
	}{
		{"loopback", "loopback", 7400, "", "127.0.0.1:7400"},
		{"lan", "lan", 9999, "", "0.0.0.0:9999"},
		{"auto", "auto", 8080, "", "0.0.0.0:8080"},
		{"custom_default", "custom", 3000, "", "0.0.0.0:3000"},
		{"custom_host", "custom", 3000, "10.0.0.1", "10.0.0.1:3000"},
		{"unknown_fallback", "whatever", 5000, "", "127.0.0.1:5000"},
		{"empty_fallback", "", 5000, "", "127.0.0.1:5000"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config.GatewayConfig{Bind: tt.bind, Port: tt.port, CustomBindHost: tt.host}
			assert.Equal(t, tt.want, resolveBindAddr(cfg))
		})
	}
}
