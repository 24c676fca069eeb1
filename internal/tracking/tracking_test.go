package tracking

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/soyeahso/livechat/internal/domain"
	"github.com/soyeahso/livechat/internal/kv"
	"github.com/soyeahso/livechat/internal/logging"
	"github.com/soyeahso/livechat/internal/resilience"
)

func testLogger() *logging.Logger { return logging.New(nil, "silent") }

// flakyStore fails every call while down is set.
type flakyStore struct {
	kv.Store
	down  atomic.Bool
	calls atomic.Int64
}

var errStoreDown = errors.New("store down")

func (f *flakyStore) Get(ctx context.Context, key string) (string, error) {
	f.calls.Add(1)
	if f.down.Load() {
		return "", errStoreDown
	}
	return f.Store.Get(ctx, key)
}

func (f *flakyStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	f.calls.Add(1)
	if f.down.Load() {
		return errStoreDown
	}
	return f.Store.Set(ctx, key, value, ttl)
}

func newTracker(t *testing.T) (*ConnectionTracker, *kv.MemoryStore) {
	t.Helper()
	mem := kv.NewMemoryStore()
	t.Cleanup(func() { mem.Close() })
	return NewConnectionTracker(NewGuard(mem, nil), testLogger()), mem
}

func TestGuardMissDoesNotTripBreaker(t *testing.T) {
	mem := kv.NewMemoryStore()
	br := resilience.New(resilience.Settings{Name: "t", MaxFailures: 2, Cooldown: time.Hour})
	g := NewGuard(mem, br)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := g.Get(ctx, "missing")
		assert.ErrorIs(t, err, kv.ErrNotFound)
	}
	assert.Equal(t, resilience.StateClosed, br.State())
}

func TestGuardOpensOnFailures(t *testing.T) {
	flaky := &flakyStore{Store: kv.NewMemoryStore()}
	br := resilience.New(resilience.Settings{Name: "t", MaxFailures: 2, Cooldown: time.Hour})
	g := NewGuard(flaky, br)
	ctx := context.Background()

	flaky.down.Store(true)
	assert.ErrorIs(t, g.Set(ctx, "k", "v", 0), errStoreDown)
	assert.ErrorIs(t, g.Set(ctx, "k", "v", 0), errStoreDown)
	assert.Equal(t, resilience.StateOpen, br.State())

	before := flaky.calls.Load()
	assert.ErrorIs(t, g.Set(ctx, "k", "v", 0), resilience.ErrCircuitOpen)
	assert.Equal(t, before, flaky.calls.Load(), "open breaker must skip the store")
}

func TestTrackerDegradesWhenStoreDown(t *testing.T) {
	flaky := &flakyStore{Store: kv.NewMemoryStore()}
	tr := NewConnectionTracker(NewGuard(flaky, nil), testLogger())
	ctx := context.Background()
	id := domain.VisitorIdentity("s1", "w1")

	flaky.down.Store(true)
	rec := tr.AddConnection(ctx, id, "c1", "v1")
	require.NotNil(t, rec)
	assert.Equal(t, domain.StatusActive, rec.Status)
	assert.Nil(t, tr.Get(ctx, id))

	flaky.down.Store(false)
}

func TestAddConnectionCreatesAndIndexes(t *testing.T) {
	tr, _ := newTracker(t)
	ctx := context.Background()
	id := domain.VisitorIdentity("s1", "w1")

	assert.False(t, tr.HasSession(ctx, id))
	rec := tr.AddConnection(ctx, id, "c1", "v1")
	assert.Equal(t, domain.StatusActive, rec.Status)
	assert.Equal(t, []string{"c1"}, rec.SocketIDs)
	assert.True(t, tr.HasSession(ctx, id))

	visitors := tr.Visitors(ctx, "w1")
	require.Len(t, visitors, 1)
	assert.Equal(t, "v1", visitors[0].UserID)
	assert.Empty(t, tr.Visitors(ctx, "w2"))
}

func TestAddConnectionPromotesDisengagedVisitor(t *testing.T) {
	for _, prev := range []domain.Status{domain.StatusIdle, domain.StatusAway} {
		t.Run(string(prev), func(t *testing.T) {
			tr, _ := newTracker(t)
			ctx := context.Background()
			id := domain.VisitorIdentity("s1", "w1")
			tr.AddConnection(ctx, id, "c1", "v1")
			tr.UpdateStatus(ctx, id, prev)

			rec := tr.AddConnection(ctx, id, "c2", "v1")
			assert.Equal(t, domain.StatusActive, rec.Status)
		})
	}
}

func TestAddConnectionKeepsEngagedVisitor(t *testing.T) {
	tr, _ := newTracker(t)
	ctx := context.Background()
	id := domain.VisitorIdentity("s1", "w1")
	tr.AddConnection(ctx, id, "c1", "v1")
	tr.UpdateStatus(ctx, id, domain.StatusCurrentlyServed)

	rec := tr.AddConnection(ctx, id, "c2", "v1")
	assert.Equal(t, domain.StatusCurrentlyServed, rec.Status)
	assert.Len(t, rec.SocketIDs, 2)
}

func TestRemoveConnectionLastSocket(t *testing.T) {
	tr, _ := newTracker(t)
	ctx := context.Background()
	id := domain.VisitorIdentity("s1", "w1")
	tr.AddConnection(ctx, id, "c1", "v1")
	tr.AddConnection(ctx, id, "c2", "v1")

	res := tr.RemoveConnection(ctx, id, "c1")
	require.NotNil(t, res)
	assert.False(t, res.Last)
	assert.Equal(t, domain.StatusActive, res.Record.Status)

	res = tr.RemoveConnection(ctx, id, "c2")
	assert.True(t, res.Last)
	assert.Equal(t, domain.StatusActive, res.PreviousStatus)
	assert.Equal(t, domain.StatusAway, res.Record.Status)

	// The record survives until explicitly deleted.
	assert.True(t, tr.HasSession(ctx, id))
	tr.Delete(ctx, id)
	assert.False(t, tr.HasSession(ctx, id))
	assert.Empty(t, tr.Visitors(ctx, "w1"))

	assert.Nil(t, tr.RemoveConnection(ctx, id, "c2"))
}

func TestRemoveConnectionUnknownSocket(t *testing.T) {
	tr, _ := newTracker(t)
	ctx := context.Background()
	id := domain.VisitorIdentity("s1", "w1")
	tr.AddConnection(ctx, id, "c1", "v1")

	res := tr.RemoveConnection(ctx, id, "nope")
	require.NotNil(t, res)
	assert.False(t, res.Last)
	assert.Equal(t, []string{"c1"}, res.Record.SocketIDs)
}

func TestAgentRoomsAcrossSockets(t *testing.T) {
	tr, _ := newTracker(t)
	ctx := context.Background()
	id := domain.AgentIdentity("a1", "w1")

	rec := tr.AddConnection(ctx, id, "c1", "a1")
	assert.Equal(t, domain.StatusOnline, rec.Status)
	tr.AddConnection(ctx, id, "c2", "a1")

	rec = tr.AddRoomToAgentSocket(ctx, "a1", "w1", "c1", "r1")
	assert.Equal(t, domain.StatusBusy, rec.Status)
	again := tr.AddRoomToAgentSocket(ctx, "a1", "w1", "c1", "r1")
	assert.Equal(t, rec.JoinedRooms, again.JoinedRooms)
	assert.Equal(t, rec.SocketRooms, again.SocketRooms)

	tr.AddRoomToAgentSocket(ctx, "a1", "w1", "c2", "r1")
	assert.True(t, tr.IsAgentInRoomFromOtherSocket(ctx, "a1", "w1", "r1", "c1"))

	rec = tr.RemoveRoomFromAgentSocket(ctx, "a1", "w1", "c1", "r1")
	assert.True(t, rec.InRoom("r1"))
	assert.Equal(t, domain.StatusBusy, rec.Status)

	rec = tr.RemoveRoomFromAgentSocket(ctx, "a1", "w1", "c2", "r1")
	assert.False(t, rec.InRoom("r1"))
	assert.Equal(t, domain.StatusOnline, rec.Status)
	assert.False(t, tr.IsAgentInRoom(ctx, "a1", "w1", "r1"))
}

func TestAddRoomRequiresBoundSocket(t *testing.T) {
	tr, _ := newTracker(t)
	ctx := context.Background()
	tr.AddConnection(ctx, domain.AgentIdentity("a1", "w1"), "c1", "a1")

	assert.Nil(t, tr.AddRoomToAgentSocket(ctx, "a1", "w1", "other", "r1"))
	assert.Nil(t, tr.AddRoomToAgentSocket(ctx, "a9", "w1", "c1", "r1"))
	assert.False(t, tr.IsAgentInRoom(ctx, "a1", "w1", "r1"))
}

func TestAgentSocketRemovalOrphansRooms(t *testing.T) {
	tr, _ := newTracker(t)
	ctx := context.Background()
	id := domain.AgentIdentity("a1", "w1")
	tr.AddConnection(ctx, id, "c1", "a1")
	tr.AddConnection(ctx, id, "c2", "a1")
	tr.AddRoomToAgentSocket(ctx, "a1", "w1", "c1", "r1")
	tr.AddRoomToAgentSocket(ctx, "a1", "w1", "c1", "r2")
	tr.AddRoomToAgentSocket(ctx, "a1", "w1", "c2", "r2")

	res := tr.RemoveConnection(ctx, id, "c1")
	assert.False(t, res.Last)
	assert.ElementsMatch(t, []string{"r1", "r2"}, res.Rooms)
	assert.Equal(t, []string{"r1"}, res.Orphaned)
	assert.Equal(t, []string{"r2"}, res.Record.JoinedRooms)
	assert.Equal(t, domain.StatusBusy, res.Record.Status)

	res = tr.RemoveConnection(ctx, id, "c2")
	assert.True(t, res.Last)
	assert.Equal(t, domain.StatusBusy, res.PreviousStatus)
	assert.Equal(t, []string{"r2"}, res.Rooms)
	assert.Empty(t, res.Orphaned)
	assert.Equal(t, domain.StatusOffline, res.Record.Status)
}

func TestReconnectedAgentStatusFollowsRooms(t *testing.T) {
	tr, _ := newTracker(t)
	ctx := context.Background()
	id := domain.AgentIdentity("a1", "w1")
	tr.AddConnection(ctx, id, "c1", "a1")
	tr.RemoveConnection(ctx, id, "c1")

	rec := tr.AddConnection(ctx, id, "c2", "a1")
	assert.Equal(t, domain.StatusOnline, rec.Status)
	assert.Empty(t, rec.JoinedRooms)
}

func TestUpdateStatusRejectsForeignStatus(t *testing.T) {
	tr, _ := newTracker(t)
	ctx := context.Background()
	id := domain.AgentIdentity("a1", "w1")
	tr.AddConnection(ctx, id, "c1", "a1")

	assert.Nil(t, tr.UpdateStatus(ctx, id, domain.StatusCurrentlyServed))
	assert.Equal(t, domain.StatusOnline, tr.Get(ctx, id).Status)
	assert.Nil(t, tr.UpdateSessionStatus(ctx, "missing", "w1", domain.StatusIdle))
}

func TestCorruptRecordReadsAsAbsent(t *testing.T) {
	tr, mem := newTracker(t)
	ctx := context.Background()
	id := domain.VisitorIdentity("s1", "w1")
	require.NoError(t, mem.Set(ctx, recordKey(id), "{not json", 0))

	assert.Nil(t, tr.Get(ctx, id))
	rec := tr.AddConnection(ctx, id, "c1", "v1")
	assert.Equal(t, []string{"c1"}, rec.SocketIDs)
}

func TestSetDepartment(t *testing.T) {
	tr, _ := newTracker(t)
	ctx := context.Background()
	id := domain.VisitorIdentity("s1", "w1")
	tr.AddConnection(ctx, id, "c1", "v1")

	rec := tr.SetDepartment(ctx, id, "d1")
	assert.Equal(t, "d1", rec.DepartmentID)
	assert.Equal(t, "d1", tr.Get(ctx, id).DepartmentID)
}

func TestMarkerConsumedOnce(t *testing.T) {
	tr, _ := newTracker(t)
	ctx := context.Background()
	id := domain.VisitorIdentity("s1", "w1")
	m := &domain.DisconnectMarker{Identity: id, PreviousStatus: domain.StatusIdle, SocketID: "c1", DisconnectedAt: time.Now()}
	require.NoError(t, tr.WriteMarker(ctx, m, time.Minute))
	assert.True(t, tr.HasMarker(ctx, id))

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if got := tr.ConsumeMarker(ctx, id); got != nil {
				wins.Add(1)
				assert.Equal(t, domain.StatusIdle, got.PreviousStatus)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins.Load())
	assert.False(t, tr.HasMarker(ctx, id))
}

func TestMarkerExpires(t *testing.T) {
	tr, mem := newTracker(t)
	now := time.Now()
	mem.SetClock(func() time.Time { return now })
	ctx := context.Background()
	id := domain.AgentIdentity("a1", "w1")

	require.NoError(t, tr.WriteMarker(ctx, &domain.DisconnectMarker{Identity: id, DisconnectedAt: now}, time.Minute))
	now = now.Add(2 * time.Minute)
	assert.Nil(t, tr.ConsumeMarker(ctx, id))
}

func TestConcurrentSocketsKeepAllBindings(t *testing.T) {
	tr, _ := newTracker(t)
	ctx := context.Background()
	id := domain.AgentIdentity("a1", "w1")

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			tr.AddConnection(ctx, id, string(rune('a'+n)), "a1")
		}(i)
	}
	wg.Wait()
	assert.Len(t, tr.Get(ctx, id).SocketIDs, 20)
	assert.Zero(t, tr.locks.size())
}

func TestMarkerPeekLeavesMarker(t *testing.T) {
	tr, _ := newTracker(t)
	ctx := context.Background()
	id := domain.AgentIdentity("a1", "w1")
	assert.Nil(t, tr.PeekMarker(ctx, id))

	m := &domain.DisconnectMarker{Identity: id, PreviousStatus: domain.StatusBusy, Rooms: []string{"r1"}, DisconnectedAt: time.Now()}
	require.NoError(t, tr.WriteMarker(ctx, m, time.Minute))

	got := tr.PeekMarker(ctx, id)
	require.NotNil(t, got)
	assert.Equal(t, []string{"r1"}, got.Rooms)
	assert.True(t, tr.HasMarker(ctx, id))
	assert.NotNil(t, tr.ConsumeMarker(ctx, id))
}

func TestRetireClearsSocketsAndExpires(t *testing.T) {
	tr, mem := newTracker(t)
	now := time.Now()
	mem.SetClock(func() time.Time { return now })
	ctx := context.Background()
	id := domain.AgentIdentity("a1", "w1")

	tr.AddConnection(ctx, id, "c1", "a1")
	tr.AddRoomToAgentSocket(ctx, "a1", "w1", "c1", "r1")

	assert.Nil(t, tr.Retire(ctx, id, domain.StatusIdle, time.Minute), "visitor status is not valid for an agent")

	rec := tr.Retire(ctx, id, domain.StatusOffline, time.Minute)
	require.NotNil(t, rec)
	assert.Equal(t, domain.StatusOffline, rec.Status)
	assert.Empty(t, rec.SocketIDs)
	assert.Empty(t, rec.JoinedRooms)

	require.Len(t, tr.Agents(ctx, "w1"), 1)
	now = now.Add(2 * time.Minute)
	assert.Nil(t, tr.Get(ctx, id))
	assert.Empty(t, tr.Agents(ctx, "w1"), "expired records leave the index")
}

func TestRetireUnknownIdentity(t *testing.T) {
	tr, _ := newTracker(t)
	assert.Nil(t, tr.Retire(context.Background(), domain.VisitorIdentity("nobody", "w1"), domain.StatusIdle, time.Minute))
}

func TestDeleteDropsRecordAndIndex(t *testing.T) {
	tr, _ := newTracker(t)
	ctx := context.Background()
	v1 := domain.VisitorIdentity("s1", "w1")
	v2 := domain.VisitorIdentity("s2", "w1")
	tr.AddConnection(ctx, v1, "c1", "vis-1")
	tr.AddConnection(ctx, v2, "c2", "vis-2")
	require.Len(t, tr.Visitors(ctx, "w1"), 2)

	tr.Delete(ctx, v1)

	visitors := tr.Visitors(ctx, "w1")
	require.Len(t, visitors, 1)
	assert.Equal(t, "s2", visitors[0].Identity.SessionID)
	assert.Empty(t, tr.Visitors(ctx, "w2"))
}

func TestOpenRooms(t *testing.T) {
	tr, _ := newTracker(t)
	ctx := context.Background()
	assert.Empty(t, tr.OpenRooms(ctx, "a1", "w1"))

	tr.OpenRoom(ctx, "a1", "w1", "r2")
	tr.OpenRoom(ctx, "a1", "w1", "r1")
	tr.OpenRoom(ctx, "a1", "w1", "r1")
	tr.OpenRoom(ctx, "a2", "w1", "r3")
	assert.Equal(t, []string{"r1", "r2"}, tr.OpenRooms(ctx, "a1", "w1"))

	tr.CloseRoom(ctx, "a1", "w1", "r2")
	tr.CloseRoom(ctx, "a1", "w1", "missing")
	assert.Equal(t, []string{"r1"}, tr.OpenRooms(ctx, "a1", "w1"))
	assert.Equal(t, []string{"r3"}, tr.OpenRooms(ctx, "a2", "w1"))
}
