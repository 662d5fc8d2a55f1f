package session

import (
	"context"
	"sync/atomic"
	"testing"

	"github.com/ashureev/hearthly/internal/cache"
	"github.com/ashureev/hearthly/internal/domain"
	"github.com/ashureev/hearthly/internal/speech"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestManager(t *testing.T) (*Manager, *fakeQuota, *fakeRecords) {
	t.Helper()
	q := newFakeQuota(3)
	r := newFakeRecords()
	q.records = r
	m := NewManager(Deps{
		Quota:   q,
		Records: r,
		Cache:   cache.NewMemory(),
		Backend: &fakeBackend{reply: &speech.Reply{Transcript: "ok"}},
	}, Options{})
	t.Cleanup(m.Close)
	return m, q, r
}

func TestManagerReturnsOneControllerPerUser(t *testing.T) {
	m, _, _ := newTestManager(t)

	a := m.Get("alice")
	assert.Same(t, a, m.Get("alice"))
	assert.NotSame(t, a, m.Get("bob"))
	assert.Equal(t, 2, m.Count())

	_, ok := m.Lookup("carol")
	assert.False(t, ok)
}

func TestManagerListenersReachNewControllers(t *testing.T) {
	m, _, _ := newTestManager(t)
	var seen atomic.Int32
	m.OnChange(func(Snapshot) { seen.Add(1) })

	_, err := m.Get("alice").RequestStart(context.Background(), StartRequest{})
	require.NoError(t, err)
	assert.Equal(t, int32(1), seen.Load())
}

func TestManagerIsLive(t *testing.T) {
	m, _, _ := newTestManager(t)

	snap, err := m.Get("alice").RequestStart(context.Background(), StartRequest{})
	require.NoError(t, err)
	assert.True(t, m.IsLive(snap.SessionID))
	assert.False(t, m.IsLive("unknown"))
}

func TestManagerTeardownEndsSession(t *testing.T) {
	m, q, r := newTestManager(t)
	ctx := context.Background()

	snap, err := m.Get("alice").RequestStart(ctx, StartRequest{})
	require.NoError(t, err)

	m.Teardown(ctx, "alice")
	_, ok := m.Lookup("alice")
	assert.False(t, ok)
	assert.Equal(t, 1, q.chargeCount())

	rec := r.session(snap.SessionID)
	require.NotNil(t, rec)
	assert.False(t, rec.IsOpen())

	m.Teardown(ctx, "alice")
	assert.Equal(t, 1, q.chargeCount())
}

func TestManagerCloseLeavesSessionsOpen(t *testing.T) {
	m, q, r := newTestManager(t)

	c := m.Get("alice")
	snap, err := c.RequestStart(context.Background(), StartRequest{})
	require.NoError(t, err)

	m.Close()
	assert.Equal(t, 0, m.Count())
	assert.Equal(t, 0, q.chargeCount())
	rec := r.session(snap.SessionID)
	require.NotNil(t, rec)
	assert.True(t, rec.IsOpen())
	assert.Equal(t, domain.StatusListening, c.State().Status)
}

func TestManagerIsLiveCoversOwedClose(t *testing.T) {
	m, _, r := newTestManager(t)
	ctx := context.Background()

	c := m.Get("alice")
	snap, err := c.RequestStart(ctx, StartRequest{})
	require.NoError(t, err)

	r.setFailEnd(true)
	_, err = c.RequestCancel(ctx)
	require.NoError(t, err)
	assert.True(t, m.IsLive(snap.SessionID), "the sweeper leaves it to the controller")

	r.setFailEnd(false)
	_, err = c.RequestStart(ctx, StartRequest{})
	require.NoError(t, err)
	assert.False(t, m.IsLive(snap.SessionID))
}
