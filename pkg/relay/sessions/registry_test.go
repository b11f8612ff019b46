package sessions

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voxlane/voicerelay/pkg/relay/session"
	"github.com/voxlane/voicerelay/pkg/relay/stream/streamtest"
)

func testRegistry(t *testing.T) *Registry {
	t.Helper()
	r, err := New(func(id string) (*session.Session, error) {
		return session.New(id, session.Dependencies{Dialer: streamtest.NewDialer()})
	})
	require.NoError(t, err)
	return r
}

func TestRegistryCreateAndGet(t *testing.T) {
	r := testRegistry(t)

	sess, err := r.Create()
	require.NoError(t, err)
	require.NotEmpty(t, sess.ID())

	got, err := r.Get(sess.ID())
	require.NoError(t, err)
	assert.Same(t, sess, got)
	assert.Equal(t, 1, r.Len())
}

func TestRegistryGetNotFound(t *testing.T) {
	r := testRegistry(t)

	_, err := r.Get("no-such-session")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRegistryConcurrentCreateDistinctIDs(t *testing.T) {
	r := testRegistry(t)

	const n = 25
	var (
		mu  sync.Mutex
		ids []string
		wg  sync.WaitGroup
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sess, err := r.Create()
			assert.NoError(t, err)
			mu.Lock()
			ids = append(ids, sess.ID())
			mu.Unlock()
		}()
	}
	wg.Wait()

	require.Len(t, ids, n)
	seen := make(map[string]struct{}, n)
	for _, id := range ids {
		_, dup := seen[id]
		assert.False(t, dup, "duplicate session id %s", id)
		seen[id] = struct{}{}
	}

	// Removing one session must not affect lookup of another.
	r.Remove(ids[0])
	_, err := r.Get(ids[0])
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = r.Get(ids[1])
	assert.NoError(t, err)
	assert.Equal(t, n-1, r.Len())
}

func TestRegistryRemoveIdempotent(t *testing.T) {
	r := testRegistry(t)

	sess, err := r.Create()
	require.NoError(t, err)

	r.Remove(sess.ID())
	r.Remove(sess.ID())
	r.Remove("never-existed")
	assert.Equal(t, 0, r.Len())
}

func TestRegistryIDsNeverReused(t *testing.T) {
	r := testRegistry(t)

	seen := make(map[string]struct{})
	for i := 0; i < 50; i++ {
		sess, err := r.Create()
		require.NoError(t, err)
		_, dup := seen[sess.ID()]
		require.False(t, dup, "id %s reused", sess.ID())
		seen[sess.ID()] = struct{}{}
		r.Remove(sess.ID())
	}
}

func TestRegistryForEachDuringChurn(t *testing.T) {
	r := testRegistry(t)

	for i := 0; i < 5; i++ {
		_, err := r.Create()
		require.NoError(t, err)
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 50; i++ {
			sess, err := r.Create()
			if err != nil {
				continue
			}
			r.Remove(sess.ID())
		}
	}()

	for i := 0; i < 50; i++ {
		count := 0
		r.ForEach(func(*session.Session) { count++ })
		assert.GreaterOrEqual(t, count, 5)
	}
	wg.Wait()

	assert.Equal(t, 5, r.Len())
}

func TestRegistryCloseAllAndWait(t *testing.T) {
	r := testRegistry(t)

	var ids []string
	for i := 0; i < 3; i++ {
		sess, err := r.Create()
		require.NoError(t, err)
		ids = append(ids, sess.ID())
	}

	assert.Equal(t, 3, r.CloseAll())
	// Entries stay until their owners remove them.
	assert.Equal(t, 3, r.Len())

	shortCtx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	assert.False(t, r.Wait(shortCtx))

	for _, id := range ids {
		r.Remove(id)
	}
	ctx, cancel2 := context.WithTimeout(context.Background(), time.Second)
	defer cancel2()
	assert.True(t, r.Wait(ctx))
	assert.Equal(t, 0, r.Len())
}

func TestRegistryRequiresFactory(t *testing.T) {
	_, err := New(nil)
	assert.Error(t, err)
}
