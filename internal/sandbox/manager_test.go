package sandbox

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/metalagman/deckhand/internal/db"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePlatform struct {
	mu        sync.Mutex
	creates   int
	deletes   []string
	running   map[string]Sandbox
	createErr error
	next      int
}

func newFakePlatform() *fakePlatform {
	return &fakePlatform{running: map[string]Sandbox{}}
}

func (f *fakePlatform) Create(_ context.Context, spec Spec) (Sandbox, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.creates++
	if f.createErr != nil {
		return Sandbox{}, f.createErr
	}
	f.next++
	sb := Sandbox{
		ID:              fmt.Sprintf("sb-%d", f.next),
		BridgeEndpoint:  fmt.Sprintf("http://sb-%d:9000", f.next),
		DisplayEndpoint: fmt.Sprintf("https://sb-%d/vnc", f.next),
		CreatedAt:       time.Now(),
	}
	f.running[sb.ID] = sb
	return sb, nil
}

func (f *fakePlatform) List(context.Context) ([]Sandbox, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Sandbox, 0, len(f.running))
	for _, sb := range f.running {
		out = append(out, sb)
	}
	return out, nil
}

func (f *fakePlatform) Delete(_ context.Context, id string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deletes = append(f.deletes, id)
	_, ok := f.running[id]
	delete(f.running, id)
	return ok, nil
}

func (f *fakePlatform) Creates() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.creates
}

func newTestStore(t *testing.T) *ContextStore {
	t.Helper()
	conn, err := db.Open(filepath.Join(t.TempDir(), "deckhand.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return NewContextStore(conn)
}

func newTestManager(t *testing.T, p Platform, store Records, max int) *Manager {
	t.Helper()
	return NewManager(p, store, NewRegistry(), NewQuota(max), ManagerOptions{
		SettleDelay: 10 * time.Second,
		Sleep:       func(ctx context.Context, _ time.Duration) error { return ctx.Err() },
	})
}

func TestQuota_NeverOverAdmits(t *testing.T) {
	t.Parallel()

	q := NewQuota(5)
	var admitted atomic.Int32
	var wg sync.WaitGroup
	for range 100 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if q.TryAcquire() {
				admitted.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.EqualValues(t, 5, admitted.Load())
	assert.Equal(t, 5, q.InUse())

	q.Release()
	q.Release()
	assert.Equal(t, 3, q.InUse())
	for range 10 {
		q.Release()
	}
	assert.Equal(t, 0, q.InUse())
}

func TestManager_SixthSandboxRejectedBeforeProvisioning(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	p := newFakePlatform()
	m := newTestManager(t, p, newTestStore(t), 5)

	for i := range 5 {
		_, err := m.Open(ctx, CreateRequest{RepoName: "app", Title: fmt.Sprintf("v%d", i)})
		require.NoError(t, err)
	}
	require.Equal(t, 5, p.Creates())

	_, err := m.Open(ctx, CreateRequest{RepoName: "app"})
	require.Error(t, err)
	var pe *ProvisioningError
	require.ErrorAs(t, err, &pe)
	assert.ErrorIs(t, err, ErrQuotaExceeded)
	assert.True(t, IsQuotaExceeded(err))
	assert.Equal(t, 5, p.Creates(), "no provisioning call once the quota is full")
}

func TestManager_PlatformFailureReleasesSlot(t *testing.T) {
	t.Parallel()

	p := newFakePlatform()
	p.createErr = errors.New("platform down")
	m := newTestManager(t, p, newTestStore(t), 1)

	_, err := m.Create(context.Background(), CreateRequest{})
	var pe *ProvisioningError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, "create", pe.Op)
	assert.Equal(t, 0, m.Quota().InUse())
}

func TestManager_DestroyIsBestEffortAndReleases(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	p := newFakePlatform()
	store := newTestStore(t)
	m := newTestManager(t, p, store, 2)

	v, err := m.Open(ctx, CreateRequest{Title: "Story A", Context: &ImplementationContext{StoryID: "story-a"}})
	require.NoError(t, err)
	assert.True(t, m.Registry().BoundToStory("story-a"))
	assert.Equal(t, 1, m.Quota().InUse())

	m.Destroy(ctx, v.SandboxID)
	assert.False(t, m.Registry().BoundToStory("story-a"))
	assert.Equal(t, 0, m.Quota().InUse())
	select {
	case <-v.Done():
	default:
		t.Fatal("destroyed viewer still open")
	}
	recs, err := store.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, recs)

	// second destroy must not double release or fail
	m.Destroy(ctx, v.SandboxID)
	assert.Equal(t, 0, m.Quota().InUse())
}

func TestManager_SettleCancelledDestroysSandbox(t *testing.T) {
	t.Parallel()

	p := newFakePlatform()
	m := newTestManager(t, p, newTestStore(t), 2)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := m.Open(ctx, CreateRequest{})
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, m.Quota().InUse())
	assert.Len(t, p.deletes, 1)
}

func TestManager_RestoreReopensExactlyOneViewerPerRecord(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	p := newFakePlatform()
	store := newTestStore(t)

	first := newTestManager(t, p, store, 5)
	ic := &ImplementationContext{RepositoryID: "acme/app", StoryID: "story-1", StoryTitle: "Export"}
	opened, err := first.Open(ctx, CreateRequest{Title: "Export", Context: ic})
	require.NoError(t, err)

	// a record whose sandbox is gone, and a running sandbox with no record
	require.NoError(t, store.Save(ctx, Record{SandboxID: "gone", Title: "Old", BridgeEndpoint: "http://gone"}))
	p.running["orphan"] = Sandbox{ID: "orphan", BridgeEndpoint: "http://orphan:9000"}

	// restart: fresh registry and quota over the same store
	second := newTestManager(t, p, store, 5)
	viewers, err := second.Restore(ctx)
	require.NoError(t, err)
	require.Len(t, viewers, 2)

	v, ok := second.Registry().Get(opened.SandboxID)
	require.True(t, ok)
	assert.Equal(t, "Export", v.Title)
	assert.Equal(t, opened.BridgeEndpoint, v.BridgeEndpoint)
	assert.Equal(t, "story-1", v.StoryID())

	adopted, ok := second.Registry().Get("orphan")
	require.True(t, ok)
	assert.Equal(t, "orphan", adopted.Title)

	_, ok = second.Registry().Get("gone")
	assert.False(t, ok)
	assert.Equal(t, 2, second.Quota().InUse())

	// restoring again never duplicates
	again, err := second.Restore(ctx)
	require.NoError(t, err)
	assert.Empty(t, again)
	assert.Equal(t, 2, second.Registry().Len())

	recs, err := store.List(ctx)
	require.NoError(t, err)
	ids := make([]string, 0, len(recs))
	for _, r := range recs {
		ids = append(ids, r.SandboxID)
	}
	assert.ElementsMatch(t, []string{opened.SandboxID, "orphan"}, ids)
}

func TestRegistry_DockPositionsAndDuplicates(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	a, b, c := &Viewer{SandboxID: "a"}, &Viewer{SandboxID: "b"}, &Viewer{SandboxID: "c"}
	require.NoError(t, r.Add(a))
	require.NoError(t, r.Add(b))
	assert.Error(t, r.Add(&Viewer{SandboxID: "a"}))

	r.Remove("a")
	require.NoError(t, r.Add(c))
	assert.Equal(t, 0, c.Dock)
	assert.Equal(t, 1, b.Dock)

	list := r.List()
	require.Len(t, list, 2)
	assert.Equal(t, "c", list[0].SandboxID)
}

func TestRegistry_RemoveClosesViewer(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	v := &Viewer{SandboxID: "a"}
	require.NoError(t, r.Add(v))

	select {
	case <-v.Done():
		t.Fatal("viewer closed before removal")
	default:
	}

	assert.Same(t, v, r.Remove("a"))
	select {
	case <-v.Done():
	case <-time.After(time.Second):
		t.Fatal("viewer not closed after removal")
	}
	assert.Nil(t, r.Remove("a"))
}

func TestViewer_ClaimIsExclusive(t *testing.T) {
	t.Parallel()

	v := &Viewer{SandboxID: "a"}
	require.True(t, v.Claim())
	assert.True(t, v.Busy())
	assert.False(t, v.Claim())

	v.Release()
	assert.False(t, v.Busy())
	assert.True(t, v.Claim())
}
