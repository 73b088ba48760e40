package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"loadgate/pkg/model"
)

type backendFactory func(t *testing.T) Backend

func backends() map[string]backendFactory {
	return map[string]backendFactory{
		"memory": func(t *testing.T) Backend { return NewMemoryStore() },
		"sqlite": func(t *testing.T) Backend {
			s, err := NewSQLiteStore(context.Background(), ":memory:")
			require.NoError(t, err)
			t.Cleanup(func() { s.Close() })
			return s
		},
		"redis": func(t *testing.T) Backend {
			mr := miniredis.RunT(t)
			s, err := NewRedisStore(context.Background(), RedisOptions{Addr: mr.Addr(), Prefix: "test"})
			require.NoError(t, err)
			t.Cleanup(func() { s.Close() })
			return s
		},
	}
}

var base = time.Date(2030, 1, 2, 10, 0, 0, 0, time.UTC)

func newTask(owner string, startOffset time.Duration) model.Task {
	start := base.Add(startOffset)
	return model.Task{
		OwnerID:   owner,
		TargetURL: "https://example.com",
		NumUsers:  10,
		RampUp:    5,
		StartTime: start,
		EndTime:   start.Add(time.Hour),
		Status:    model.StatusPending,
		CreatedAt: base,
	}
}

func TestStoreConformance(t *testing.T) {
	for name, factory := range backends() {
		factory := factory
		t.Run(name, func(t *testing.T) {
			t.Run("CreateGet", func(t *testing.T) { testCreateGet(t, factory(t)) })
			t.Run("NotFound", func(t *testing.T) { testNotFound(t, factory(t)) })
			t.Run("InsertionOrder", func(t *testing.T) { testInsertionOrder(t, factory(t)) })
			t.Run("Filters", func(t *testing.T) { testFilters(t, factory(t)) })
			t.Run("CompareAndSwap", func(t *testing.T) { testCompareAndSwap(t, factory(t)) })
			t.Run("ConcurrentCAS", func(t *testing.T) { testConcurrentCAS(t, factory(t)) })
			t.Run("Users", func(t *testing.T) { testUsers(t, factory(t)) })
			t.Run("FirstUser", func(t *testing.T) { testFirstUser(t, factory(t)) })
		})
	}
}

func testCreateGet(t *testing.T, s Backend) {
	ctx := context.Background()
	id, err := s.CreateTask(ctx, newTask("u1", 0))
	require.NoError(t, err)
	require.NotEmpty(t, id)

	got, err := s.GetTask(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, id, got.ID)
	assert.Equal(t, "u1", got.OwnerID)
	assert.Equal(t, model.StatusPending, got.Status)
	assert.True(t, got.StartTime.Equal(base))
	assert.True(t, got.EndTime.Equal(base.Add(time.Hour)))
	assert.Nil(t, got.StartedAt)

	dup := newTask("u1", 0)
	dup.ID = id
	_, err = s.CreateTask(ctx, dup)
	assert.ErrorIs(t, err, model.ErrConflict)
}

func testNotFound(t *testing.T, s Backend) {
	ctx := context.Background()
	_, err := s.GetTask(ctx, "missing")
	assert.ErrorIs(t, err, model.ErrNotFound)
	_, err = s.UpdateStatus(ctx, "missing", model.StatusPending, model.StatusApproved, model.Patch{})
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func testInsertionOrder(t *testing.T, s Backend) {
	ctx := context.Background()
	var ids []string
	// later submissions start earlier so the two orderings differ
	for i := 0; i < 5; i++ {
		id, err := s.CreateTask(ctx, newTask("u1", time.Duration(5-i)*time.Hour))
		require.NoError(t, err)
		ids = append(ids, id)
	}
	list, err := s.ListTasks(ctx, ListFilter{})
	require.NoError(t, err)
	require.Len(t, list, 5)
	for i, task := range list {
		assert.Equal(t, ids[i], task.ID)
	}

	byStart, err := s.ListTasks(ctx, ListFilter{Sort: SortStartTime})
	require.NoError(t, err)
	require.Len(t, byStart, 5)
	for i, task := range byStart {
		assert.Equal(t, ids[4-i], task.ID)
	}

	limited, err := s.ListTasks(ctx, ListFilter{Limit: 2})
	require.NoError(t, err)
	require.Len(t, limited, 2)
	assert.Equal(t, ids[0], limited[0].ID)

	var paged []string
	var after int64
	for {
		page, err := s.ListTasks(ctx, ListFilter{AfterSeq: after, Limit: 2})
		require.NoError(t, err)
		for _, task := range page {
			require.Greater(t, task.Seq, after)
			paged = append(paged, task.ID)
		}
		if len(page) < 2 {
			break
		}
		after = page[len(page)-1].Seq
	}
	assert.Equal(t, ids, paged)
}

func testFilters(t *testing.T, s Backend) {
	ctx := context.Background()
	a, err := s.CreateTask(ctx, newTask("alice", 0))
	require.NoError(t, err)
	_, err = s.CreateTask(ctx, newTask("bob", 2*time.Hour))
	require.NoError(t, err)
	_, err = s.UpdateStatus(ctx, a, model.StatusPending, model.StatusApproved, model.Patch{DecidedBy: "admin", At: base})
	require.NoError(t, err)

	own, err := s.ListTasks(ctx, ListFilter{OwnerID: "bob"})
	require.NoError(t, err)
	require.Len(t, own, 1)
	assert.Equal(t, "bob", own[0].OwnerID)

	approved, err := s.ListTasks(ctx, ListFilter{Status: model.StatusApproved})
	require.NoError(t, err)
	require.Len(t, approved, 1)
	assert.Equal(t, a, approved[0].ID)

	due, err := s.ListTasks(ctx, ListFilter{StartBefore: base.Add(time.Hour)})
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, a, due[0].ID)

	none, err := s.ListTasks(ctx, ListFilter{OwnerID: "carol"})
	require.NoError(t, err)
	assert.Empty(t, none)
}

func testCompareAndSwap(t *testing.T, s Backend) {
	ctx := context.Background()
	id, err := s.CreateTask(ctx, newTask("u1", 0))
	require.NoError(t, err)

	approved, err := s.UpdateStatus(ctx, id, model.StatusPending, model.StatusApproved, model.Patch{DecidedBy: "admin", At: base})
	require.NoError(t, err)
	assert.Equal(t, model.StatusApproved, approved.Status)
	assert.Equal(t, "admin", approved.DecidedBy)

	cur, err := s.UpdateStatus(ctx, id, model.StatusPending, model.StatusRejected, model.Patch{})
	assert.ErrorIs(t, err, model.ErrConflict)
	assert.Equal(t, model.StatusApproved, cur.Status)

	running, err := s.UpdateStatus(ctx, id, model.StatusApproved, model.StatusRunning, model.Patch{ExecutionID: "exec-1", At: base})
	require.NoError(t, err)
	assert.Equal(t, "exec-1", running.ExecutionID)
	require.NotNil(t, running.StartedAt)

	done, err := s.UpdateStatus(ctx, id, model.StatusRunning, model.StatusCompleted, model.Patch{ReportHandle: "h-1", At: base.Add(time.Hour)})
	require.NoError(t, err)
	assert.Equal(t, "h-1", done.ReportHandle)
	require.NotNil(t, done.FinishedAt)

	got, err := s.GetTask(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, model.StatusCompleted, got.Status)
	assert.Equal(t, "exec-1", got.ExecutionID)
	assert.Equal(t, "h-1", got.ReportHandle)
	assert.Equal(t, "admin", got.DecidedBy)
	require.NotNil(t, got.StartedAt)
	assert.True(t, got.StartedAt.Equal(base))
}

func testConcurrentCAS(t *testing.T, s Backend) {
	ctx := context.Background()
	id, err := s.CreateTask(ctx, newTask("u1", 0))
	require.NoError(t, err)

	const workers = 16
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		winners int
		losers  int
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.UpdateStatus(ctx, id, model.StatusPending, model.StatusApproved, model.Patch{At: base})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				winners++
			case errors.Is(err, model.ErrConflict):
				losers++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, winners)
	assert.Equal(t, workers-1, losers)
}

func testUsers(t *testing.T, s Backend) {
	ctx := context.Background()
	n, err := s.CountUsers(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	u := model.User{ID: "u-1", Username: "alice", PasswordHash: "hash", Role: model.RoleAdmin, CreatedAt: base}
	require.NoError(t, s.CreateUser(ctx, u))
	assert.ErrorIs(t, s.CreateUser(ctx, u), model.ErrConflict)

	got, err := s.FindUser(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, "u-1", got.ID)
	assert.Equal(t, "hash", got.PasswordHash)
	assert.Equal(t, model.RoleAdmin, got.Role)

	_, err = s.FindUser(ctx, "bob")
	assert.ErrorIs(t, err, model.ErrNotFound)

	n, err = s.CountUsers(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func testFirstUser(t *testing.T, s Backend) {
	ctx := context.Background()
	const workers = 8
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		winners []string
		losers  int
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			name := fmt.Sprintf("admin-%d", i)
			err := s.CreateFirstUser(ctx, model.User{ID: name, Username: name, PasswordHash: "hash", Role: model.RoleAdmin, CreatedAt: base})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				winners = append(winners, name)
			case errors.Is(err, model.ErrConflict):
				losers++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()
	require.Len(t, winners, 1)
	assert.Equal(t, workers-1, losers)

	n, err := s.CountUsers(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	got, err := s.FindUser(ctx, winners[0])
	require.NoError(t, err)
	assert.Equal(t, model.RoleAdmin, got.Role)

	late := model.User{ID: "late", Username: "late", PasswordHash: "hash", Role: model.RoleAdmin, CreatedAt: base}
	assert.ErrorIs(t, s.CreateFirstUser(ctx, late), model.ErrConflict)
	require.NoError(t, s.CreateUser(ctx, late))
}

// A random sequence of CAS attempts never produces an illegal transition and
// the stored status always equals the last successful swap.
func TestCASFollowsStatusGraph(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		ctx := context.Background()
		s := NewMemoryStore()
		id, err := s.CreateTask(ctx, newTask("u1", 0))
		if err != nil {
			rt.Fatal(err)
		}
		want := model.StatusPending
		steps := rapid.IntRange(1, 20).Draw(rt, "steps")
		for i := 0; i < steps; i++ {
			expected := rapid.SampledFrom(model.Statuses).Draw(rt, "expected")
			next := rapid.SampledFrom(model.Statuses).Draw(rt, "next")
			if !model.CanTransition(expected, next) {
				continue
			}
			_, err := s.UpdateStatus(ctx, id, expected, next, model.Patch{At: base})
			if expected == want {
				if err != nil {
					rt.Fatalf("swap %s->%s failed: %v", expected, next, err)
				}
				want = next
			} else if !errors.Is(err, model.ErrConflict) {
				rt.Fatalf("swap from stale %s should conflict, got %v", expected, err)
			}
		}
		got, err := s.GetTask(ctx, id)
		if err != nil {
			rt.Fatal(err)
		}
		if got.Status != want {
			rt.Fatalf("stored %s, want %s", got.Status, want)
		}
	})
}

func TestKVTaskCarriesSeq(t *testing.T) {
	task := newTask("u1", 0)
	task.ID = "t-1"
	task.Seq = 42
	doc, err := encodeTask(task)
	require.NoError(t, err)
	assert.Contains(t, string(doc), `"seq":42`)
	assert.Contains(t, string(doc), `"status":"pending"`)

	got, err := decodeTask(doc)
	require.NoError(t, err)
	assert.Equal(t, int64(42), got.Seq)
	assert.Equal(t, "t-1", got.ID)
}

func TestKVUserKeepsPasswordHash(t *testing.T) {
	doc, err := encodeUser(model.User{ID: "1", Username: "a", PasswordHash: "h", Role: model.RoleUser})
	require.NoError(t, err)
	got, err := decodeUser(doc)
	require.NoError(t, err)
	assert.Equal(t, "h", got.PasswordHash)
	assert.Equal(t, model.RoleUser, got.Role)
}

func TestGormRecordRoundTrip(t *testing.T) {
	task := newTask("u1", 0)
	task.ID = "t-1"
	task.Seq = 7
	task.Status = model.StatusRunning
	task.ExecutionID = "e"
	started := base.Add(time.Minute)
	task.StartedAt = &started
	assert.Equal(t, task, recordFromTask(task).toTask())
	assert.Equal(t, "load_tests", taskRecord{}.TableName())
}
