package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vigil-io/vigil/internal/monitor"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newSQLiteStore(t *testing.T) monitor.Store {
	t.Helper()

	if testing.Short() {
		t.Skip("skipping SQLite integration test in short mode")
	}

	path := filepath.Join(t.TempDir(), "vigil.db")

	conn, err := NewConnection(NewConfig(path), testLogger())
	require.NoError(t, err)

	store, err := NewStore(conn, testLogger())
	require.NoError(t, err)

	t.Cleanup(func() { _ = store.Close() })

	return store
}

func newMemStore(t *testing.T) monitor.Store {
	t.Helper()

	store := NewMemoryStore()
	t.Cleanup(func() { _ = store.Close() })

	return store
}

// backends runs a subtest against every store implementation, which keeps the
// in-memory store honest about the SQL store's contract.
func backends(t *testing.T, test func(t *testing.T, store monitor.Store)) {
	t.Helper()

	t.Run("sqlite", func(t *testing.T) { test(t, newSQLiteStore(t)) })
	t.Run("memory", func(t *testing.T) { test(t, newMemStore(t)) })
}

func addService(t *testing.T, store monitor.Store, name string) monitor.Service {
	t.Helper()

	service := monitor.Service{Name: name}
	require.NoError(t, store.AddService(context.Background(), &service))
	require.NotZero(t, service.ID)

	return service
}

func addCheck(t *testing.T, store monitor.Store, serviceID, nextCheckTime int64) monitor.Check {
	t.Helper()

	check := monitor.Check{
		ServiceID:     serviceID,
		Name:          fmt.Sprintf("check-%d", nextCheckTime),
		Kind:          monitor.KindHTTP,
		Target:        "https://example.com/health",
		Interval:      60,
		NextCheckTime: nextCheckTime,
	}
	require.NoError(t, store.AddCheck(context.Background(), &check))
	require.NotZero(t, check.ID)

	return check
}

func TestCheckRoundTrip(t *testing.T) {
	backends(t, func(t *testing.T, store monitor.Store) {
		ctx := context.Background()
		service := addService(t, store, "web")

		check := monitor.Check{
			ServiceID:     service.ID,
			Name:          "api health",
			Kind:          monitor.KindJSONHTTP,
			Target:        "https://example.com/metrics",
			Interval:      300,
			Disabled:      true,
			Data:          json.RawMessage(`{"timeout":5,"thresholds":[{"path":"$.load","op":"<","value":10}]}`),
			NextCheckTime: 1000,
		}
		require.NoError(t, store.AddCheck(ctx, &check))

		got, err := store.GetCheck(ctx, check.ID)
		require.NoError(t, err)

		assert.Equal(t, check.Name, got.Name)
		assert.Equal(t, monitor.KindJSONHTTP, got.Kind)
		assert.Equal(t, check.Target, got.Target)
		assert.Equal(t, int64(300), got.Interval)
		assert.True(t, got.Disabled)
		assert.JSONEq(t, string(check.Data), string(got.Data))
		assert.Equal(t, monitor.CheckIdle, got.Status)
		assert.Equal(t, int64(1000), got.NextCheckTime)
		assert.NotZero(t, got.CreatedAt)

		got.Name = "renamed"
		got.Disabled = false
		require.NoError(t, store.UpdateCheck(ctx, got))

		updated, err := store.GetCheck(ctx, check.ID)
		require.NoError(t, err)
		assert.Equal(t, "renamed", updated.Name)
		assert.False(t, updated.Disabled)

		require.NoError(t, store.DeleteCheck(ctx, check.ID))

		_, err = store.GetCheck(ctx, check.ID)
		assert.ErrorIs(t, err, monitor.ErrCheckNotFound)
	})
}

func TestServiceCRUD(t *testing.T) {
	backends(t, func(t *testing.T, store monitor.Store) {
		ctx := context.Background()

		service := addService(t, store, "mail")

		got, err := store.GetService(ctx, service.ID)
		require.NoError(t, err)
		assert.Equal(t, "mail", got.Name)

		services, err := store.ListServices(ctx)
		require.NoError(t, err)
		assert.Len(t, services, 1)

		require.NoError(t, store.DeleteService(ctx, service.ID))

		_, err = store.GetService(ctx, service.ID)
		assert.ErrorIs(t, err, monitor.ErrServiceNotFound)

		err = store.DeleteService(ctx, service.ID)
		assert.ErrorIs(t, err, monitor.ErrServiceNotFound)
	})
}

func TestListDueClaimsAtomically(t *testing.T) {
	backends(t, func(t *testing.T, store monitor.Store) {
		ctx := context.Background()
		service := addService(t, store, "web")

		first := addCheck(t, store, service.ID, 50)
		second := addCheck(t, store, service.ID, 100)
		future := addCheck(t, store, service.ID, 5000)

		disabled := monitor.Check{
			ServiceID: service.ID,
			Name:      "disabled",
			Kind:      monitor.KindHTTP,
			Interval:  60,
			Disabled:  true,
		}
		require.NoError(t, store.AddCheck(ctx, &disabled))

		now := int64(1000)

		due, err := store.ListDue(ctx, now, 10)
		require.NoError(t, err)
		require.Len(t, due, 2)

		// Ordered by next_check_time, marked processing, stamped.
		assert.Equal(t, first.ID, due[0].ID)
		assert.Equal(t, second.ID, due[1].ID)

		for _, check := range due {
			assert.Equal(t, monitor.CheckProcessing, check.Status)
			assert.Equal(t, now, check.ProcessingStartedAt)
		}

		// A second call sees nothing: the claimed checks are processing and
		// the rest are not due.
		again, err := store.ListDue(ctx, now, 10)
		require.NoError(t, err)
		assert.Empty(t, again)

		got, err := store.GetCheck(ctx, future.ID)
		require.NoError(t, err)
		assert.Equal(t, monitor.CheckIdle, got.Status)
	})
}

func TestListDueHonorsLimit(t *testing.T) {
	backends(t, func(t *testing.T, store monitor.Store) {
		ctx := context.Background()
		service := addService(t, store, "web")

		for i := int64(1); i <= 5; i++ {
			addCheck(t, store, service.ID, i)
		}

		due, err := store.ListDue(ctx, 100, 3)
		require.NoError(t, err)
		assert.Len(t, due, 3)

		rest, err := store.ListDue(ctx, 100, 10)
		require.NoError(t, err)
		assert.Len(t, rest, 2)

		for _, check := range due {
			for _, other := range rest {
				assert.NotEqual(t, check.ID, other.ID)
			}
		}
	})
}

func TestConcurrentListDueReturnsDisjointSets(t *testing.T) {
	backends(t, func(t *testing.T, store monitor.Store) {
		ctx := context.Background()
		service := addService(t, store, "web")

		const total = 40

		for i := int64(0); i < total; i++ {
			addCheck(t, store, service.ID, i)
		}

		const workers = 4

		var (
			mu      sync.Mutex
			claimed = make(map[int64]int)
			wg      sync.WaitGroup
		)

		for w := 0; w < workers; w++ {
			wg.Add(1)

			go func() {
				defer wg.Done()

				for {
					due, err := store.ListDue(ctx, total, 7)
					if !assert.NoError(t, err) {
						return
					}

					if len(due) == 0 {
						return
					}

					mu.Lock()
					for _, check := range due {
						claimed[check.ID]++
					}
					mu.Unlock()
				}
			}()
		}

		wg.Wait()

		assert.Len(t, claimed, total)

		for id, count := range claimed {
			assert.Equal(t, 1, count, "check %d claimed more than once", id)
		}
	})
}

func TestRecordExecutionIsAtomic(t *testing.T) {
	backends(t, func(t *testing.T, store monitor.Store) {
		ctx := context.Background()
		service := addService(t, store, "web")
		check := addCheck(t, store, service.ID, 0)

		due, err := store.ListDue(ctx, 10, 10)
		require.NoError(t, err)
		require.Len(t, due, 1)

		result := monitor.OKResult(check.ID, map[string]any{"status_code": float64(200)})
		result.CreatedAt = 123

		require.NoError(t, store.RecordExecution(ctx, result, 700))
		assert.NotZero(t, result.ID)

		got, err := store.GetCheck(ctx, check.ID)
		require.NoError(t, err)
		assert.Equal(t, monitor.CheckIdle, got.Status)
		assert.Equal(t, int64(700), got.NextCheckTime)
		assert.Zero(t, got.ProcessingStartedAt)

		recent, err := store.RecentResults(ctx, check.ID, 5)
		require.NoError(t, err)
		require.Len(t, recent, 1)
		assert.Equal(t, monitor.ResultOK, recent[0].Status)
		assert.Equal(t, float64(200), recent[0].Payload["status_code"])
	})
}

func TestRecordExecutionUnknownCheck(t *testing.T) {
	backends(t, func(t *testing.T, store monitor.Store) {
		result := monitor.OKResult(9999, nil)

		err := store.RecordExecution(context.Background(), result, 100)
		assert.ErrorIs(t, err, monitor.ErrCheckNotFound)
	})
}

func TestRecentResultsNewestFirst(t *testing.T) {
	backends(t, func(t *testing.T, store monitor.Store) {
		ctx := context.Background()
		service := addService(t, store, "web")
		check := addCheck(t, store, service.ID, 0)

		for i := int64(1); i <= 7; i++ {
			result := monitor.OKResult(check.ID, nil)
			result.CreatedAt = i * 10
			require.NoError(t, store.AddResult(ctx, result))
		}

		recent, err := store.RecentResults(ctx, check.ID, 5)
		require.NoError(t, err)
		require.Len(t, recent, 5)

		assert.Equal(t, int64(70), recent[0].CreatedAt)
		assert.Equal(t, int64(30), recent[4].CreatedAt)

		for i := 1; i < len(recent); i++ {
			assert.GreaterOrEqual(t, recent[i-1].CreatedAt, recent[i].CreatedAt)
		}
	})
}

func TestDeleteResultsOlderThanKeepsNewestPerCheck(t *testing.T) {
	backends(t, func(t *testing.T, store monitor.Store) {
		ctx := context.Background()
		service := addService(t, store, "web")

		checkA := addCheck(t, store, service.ID, 1)
		checkB := addCheck(t, store, service.ID, 2)

		// checkA has only old results; its newest must survive.
		for i := int64(1); i <= 3; i++ {
			result := monitor.OKResult(checkA.ID, nil)
			result.CreatedAt = i
			require.NoError(t, store.AddResult(ctx, result))
		}

		// checkB has old and fresh results.
		for _, ts := range []int64{1, 2, 500} {
			result := monitor.OKResult(checkB.ID, nil)
			result.CreatedAt = ts
			require.NoError(t, store.AddResult(ctx, result))
		}

		deleted, err := store.DeleteResultsOlderThan(ctx, 100, 1000)
		require.NoError(t, err)
		assert.Equal(t, int64(4), deleted)

		recentA, err := store.RecentResults(ctx, checkA.ID, 10)
		require.NoError(t, err)
		require.Len(t, recentA, 1)
		assert.Equal(t, int64(3), recentA[0].CreatedAt)

		recentB, err := store.RecentResults(ctx, checkB.ID, 10)
		require.NoError(t, err)
		require.Len(t, recentB, 1)
		assert.Equal(t, int64(500), recentB[0].CreatedAt)
	})
}

func TestDeleteResultsOlderThanRespectsBatchSize(t *testing.T) {
	backends(t, func(t *testing.T, store monitor.Store) {
		ctx := context.Background()
		service := addService(t, store, "web")
		check := addCheck(t, store, service.ID, 0)

		for i := int64(1); i <= 10; i++ {
			result := monitor.OKResult(check.ID, nil)
			result.CreatedAt = i
			require.NoError(t, store.AddResult(ctx, result))
		}

		deleted, err := store.DeleteResultsOlderThan(ctx, 100, 4)
		require.NoError(t, err)
		assert.Equal(t, int64(4), deleted)

		deleted, err = store.DeleteResultsOlderThan(ctx, 100, 4)
		require.NoError(t, err)
		assert.Equal(t, int64(4), deleted)

		// Only the newest remains eligible for protection; one more batch
		// removes the last old row.
		deleted, err = store.DeleteResultsOlderThan(ctx, 100, 4)
		require.NoError(t, err)
		assert.Equal(t, int64(1), deleted)
	})
}

func TestResetProcessing(t *testing.T) {
	backends(t, func(t *testing.T, store monitor.Store) {
		ctx := context.Background()
		service := addService(t, store, "web")

		addCheck(t, store, service.ID, 0)
		addCheck(t, store, service.ID, 0)
		idle := addCheck(t, store, service.ID, 9000)

		due, err := store.ListDue(ctx, 10, 10)
		require.NoError(t, err)
		require.Len(t, due, 2)

		reset, err := store.ResetProcessing(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(2), reset)

		for _, check := range due {
			got, err := store.GetCheck(ctx, check.ID)
			require.NoError(t, err)
			assert.Equal(t, monitor.CheckIdle, got.Status)
			assert.Zero(t, got.ProcessingStartedAt)
		}

		got, err := store.GetCheck(ctx, idle.ID)
		require.NoError(t, err)
		assert.Equal(t, monitor.CheckIdle, got.Status)
	})
}

func TestClosedStoreRejectsOperations(t *testing.T) {
	backends(t, func(t *testing.T, store monitor.Store) {
		require.NoError(t, store.Close())

		_, err := store.ListDue(context.Background(), 0, 10)
		assert.ErrorIs(t, err, monitor.ErrStoreClosed)

		err = store.AddResult(context.Background(), monitor.OKResult(1, nil))
		assert.ErrorIs(t, err, monitor.ErrStoreClosed)
	})
}

func TestListChecksByService(t *testing.T) {
	backends(t, func(t *testing.T, store monitor.Store) {
		ctx := context.Background()

		web := addService(t, store, "web")
		mail := addService(t, store, "mail")

		addCheck(t, store, web.ID, 1)
		addCheck(t, store, web.ID, 2)
		addCheck(t, store, mail.ID, 3)

		webChecks, err := store.ListChecksByService(ctx, web.ID)
		require.NoError(t, err)
		assert.Len(t, webChecks, 2)

		all, err := store.ListChecks(ctx)
		require.NoError(t, err)
		assert.Len(t, all, 3)
	})
}
