package outbox_test

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/angelmondragon/backoffice-core/pkg/config"
	"github.com/angelmondragon/backoffice-core/pkg/db"
	"github.com/angelmondragon/backoffice-core/pkg/migrate"
	"github.com/angelmondragon/backoffice-core/pkg/outbox"
)

const testDatabaseURLEnv = "BACKOFFICE_TEST_DATABASE_URL"

// newPostgresRepo migrates the database named by BACKOFFICE_TEST_DATABASE_URL and
// empties the outbox tables, or skips the test.
func newPostgresRepo(t *testing.T) *outbox.Repository {
	t.Helper()
	dsn := os.Getenv(testDatabaseURLEnv)
	if dsn == "" {
		t.Skipf("%s not set", testDatabaseURLEnv)
	}
	ctx := context.Background()
	client, err := db.New(ctx, config.DBConfig{
		DSN:          dsn,
		Driver:       config.DBDriverPostgres,
		MaxOpenConns: 8,
		MaxIdleConns: 8,
	}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	sqlDB, err := client.DB().DB()
	require.NoError(t, err)
	migrator, err := migrate.NewMigrator(sqlDB, config.DBDriverPostgres, migrate.EmbeddedFS())
	require.NoError(t, err)
	_, err = migrator.Up(ctx)
	require.NoError(t, err)

	truncate := func() {
		require.NoError(t, client.DB().Exec("TRUNCATE outbox_dlq, outbox_events").Error)
	}
	truncate()
	t.Cleanup(truncate)
	return outbox.NewRepository(client.DB(), clockwork.NewFakeClockAt(epoch))
}

func TestPostgresConcurrentClaimersGetDisjointSets(t *testing.T) {
	repo := newPostgresRepo(t)
	ctx := context.Background()
	for i := 0; i < 10; i++ {
		insertEvent(t, repo, "invoice.issued", epoch)
	}

	var (
		mu    sync.Mutex
		seen  = map[uuid.UUID]string{}
		dupes []uuid.UUID
		wg    sync.WaitGroup
		start = make(chan struct{})
	)
	for _, worker := range []string{"worker-a", "worker-b"} {
		for i := 0; i < 4; i++ {
			wg.Add(1)
			go func(worker string) {
				defer wg.Done()
				<-start
				for {
					claimed, err := repo.ClaimPending(ctx, 2, worker, time.Minute)
					if err != nil {
						t.Errorf("claim: %v", err)
						return
					}
					if len(claimed) == 0 {
						return
					}
					mu.Lock()
					for _, event := range claimed {
						if _, ok := seen[event.ID]; ok {
							dupes = append(dupes, event.ID)
						}
						seen[event.ID] = worker
					}
					mu.Unlock()
				}
			}(worker)
		}
	}
	close(start)
	wg.Wait()

	assert.Len(t, seen, 10)
	assert.Empty(t, dupes, "an event was leased to two claimers")
	for id, worker := range seen {
		stored := load(t, repo, id)
		require.NotNil(t, stored.LockedBy)
		assert.Equal(t, worker, *stored.LockedBy)
	}
}

func TestPostgresMarkFailedWritesDeadLetterAtomically(t *testing.T) {
	repo := newPostgresRepo(t)
	ctx := context.Background()
	event := insertEvent(t, repo, "invoice.issued", epoch)

	claimed, err := repo.ClaimPending(ctx, 1, "worker-a", time.Minute)
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	res, err := repo.MarkFailed(ctx, event.ID, outbox.FailParams{WorkerID: "worker-a", Err: assert.AnError, MaxAttempts: 3})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Attempts)

	entry, err := repo.DeadLetters().FindByEventID(ctx, event.ID)
	require.NoError(t, err)
	assert.Equal(t, event.EventType, entry.EventType)

	_, err = repo.MarkFailed(ctx, event.ID, outbox.FailParams{WorkerID: "worker-a", Err: assert.AnError, MaxAttempts: 3})
	assert.ErrorIs(t, err, outbox.ErrLeaseLost, "FAILED is write-once")
}
