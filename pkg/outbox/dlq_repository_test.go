package outbox_test

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/angelmondragon/backoffice-core/pkg/db/models"
	"github.com/angelmondragon/backoffice-core/pkg/enums"
	"github.com/angelmondragon/backoffice-core/pkg/outbox"
	"github.com/angelmondragon/backoffice-core/pkg/outbox/outboxtest"
)

func seedDLQ(t *testing.T, conn *gorm.DB, repo *outbox.DLQRepository, entry models.OutboxDLQ) models.OutboxDLQ {
	t.Helper()
	if entry.EventID == uuid.Nil {
		entry.EventID = uuid.New()
	}
	if entry.TenantID == uuid.Nil {
		entry.TenantID = uuid.New()
	}
	if entry.Payload == nil {
		entry.Payload = json.RawMessage(`{}`)
	}
	entry.CreatedAt = entry.FailedAt
	require.NoError(t, conn.Transaction(func(tx *gorm.DB) error {
		return repo.InsertTx(tx, entry)
	}))
	return entry
}

func TestDLQListFiltersAndOrders(t *testing.T) {
	conn := outboxtest.OpenSQLite(t)
	repo := outbox.NewDLQRepository(conn)
	ctx := context.Background()
	tenant := uuid.New()

	oldest := seedDLQ(t, conn, repo, models.OutboxDLQ{
		TenantID: tenant, EventType: "invoice.issued",
		ErrorReason: enums.OutboxDLQReasonMaxAttempts, FailedAt: epoch,
	})
	newest := seedDLQ(t, conn, repo, models.OutboxDLQ{
		TenantID: tenant, EventType: "invoice.issued",
		ErrorReason: enums.OutboxDLQReasonMaxAttempts, FailedAt: epoch.Add(2 * time.Minute),
	})
	seedDLQ(t, conn, repo, models.OutboxDLQ{
		EventType:   "crm.unknown",
		ErrorReason: enums.OutboxDLQReasonUnknownEventType, FailedAt: epoch.Add(time.Minute),
	})

	all, err := repo.List(ctx, outbox.DLQFilter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, newest.EventID, all[0].EventID)
	assert.Equal(t, oldest.EventID, all[2].EventID)

	byReason, err := repo.List(ctx, outbox.DLQFilter{Reason: enums.OutboxDLQReasonUnknownEventType})
	require.NoError(t, err)
	require.Len(t, byReason, 1)
	assert.Equal(t, "crm.unknown", byReason[0].EventType)

	byTenant, err := repo.List(ctx, outbox.DLQFilter{TenantID: tenant, EventType: "invoice.issued", Limit: 1})
	require.NoError(t, err)
	require.Len(t, byTenant, 1)
	assert.Equal(t, newest.EventID, byTenant[0].EventID)

	_, err = repo.List(ctx, outbox.DLQFilter{Reason: "bogus"})
	require.Error(t, err)
}

func TestDLQFindByEventIDNotFound(t *testing.T) {
	repo := outbox.NewDLQRepository(outboxtest.OpenSQLite(t))
	_, err := repo.FindByEventID(context.Background(), uuid.New())
	require.ErrorIs(t, err, outbox.ErrDLQEntryNotFound)
}

func TestDLQInsertTruncatesOnRuneBoundary(t *testing.T) {
	conn := outboxtest.OpenSQLite(t)
	repo := outbox.NewDLQRepository(conn)

	msg := strings.Repeat("a", 1023) + "é" + strings.Repeat("b", 10)
	entry := seedDLQ(t, conn, repo, models.OutboxDLQ{
		EventType:    "invoice.issued",
		ErrorReason:  enums.OutboxDLQReasonNonRetryable,
		ErrorMessage: &msg,
		FailedAt:     epoch,
	})

	stored, err := repo.FindByEventID(context.Background(), entry.EventID)
	require.NoError(t, err)
	require.NotNil(t, stored.ErrorMessage)
	assert.Len(t, *stored.ErrorMessage, 1023)
	assert.True(t, utf8.ValidString(*stored.ErrorMessage))
	assert.NotEqual(t, uuid.Nil, stored.ID)
}

func TestRepositoryExposesDeadLetters(t *testing.T) {
	repo, _, _ := newRepo(t)
	require.NotNil(t, repo.DeadLetters())
}
