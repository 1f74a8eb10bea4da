package journal

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reqdesk/reqdesk/internal/domain"
	"github.com/reqdesk/reqdesk/internal/store"
)

var columns = []string{
	"id", "kind", "entity_id", "reference_id", "action", "from_status", "to_status", "actor", "payload", "created_at",
}

func newMockJournal(t *testing.T) (*Journal, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return New(sqlx.NewDb(db, "postgres"), nil), mock
}

func statusChange() store.Change {
	return store.Change{
		Kind:        domain.KindEpic,
		Action:      store.ActionStatusChanged,
		ID:          "e-1",
		ReferenceID: "EP-001",
		Before:      domain.Epic{BaseEntity: domain.BaseEntity{ID: "e-1"}, Status: domain.StatusInProgress},
		After:       domain.Epic{BaseEntity: domain.BaseEntity{ID: "e-1"}, Status: domain.StatusDone},
		Actor:       "u-1",
		At:          time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestFromChange(t *testing.T) {
	e := FromChange(statusChange())
	assert.Equal(t, "epic", e.Kind)
	assert.Equal(t, "status_changed", e.Action)
	assert.Equal(t, "In Progress", e.FromStatus)
	assert.Equal(t, "Done", e.ToStatus)
	assert.Equal(t, "u-1", e.Actor)
	assert.Contains(t, e.Payload.String(), `"status":"Done"`)

	deleted := FromChange(store.Change{Kind: domain.KindEpic, Action: store.ActionDeleted, ID: "e-1"})
	assert.Nil(t, deleted.Payload)
	assert.False(t, deleted.CreatedAt.IsZero())
}

func TestOnChange_RecordsMutations(t *testing.T) {
	j, mock := newMockJournal(t)

	mock.ExpectExec("INSERT INTO reqdesk_changes").
		WithArgs("epic", "e-1", "EP-001", "status_changed", "In Progress", "Done", "u-1", sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))

	j.OnChange(context.Background(), statusChange())
	// Synced state is not a mutation and is not written.
	j.OnChange(context.Background(), store.Change{Kind: domain.KindEpic, Action: store.ActionSynced, ID: "e-1"})

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRecord_Error(t *testing.T) {
	j, mock := newMockJournal(t)
	mock.ExpectExec("INSERT INTO reqdesk_changes").WillReturnError(errors.New("relation does not exist"))

	err := j.Record(context.Background(), FromChange(statusChange()))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "relation does not exist")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestHistory(t *testing.T) {
	j, mock := newMockJournal(t)
	at := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	mock.ExpectQuery("SELECT (.+) FROM reqdesk_changes").
		WithArgs("epic", "e-1").
		WillReturnRows(sqlmock.NewRows(columns).
			AddRow(2, "epic", "e-1", "EP-001", "status_changed", "In Progress", "Done", "u-1", []byte(`{"status":"Done"}`), at.Add(time.Minute)).
			AddRow(1, "epic", "e-1", "EP-001", "created", "", "Draft", "u-1", []byte(`null`), at))

	entries, err := j.History(context.Background(), domain.KindEpic, "e-1")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, int64(2), entries[0].ID)
	assert.Equal(t, "Done", entries[0].ToStatus)
	assert.Equal(t, "created", entries[1].Action)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRecent_DefaultsLimit(t *testing.T) {
	j, mock := newMockJournal(t)
	mock.ExpectQuery("SELECT (.+) FROM reqdesk_changes").
		WithArgs(50).
		WillReturnRows(sqlmock.NewRows(columns))

	entries, err := j.Recent(context.Background(), 0)
	require.NoError(t, err)
	assert.Empty(t, entries)
	require.NoError(t, mock.ExpectationsWereMet())
}
