package operator

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aegis-sre/aegis/pkg/types"
)

func newMockAuditStore(t *testing.T) (AuditStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewAuditStoreFromDB(sqlx.NewDb(db, "pgx")), mock
}

func TestAuditClient_RecordPipeline_PersistsOneRow(t *testing.T) {
	store, mock := newMockAuditStore(t)
	mock.ExpectExec("INSERT INTO incident_audit_events").
		WillReturnResult(sqlmock.NewResult(0, 1))

	client := NewAuditClient(store, nil)
	incident := types.Incident{
		ID:             "inc-1",
		CorrelationKey: "abc123",
		Resource:       types.ResourceRef{Namespace: "production", Kind: "Pod", Name: "demo-api-7fbd"},
		State:          types.StateResolved,
	}
	state := types.PipelineState{CurrentStage: types.StageTerminal}
	state = state.AppendMessage(types.StageRCA, "root-cause analysis complete")

	client.RecordPipeline(context.Background(), incident, state)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAuditClient_RecordPipeline_StoreErrorDoesNotPropagate(t *testing.T) {
	store, mock := newMockAuditStore(t)
	mock.ExpectExec("INSERT INTO incident_audit_events").
		WillReturnError(assert.AnError)

	client := NewAuditClient(store, nil)

	// Persistence is best-effort: a failing store must never panic or
	// surface to the processor.
	client.RecordPipeline(context.Background(), types.Incident{ID: "inc-2"}, types.PipelineState{})

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAuditClient_NilStore_IsNoOp(t *testing.T) {
	client := NewAuditClient(nil, nil)
	client.RecordPipeline(context.Background(), types.Incident{ID: "inc-3"}, types.PipelineState{})
}
