package operator

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	"github.com/sirupsen/logrus"

	aegiserr "github.com/aegis-sre/aegis/internal/errors"
	"github.com/aegis-sre/aegis/pkg/types"
)

// AuditEvent is one row of the incident audit trail (SPEC_FULL.md §4.6
// supplemented feature: "Postgres-backed audit trail of every incident's
// pipeline trace for compliance").
type AuditEvent struct {
	IncidentID     string    `db:"incident_id"`
	CorrelationKey string    `db:"correlation_key"`
	Resource       string    `db:"resource"`
	Stage          string    `db:"stage"`
	State          string    `db:"state"`
	Messages       string    `db:"messages"`
	SecurityReport string    `db:"security_report"`
	RecordedAt     time.Time `db:"recorded_at"`
}

// AuditStore persists AuditEvents. Flush exists for buffered
// implementations; the Postgres store writes synchronously and treats it as
// a no-op.
type AuditStore interface {
	StoreEvent(ctx context.Context, event AuditEvent) error
	Flush(ctx context.Context) error
	Close() error
}

// AuditClient builds AuditEvents from a finished pipeline run and writes
// them through the configured AuditStore, never blocking or failing the
// caller: a persistence error is logged, not propagated (spec.md §9, audit is
// an additive, best-effort concern).
type AuditClient struct {
	store  AuditStore
	logger *logrus.Logger
}

// NewAuditClient builds an AuditClient. store may be nil, in which case
// RecordPipeline is a no-op (used where no DATABASE_DSN is configured).
func NewAuditClient(store AuditStore, logger *logrus.Logger) *AuditClient {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &AuditClient{store: store, logger: logger}
}

// RecordPipeline writes one audit row capturing incident, its final pipeline
// state, and security report (if any).
func (c *AuditClient) RecordPipeline(ctx context.Context, incident types.Incident, state types.PipelineState) {
	if c.store == nil {
		return
	}

	messages, err := json.Marshal(state.Messages)
	if err != nil {
		messages = []byte("[]")
	}
	var securityReport []byte
	if state.SecurityReport != nil {
		securityReport, err = json.Marshal(state.SecurityReport)
		if err != nil {
			securityReport = []byte("{}")
		}
	} else {
		securityReport = []byte("{}")
	}

	event := AuditEvent{
		IncidentID:     incident.ID,
		CorrelationKey: incident.CorrelationKey,
		Resource:       fmt.Sprintf("%s/%s/%s", incident.Resource.Namespace, incident.Resource.Kind, incident.Resource.Name),
		Stage:          string(state.CurrentStage),
		State:          string(incident.State),
		Messages:       string(messages),
		SecurityReport: string(securityReport),
		RecordedAt:     time.Now(),
	}

	if err := c.store.StoreEvent(ctx, event); err != nil {
		c.logger.WithError(err).WithField("incident_id", incident.ID).Warn("audit event persistence failed")
	}
}

// postgresAuditStore is the production AuditStore, backed by Postgres via
// pgx's database/sql driver and queried through sqlx.
type postgresAuditStore struct {
	db *sqlx.DB
}

// NewPostgresAuditStore opens a pgx-backed connection pool for dsn and wraps
// it in sqlx. It sets QueryExecModeDescribeExec rather than pgx's default
// statement-caching mode: a goose migration run while the pool is open would
// otherwise leave cached plans pointing at a schema that no longer exists.
func NewPostgresAuditStore(ctx context.Context, dsn string) (AuditStore, error) {
	connConfig, err := pgx.ParseConfig(dsn)
	if err != nil {
		return nil, aegiserr.Wrap(err, aegiserr.ErrorTypeValidation, "parse audit database dsn")
	}
	connConfig.DefaultQueryExecMode = pgx.QueryExecModeDescribeExec

	sqlDB := stdlib.OpenDB(*connConfig)
	db := sqlx.NewDb(sqlDB, "pgx")
	if err := db.PingContext(ctx); err != nil {
		return nil, aegiserr.NewDatabaseError("ping", err)
	}

	if err := runMigrations(sqlDB); err != nil {
		db.Close()
		return nil, aegiserr.NewDatabaseError("migrate", err)
	}

	return &postgresAuditStore{db: db}, nil
}

// NewAuditStoreFromDB wraps an already-open sqlx handle (a sqlmock-backed
// one in tests) without running migrations or pinging.
func NewAuditStoreFromDB(db *sqlx.DB) AuditStore {
	return &postgresAuditStore{db: db}
}

func (s *postgresAuditStore) StoreEvent(ctx context.Context, event AuditEvent) error {
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO incident_audit_events
			(incident_id, correlation_key, resource, stage, state, messages, security_report, recorded_at)
		VALUES
			(:incident_id, :correlation_key, :resource, :stage, :state, :messages, :security_report, :recorded_at)
	`, event)
	if err != nil {
		return aegiserr.NewDatabaseError("insert audit event", err)
	}
	return nil
}

func (s *postgresAuditStore) Flush(ctx context.Context) error { return nil }

func (s *postgresAuditStore) Close() error { return s.db.Close() }
