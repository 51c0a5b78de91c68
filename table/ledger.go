package table

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/lib/pq"

	"github.com/jmoiron/sqlx"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

// Record is the Schema Ledger's (C10) persisted row for one component: the
// column layout, flags, and cluster assignment it was last installed with,
// so a later worker can tell additive evolution from a breaking change
// (§4.3).
type Record struct {
	Namespace   string `db:"namespace"`
	Component   string `db:"component"`
	BackendID   string `db:"backend_id"`
	ColumnsJSON string `db:"columns_json"`
	FlagsJSON   string `db:"flags_json"`
	ClusterID   uint64 `db:"cluster_id"`
	Version     int64  `db:"version"`
}

// Ledger is the Postgres-backed Schema Ledger (C10): a tiny table recording
// the last-installed definition of every component, so the Table Manager
// can detect schema drift across worker restarts without trusting in-memory
// state alone.
type Ledger struct {
	db *sqlx.DB
}

// OpenLedger connects to Postgres at dsn and applies the bootstrap
// migration (idempotent: the ledger table is created only if absent).
func OpenLedger(dsn string) (*Ledger, error) {
	db, err := sqlx.Connect("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("table: connect ledger: %w", err)
	}
	l := &Ledger{db: db}
	if err := l.migrate(dsn); err != nil {
		db.Close()
		return nil, err
	}
	return l, nil
}

func (l *Ledger) migrate(dsn string) error {
	src, err := iofs.New(migrationFiles, "migrations")
	if err != nil {
		return fmt.Errorf("table: load migrations: %w", err)
	}
	driver, err := postgres.WithInstance(l.db.DB, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("table: migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "postgres", driver)
	if err != nil {
		return fmt.Errorf("table: migration init: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("table: apply migrations: %w", err)
	}
	return nil
}

// Close releases the underlying connection pool.
func (l *Ledger) Close() error { return l.db.Close() }

// Get returns the ledger row for namespace.component, if one exists.
func (l *Ledger) Get(ctx context.Context, namespace, component string) (Record, bool, error) {
	var rec Record
	err := l.db.GetContext(ctx, &rec,
		`SELECT namespace, component, backend_id, columns_json, flags_json, cluster_id, version
		 FROM schema_ledger WHERE namespace = $1 AND component = $2`,
		namespace, component)
	if err == sql.ErrNoRows {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, fmt.Errorf("table: get ledger row: %w", err)
	}
	return rec, true, nil
}

// Put upserts the ledger row for rec, storing rec.Version as given.
func (l *Ledger) Put(ctx context.Context, rec Record) error {
	_, err := l.db.NamedExecContext(ctx, `
		INSERT INTO schema_ledger (namespace, component, backend_id, columns_json, flags_json, cluster_id, version, updated_at)
		VALUES (:namespace, :component, :backend_id, :columns_json, :flags_json, :cluster_id, :version, now())
		ON CONFLICT (namespace, component) DO UPDATE SET
			backend_id = EXCLUDED.backend_id,
			columns_json = EXCLUDED.columns_json,
			flags_json = EXCLUDED.flags_json,
			cluster_id = EXCLUDED.cluster_id,
			version = EXCLUDED.version,
			updated_at = now()
	`, rec)
	if err != nil {
		return fmt.Errorf("table: put ledger row: %w", err)
	}
	return nil
}
