package projection

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"github.com/agentbridge/bridge/bridge/event"
)

// PostgresSnapshotStore is the durable SnapshotStore backing for
// deployments that run more than one gateway process against a shared
// Postgres instance. The schema is a single table keyed by projection name;
// snapshots are upserted, never appended, since only the latest one matters.
type PostgresSnapshotStore struct {
	db *sqlx.DB
}

// NewPostgresSnapshotStore wraps an existing *sqlx.DB. Run the migrations in
// migrations/ (golang-migrate) before first use.
func NewPostgresSnapshotStore(db *sqlx.DB) *PostgresSnapshotStore {
	return &PostgresSnapshotStore{db: db}
}

type snapshotRow struct {
	Projection  string `db:"projection"`
	LastApplied string `db:"last_applied_id"`
	State       []byte `db:"state"`
}

// Save upserts the latest snapshot for a projection.
func (s *PostgresSnapshotStore) Save(projection string, lastApplied event.ID, state json.RawMessage) error {
	const q = `
		INSERT INTO projection_snapshots (projection, last_applied_id, state, updated_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (projection) DO UPDATE
		SET last_applied_id = EXCLUDED.last_applied_id,
		    state = EXCLUDED.state,
		    updated_at = now()`
	_, err := s.db.Exec(q, projection, string(lastApplied), []byte(state))
	if err != nil {
		return fmt.Errorf("projection: save snapshot %s: %w", projection, err)
	}
	return nil
}

// Load fetches the latest snapshot for a projection, if one exists.
func (s *PostgresSnapshotStore) Load(projection string) (event.ID, json.RawMessage, bool, error) {
	var row snapshotRow
	err := s.db.Get(&row, `SELECT projection, last_applied_id, state FROM projection_snapshots WHERE projection = $1`, projection)
	if err == sql.ErrNoRows {
		return "", nil, false, nil
	}
	if err != nil {
		return "", nil, false, fmt.Errorf("projection: load snapshot %s: %w", projection, err)
	}
	return event.ID(row.LastApplied), json.RawMessage(row.State), true, nil
}
