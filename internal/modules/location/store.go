// README: Location history store backed by Postgres snapshots.
package location

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"proptrack/internal/types"
)

const historySchema = `
CREATE TABLE IF NOT EXISTS agent_location_snapshots (
    id           BIGSERIAL PRIMARY KEY,
    agent_id     TEXT             NOT NULL,
    lat          DOUBLE PRECISION NOT NULL,
    lng          DOUBLE PRECISION NOT NULL,
    accuracy_m   DOUBLE PRECISION NOT NULL,
    sampled_at   TIMESTAMPTZ      NOT NULL,
    work_status  TEXT             NOT NULL,
    recorded_at  TIMESTAMPTZ      NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS agent_location_snapshots_agent_idx
    ON agent_location_snapshots (agent_id, recorded_at DESC);`

type HistoryStore struct {
	db *pgxpool.Pool
}

func NewHistoryStore(db *pgxpool.Pool) *HistoryStore {
	return &HistoryStore{db: db}
}

func (s *HistoryStore) EnsureSchema(ctx context.Context) error {
	_, err := s.db.Exec(ctx, historySchema)
	return types.StoreError("ensure history schema", err)
}

func (s *HistoryStore) AppendSnapshot(ctx context.Context, snap Snapshot) error {
	recordedAt := snap.RecordedAt
	if recordedAt.IsZero() {
		recordedAt = time.Now()
	}
	_, err := s.db.Exec(ctx, `
        INSERT INTO agent_location_snapshots (
            agent_id, lat, lng, accuracy_m, sampled_at, work_status, recorded_at
        ) VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		string(snap.AgentID),
		snap.Position.Latitude,
		snap.Position.Longitude,
		snap.Position.AccuracyMeters,
		snap.Position.SampledAt,
		snap.WorkStatus,
		recordedAt,
	)
	return types.StoreError("append location snapshot", err)
}

// ListByAgent returns an agent's trail since the given time, newest first.
func (s *HistoryStore) ListByAgent(ctx context.Context, agentID types.ID, since time.Time, limit int) ([]Snapshot, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.Query(ctx, `
        SELECT id, agent_id, lat, lng, accuracy_m, sampled_at, work_status, recorded_at
        FROM agent_location_snapshots
        WHERE agent_id = $1 AND recorded_at >= $2
        ORDER BY recorded_at DESC
        LIMIT $3`, string(agentID), since, limit,
	)
	if err != nil {
		return nil, types.StoreError("list location snapshots", err)
	}
	defer rows.Close()

	var out []Snapshot
	for rows.Next() {
		var snap Snapshot
		var agent string
		if err := rows.Scan(
			&snap.ID, &agent,
			&snap.Position.Latitude, &snap.Position.Longitude, &snap.Position.AccuracyMeters,
			&snap.Position.SampledAt, &snap.WorkStatus, &snap.RecordedAt,
		); err != nil {
			return nil, types.StoreError("scan location snapshot", err)
		}
		snap.AgentID = types.ID(agent)
		out = append(out, snap)
	}
	if err := rows.Err(); err != nil {
		return nil, types.StoreError("iterate location snapshots", err)
	}
	return out, nil
}
