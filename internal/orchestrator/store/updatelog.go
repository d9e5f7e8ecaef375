package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/agentdeck/agentdeck/internal/db"
	"github.com/agentdeck/agentdeck/internal/db/dialect"
	v1 "github.com/agentdeck/agentdeck/pkg/api/v1"
)

// UpdateLog is the append-only per-agent activity log. Each row stores one
// AgentUpdate envelope as JSON; seq preserves the engine's per-agent
// emission order, which timestamps alone cannot (multiple updates can land
// in the same millisecond).
type UpdateLog struct {
	pool *db.Pool
}

// NewUpdateLog creates the log and its schema if missing.
func NewUpdateLog(ctx context.Context, pool *db.Pool) (*UpdateLog, error) {
	l := &UpdateLog{pool: pool}
	if err := l.migrate(ctx); err != nil {
		return nil, err
	}
	return l, nil
}

func (l *UpdateLog) migrate(ctx context.Context) error {
	writer := l.pool.Writer()

	idColumn := "id INTEGER PRIMARY KEY AUTOINCREMENT"
	if dialect.IsPostgres(writer.DriverName()) {
		idColumn = "id BIGSERIAL PRIMARY KEY"
	}

	schema := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS agent_updates (
			%s,
			agent_id TEXT NOT NULL,
			seq BIGINT NOT NULL,
			payload TEXT NOT NULL,
			created_at TIMESTAMP NOT NULL
		)`, idColumn)
	if _, err := writer.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to create agent_updates table: %w", err)
	}

	index := `CREATE UNIQUE INDEX IF NOT EXISTS idx_agent_updates_agent_seq
		ON agent_updates (agent_id, seq)`
	if _, err := writer.ExecContext(ctx, index); err != nil {
		return fmt.Errorf("failed to create agent_updates index: %w", err)
	}
	return nil
}

// Append stores one update and returns its global row id.
func (l *UpdateLog) Append(ctx context.Context, update *v1.AgentUpdate) (int64, error) {
	payload, err := json.Marshal(update.Notification)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal notification: %w", err)
	}

	return dialect.InsertReturningID(ctx, l.pool.Writer(), `
		INSERT INTO agent_updates (agent_id, seq, payload, created_at)
		VALUES (?, ?, ?, ?)`,
		update.AgentID, update.Seq, string(payload), update.Timestamp.UTC())
}

type updateRow struct {
	AgentID   string    `db:"agent_id"`
	Seq       uint64    `db:"seq"`
	Payload   string    `db:"payload"`
	CreatedAt time.Time `db:"created_at"`
}

func (l *UpdateLog) query(ctx context.Context, q string, args ...any) ([]*v1.AgentUpdate, error) {
	reader := l.pool.Reader()

	rows, err := reader.QueryxContext(ctx, reader.Rebind(q), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query agent_updates: %w", err)
	}
	defer rows.Close()

	var out []*v1.AgentUpdate
	for rows.Next() {
		var row updateRow
		if err := rows.StructScan(&row); err != nil {
			return nil, fmt.Errorf("failed to scan update row: %w", err)
		}
		update := &v1.AgentUpdate{
			AgentID:   row.AgentID,
			Seq:       row.Seq,
			Timestamp: row.CreatedAt.UTC(),
		}
		if err := json.Unmarshal([]byte(row.Payload), &update.Notification); err != nil {
			return nil, fmt.Errorf("failed to unmarshal update payload: %w", err)
		}
		out = append(out, update)
	}
	return out, rows.Err()
}

// Head returns the oldest updates for an agent in seq order, at most limit
// (0 means no limit).
func (l *UpdateLog) Head(ctx context.Context, agentID string, limit int) ([]*v1.AgentUpdate, error) {
	q := `SELECT agent_id, seq, payload, created_at FROM agent_updates
		WHERE agent_id = ? ORDER BY seq ASC`
	if limit > 0 {
		return l.query(ctx, q+" LIMIT ?", agentID, limit)
	}
	return l.query(ctx, q, agentID)
}

// Tail returns the newest limit updates for an agent, in seq order.
func (l *UpdateLog) Tail(ctx context.Context, agentID string, limit int) ([]*v1.AgentUpdate, error) {
	if limit <= 0 {
		return l.Head(ctx, agentID, 0)
	}
	newestFirst, err := l.query(ctx, `
		SELECT agent_id, seq, payload, created_at FROM agent_updates
		WHERE agent_id = ? ORDER BY seq DESC LIMIT ?`, agentID, limit)
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(newestFirst)-1; i < j; i, j = i+1, j-1 {
		newestFirst[i], newestFirst[j] = newestFirst[j], newestFirst[i]
	}
	return newestFirst, nil
}

// ByType returns an agent's updates of one notification type in seq order,
// filtering on the JSON payload.
func (l *UpdateLog) ByType(ctx context.Context, agentID string, typ v1.NotificationType) ([]*v1.AgentUpdate, error) {
	reader := l.pool.Reader()
	q := fmt.Sprintf(`
		SELECT agent_id, seq, payload, created_at FROM agent_updates
		WHERE agent_id = ? AND %s = ? ORDER BY seq ASC`,
		dialect.JSONExtract(reader.DriverName(), "payload", "type"))
	return l.query(ctx, q, agentID, string(typ))
}

// DeleteAgent removes every update for an agent.
func (l *UpdateLog) DeleteAgent(ctx context.Context, agentID string) error {
	writer := l.pool.Writer()
	_, err := writer.ExecContext(ctx,
		writer.Rebind(`DELETE FROM agent_updates WHERE agent_id = ?`), agentID)
	return err
}
