// Package sqlite provides the SQLite-backed ticket repository.
package sqlite

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"

	"github.com/DeanSCND/agentbroker/internal/ticket/models"
	"github.com/DeanSCND/agentbroker/internal/ticket/repository"
	v1 "github.com/DeanSCND/agentbroker/pkg/api/v1"
)

// Repository is the sqlx-backed implementation of repository.Repository.
type Repository struct {
	db     *sqlx.DB
	ownsDB bool
}

var _ repository.Repository = (*Repository)(nil)

// NewWithDB wraps an existing connection (shared ownership, e.g. with
// pass-through tables maintained elsewhere in the process).
func NewWithDB(db *sqlx.DB) (*Repository, error) {
	return newRepository(db, false)
}

func newRepository(db *sqlx.DB, ownsDB bool) (*Repository, error) {
	repo := &Repository{db: db, ownsDB: ownsDB}
	if err := repo.initSchema(); err != nil {
		if ownsDB {
			_ = db.Close()
		}
		return nil, fmt.Errorf("failed to initialize ticket schema: %w", err)
	}
	return repo, nil
}

func (r *Repository) Close() error {
	if !r.ownsDB {
		return nil
	}
	return r.db.Close()
}

func (r *Repository) initSchema() error {
	_, err := r.db.Exec(`
	CREATE TABLE IF NOT EXISTS tickets (
		id TEXT PRIMARY KEY,
		from_agent TEXT DEFAULT '',
		target_agent TEXT NOT NULL,
		payload TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'pending',
		metadata TEXT DEFAULT '{}',
		expect_reply INTEGER NOT NULL DEFAULT 1,
		timeout_ms INTEGER NOT NULL DEFAULT 30000,
		retention_ms INTEGER NOT NULL DEFAULT 60000,
		response_payload TEXT DEFAULT '',
		response_metadata TEXT DEFAULT '{}',
		responded_at TIMESTAMP,
		delivered_at TIMESTAMP,
		error_message TEXT DEFAULT '',
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_tickets_target_status ON tickets(target_agent, status);
	CREATE INDEX IF NOT EXISTS idx_tickets_status ON tickets(status);
	CREATE INDEX IF NOT EXISTS idx_tickets_updated_at ON tickets(updated_at);

	CREATE TABLE IF NOT EXISTS bootstrap_history (
		id TEXT PRIMARY KEY,
		agent_id TEXT NOT NULL,
		mode TEXT NOT NULL,
		started_at TIMESTAMP NOT NULL,
		completed_at TIMESTAMP,
		success INTEGER NOT NULL DEFAULT 0,
		files_loaded TEXT DEFAULT '[]',
		context_size INTEGER DEFAULT 0,
		duration_ms INTEGER DEFAULT 0,
		error_message TEXT DEFAULT ''
	);
	CREATE INDEX IF NOT EXISTS idx_bootstrap_history_agent ON bootstrap_history(agent_id, started_at DESC);

	CREATE TABLE IF NOT EXISTS compaction_metrics (
		agent_id TEXT PRIMARY KEY,
		conversation_turns INTEGER NOT NULL DEFAULT 0,
		total_tokens INTEGER NOT NULL DEFAULT 0,
		error_count INTEGER NOT NULL DEFAULT 0,
		confusion_count INTEGER NOT NULL DEFAULT 0,
		avg_response_time REAL NOT NULL DEFAULT 0,
		measured_at TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS projects (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		working_dir TEXT DEFAULT '',
		created_at TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS agent_configs (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		role TEXT DEFAULT '',
		bootstrap_mode TEXT DEFAULT 'auto',
		config TEXT DEFAULT '{}',
		created_at TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS teams (
		id TEXT PRIMARY KEY,
		project_id TEXT NOT NULL REFERENCES projects(id),
		name TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_teams_project ON teams(project_id);

	CREATE TABLE IF NOT EXISTS team_runs (
		id TEXT PRIMARY KEY,
		team_id TEXT NOT NULL REFERENCES teams(id),
		status TEXT NOT NULL DEFAULT 'pending',
		started_at TIMESTAMP,
		completed_at TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_team_runs_team ON team_runs(team_id);
	`)
	return err
}

type ticketRow struct {
	ID             string    `db:"id"`
	FromAgent      string    `db:"from_agent"`
	TargetAgent    string    `db:"target_agent"`
	Payload        string    `db:"payload"`
	Status         string    `db:"status"`
	Metadata       string    `db:"metadata"`
	ExpectReply    int       `db:"expect_reply"`
	TimeoutMs      int64     `db:"timeout_ms"`
	RetentionMs    int64     `db:"retention_ms"`
	ResponsePay    string    `db:"response_payload"`
	ResponseMeta   string    `db:"response_metadata"`
	RespondedAt    *time.Time `db:"responded_at"`
	DeliveredAt    *time.Time `db:"delivered_at"`
	ErrorMessage   string    `db:"error_message"`
	CreatedAt      time.Time `db:"created_at"`
	UpdatedAt      time.Time `db:"updated_at"`
}

func (r *Repository) Save(ctx context.Context, t *models.Ticket) error {
	payloadJSON, err := json.Marshal(t.Payload)
	if err != nil {
		return fmt.Errorf("failed to serialize payload: %w", err)
	}
	metaJSON := "{}"
	if t.Metadata != nil {
		b, err := json.Marshal(t.Metadata)
		if err != nil {
			return fmt.Errorf("failed to serialize metadata: %w", err)
		}
		metaJSON = string(b)
	}
	expectReply := 0
	if t.ExpectReply {
		expectReply = 1
	}

	_, err = r.db.ExecContext(ctx, r.db.Rebind(`
		INSERT INTO tickets (id, from_agent, target_agent, payload, status, metadata, expect_reply, timeout_ms, retention_ms, error_message, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`), t.ID, t.OriginAgent, t.TargetAgent, string(payloadJSON), string(t.Status), metaJSON, expectReply, t.TimeoutMs, t.RetentionMs, t.ErrorMsg, t.CreatedAt, t.UpdatedAt)
	return err
}

func (r *Repository) Get(ctx context.Context, id string) (*models.Ticket, error) {
	var row ticketRow
	err := r.db.GetContext(ctx, &row, r.db.Rebind(`
		SELECT id, from_agent, target_agent, payload, status, metadata, expect_reply, timeout_ms, retention_ms,
			response_payload, response_metadata, responded_at, delivered_at, error_message, created_at, updated_at
		FROM tickets WHERE id = ?
	`), id)
	if err != nil {
		return nil, translateNotFound(err)
	}
	return rowToTicket(&row)
}

func (r *Repository) UpdateStatus(ctx context.Context, id string, status v1.TicketStatus) error {
	res, err := r.db.ExecContext(ctx, r.db.Rebind(`UPDATE tickets SET status = ?, updated_at = ? WHERE id = ?`),
		string(status), time.Now().UTC(), id)
	if err != nil {
		return err
	}
	return checkAffected(res)
}

func (r *Repository) MarkDelivered(ctx context.Context, id string, at time.Time) error {
	res, err := r.db.ExecContext(ctx, r.db.Rebind(`
		UPDATE tickets SET status = ?, delivered_at = ?, updated_at = ? WHERE id = ?
	`), string(v1.TicketDelivered), at, at, id)
	if err != nil {
		return err
	}
	return checkAffected(res)
}

func (r *Repository) MarkResponded(ctx context.Context, id string, response *v1.Response) error {
	payloadJSON, err := json.Marshal(response.Payload)
	if err != nil {
		return fmt.Errorf("failed to serialize response payload: %w", err)
	}
	metaJSON := "{}"
	if response.Metadata != nil {
		b, err := json.Marshal(response.Metadata)
		if err != nil {
			return fmt.Errorf("failed to serialize response metadata: %w", err)
		}
		metaJSON = string(b)
	}

	res, err := r.db.ExecContext(ctx, r.db.Rebind(`
		UPDATE tickets SET status = ?, response_payload = ?, response_metadata = ?, responded_at = ?, updated_at = ?
		WHERE id = ?
	`), string(v1.TicketResponded), string(payloadJSON), metaJSON, response.At, response.At, id)
	if err != nil {
		return err
	}
	return checkAffected(res)
}

func (r *Repository) MarkError(ctx context.Context, id string, errMsg string) error {
	res, err := r.db.ExecContext(ctx, r.db.Rebind(`
		UPDATE tickets SET status = ?, error_message = ?, updated_at = ? WHERE id = ?
	`), string(v1.TicketError), errMsg, time.Now().UTC(), id)
	if err != nil {
		return err
	}
	return checkAffected(res)
}

func (r *Repository) GetPending(ctx context.Context, targetAgent string) ([]*models.Ticket, error) {
	query := `
		SELECT id, from_agent, target_agent, payload, status, metadata, expect_reply, timeout_ms, retention_ms,
			response_payload, response_metadata, responded_at, delivered_at, error_message, created_at, updated_at
		FROM tickets WHERE status = ?`
	args := []interface{}{string(v1.TicketPending)}
	if targetAgent != "*" {
		query += " AND target_agent = ?"
		args = append(args, targetAgent)
	}
	query += " ORDER BY created_at ASC"

	var rows []ticketRow
	if err := r.db.SelectContext(ctx, &rows, r.db.Rebind(query), args...); err != nil {
		return nil, err
	}
	return rowsToTickets(rows)
}

func (r *Repository) ListByStatus(ctx context.Context, status v1.TicketStatus, limit int) ([]*models.Ticket, error) {
	query := `
		SELECT id, from_agent, target_agent, payload, status, metadata, expect_reply, timeout_ms, retention_ms,
			response_payload, response_metadata, responded_at, delivered_at, error_message, created_at, updated_at
		FROM tickets WHERE status = ? ORDER BY created_at DESC`
	args := []interface{}{string(status)}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	var rows []ticketRow
	if err := r.db.SelectContext(ctx, &rows, r.db.Rebind(query), args...); err != nil {
		return nil, err
	}
	return rowsToTickets(rows)
}

func (r *Repository) CountAll(ctx context.Context) (map[v1.TicketStatus]int, error) {
	var rows []struct {
		Status string `db:"status"`
		Count  int    `db:"count"`
	}
	if err := r.db.SelectContext(ctx, &rows, `SELECT status, COUNT(*) as count FROM tickets GROUP BY status`); err != nil {
		return nil, err
	}
	counts := make(map[v1.TicketStatus]int, len(rows))
	for _, row := range rows {
		counts[v1.TicketStatus(row.Status)] = row.Count
	}
	return counts, nil
}

func (r *Repository) Cleanup(ctx context.Context, now time.Time) (int, error) {
	res, err := r.db.ExecContext(ctx, r.db.Rebind(`
		DELETE FROM tickets
		WHERE status IN (?, ?, ?)
		  AND CAST((julianday(?) - julianday(updated_at)) * 86400000 AS INTEGER) >= retention_ms
	`), string(v1.TicketResponded), string(v1.TicketTimeout), string(v1.TicketError), now)
	if err != nil {
		return 0, err
	}
	affected, _ := res.RowsAffected()
	return int(affected), nil
}

func (r *Repository) AppendBootstrapHistory(ctx context.Context, entry *v1.BootstrapHistoryEntry) error {
	filesJSON, err := json.Marshal(entry.FilesLoaded)
	if err != nil {
		return fmt.Errorf("failed to serialize files loaded: %w", err)
	}
	success := 0
	if entry.Success {
		success = 1
	}
	_, err = r.db.ExecContext(ctx, r.db.Rebind(`
		INSERT OR REPLACE INTO bootstrap_history (id, agent_id, mode, started_at, completed_at, success, files_loaded, context_size, duration_ms, error_message)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`), entry.ID, entry.AgentID, string(entry.Mode), entry.StartedAt, entry.CompletedAt, success, string(filesJSON), entry.ContextSize, entry.DurationMs, entry.ErrorMessage)
	return err
}

func (r *Repository) ListBootstrapHistory(ctx context.Context, agentID string, limit int) ([]*v1.BootstrapHistoryEntry, error) {
	query := `
		SELECT id, agent_id, mode, started_at, completed_at, success, files_loaded, context_size, duration_ms, error_message
		FROM bootstrap_history WHERE agent_id = ? ORDER BY started_at DESC`
	args := []interface{}{agentID}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := r.db.QueryContext(ctx, r.db.Rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*v1.BootstrapHistoryEntry
	for rows.Next() {
		entry := &v1.BootstrapHistoryEntry{}
		var mode, filesJSON string
		var success int
		if err := rows.Scan(&entry.ID, &entry.AgentID, &mode, &entry.StartedAt, &entry.CompletedAt, &success, &filesJSON, &entry.ContextSize, &entry.DurationMs, &entry.ErrorMessage); err != nil {
			return nil, err
		}
		entry.Mode = v1.BootstrapMode(mode)
		entry.Success = success == 1
		if filesJSON != "" {
			if err := json.Unmarshal([]byte(filesJSON), &entry.FilesLoaded); err != nil {
				return nil, fmt.Errorf("failed to deserialize files loaded: %w", err)
			}
		}
		out = append(out, entry)
	}
	return out, rows.Err()
}

func (r *Repository) SaveCompactionMetric(ctx context.Context, m *v1.CompactionMetric) error {
	_, err := r.db.ExecContext(ctx, r.db.Rebind(`
		INSERT INTO compaction_metrics (agent_id, conversation_turns, total_tokens, error_count, confusion_count, avg_response_time, measured_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(agent_id) DO UPDATE SET
			conversation_turns = excluded.conversation_turns,
			total_tokens = excluded.total_tokens,
			error_count = excluded.error_count,
			confusion_count = excluded.confusion_count,
			avg_response_time = excluded.avg_response_time,
			measured_at = excluded.measured_at
	`), m.AgentID, m.ConversationTurns, m.TotalTokens, m.ErrorCount, m.ConfusionCount, m.AvgResponseTime, m.MeasuredAt)
	return err
}

type compactionMetricRow struct {
	AgentID           string    `db:"agent_id"`
	ConversationTurns int       `db:"conversation_turns"`
	TotalTokens       int64     `db:"total_tokens"`
	ErrorCount        int       `db:"error_count"`
	ConfusionCount    int       `db:"confusion_count"`
	AvgResponseTime   float64   `db:"avg_response_time"`
	MeasuredAt        time.Time `db:"measured_at"`
}

func (r *Repository) LatestCompactionMetric(ctx context.Context, agentID string) (*v1.CompactionMetric, error) {
	var row compactionMetricRow
	err := r.db.GetContext(ctx, &row, r.db.Rebind(`
		SELECT agent_id, conversation_turns, total_tokens, error_count, confusion_count, avg_response_time, measured_at
		FROM compaction_metrics WHERE agent_id = ?
	`), agentID)
	if err != nil {
		return nil, translateNotFound(err)
	}
	return &v1.CompactionMetric{
		AgentID:           row.AgentID,
		ConversationTurns: row.ConversationTurns,
		TotalTokens:       row.TotalTokens,
		ErrorCount:        row.ErrorCount,
		ConfusionCount:    row.ConfusionCount,
		AvgResponseTime:   row.AvgResponseTime,
		MeasuredAt:        row.MeasuredAt,
	}, nil
}

func (r *Repository) ResetCompactionMetrics(ctx context.Context, agentID string) error {
	_, err := r.db.ExecContext(ctx, r.db.Rebind(`DELETE FROM compaction_metrics WHERE agent_id = ?`), agentID)
	return err
}
