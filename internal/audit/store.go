package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// Store is the embedded event database under the audit directory. It is
// separate from the application database so audit retention and backup can
// be managed independently.
type Store struct {
	db *sql.DB
}

const storeSchema = `
CREATE TABLE IF NOT EXISTS audit_events (
	id               TEXT PRIMARY KEY,
	timestamp        TIMESTAMP NOT NULL,
	event_type       TEXT NOT NULL,
	level            TEXT NOT NULL,
	user_id          TEXT,
	session_id       TEXT,
	ip_address       TEXT,
	user_agent       TEXT,
	resource         TEXT,
	action           TEXT NOT NULL,
	details          TEXT,
	success          INTEGER NOT NULL,
	risk_score       INTEGER NOT NULL,
	compliance_flags TEXT,
	category         TEXT,
	data_hash        TEXT,
	response_time_ms INTEGER,
	error_message    TEXT
);
CREATE INDEX IF NOT EXISTS idx_audit_timestamp ON audit_events (timestamp);
CREATE INDEX IF NOT EXISTS idx_audit_user ON audit_events (user_id);
CREATE INDEX IF NOT EXISTS idx_audit_type ON audit_events (event_type);
CREATE INDEX IF NOT EXISTS idx_audit_risk ON audit_events (risk_score);
`

// OpenStore opens (or creates) the audit database at path.
func OpenStore(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open audit db: %w", err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(storeSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init audit schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the database handle.
func (st *Store) Close() error { return st.db.Close() }

// Insert persists one event.
func (st *Store) Insert(ctx context.Context, ev *Event) error {
	details, err := json.Marshal(ev.Details)
	if err != nil {
		return fmt.Errorf("marshal details: %w", err)
	}
	flags, err := json.Marshal(ev.ComplianceFlags)
	if err != nil {
		return fmt.Errorf("marshal compliance flags: %w", err)
	}
	_, err = st.db.ExecContext(ctx, `
		INSERT INTO audit_events (id, timestamp, event_type, level, user_id, session_id,
			ip_address, user_agent, resource, action, details, success, risk_score,
			compliance_flags, category, data_hash, response_time_ms, error_message)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, ev.ID, ev.Timestamp.UTC(), ev.Type, ev.Level, ev.UserID, ev.SessionID,
		ev.IPAddress, ev.UserAgent, ev.Resource, ev.Action, string(details), ev.Success,
		ev.RiskScore, string(flags), ev.Category, ev.DataHash, ev.ResponseTimeMS, ev.ErrorMessage)
	if err != nil {
		return fmt.Errorf("insert audit event: %w", err)
	}
	return nil
}

// EventFilter narrows ListEvents. A zero Limit takes the default page of
// 100; a negative Limit returns every matching event.
type EventFilter struct {
	Type    EventType
	MinRisk int
	UserID  string
	Since   time.Time
	Limit   int
}

// ListEvents returns matching events, newest first.
func (st *Store) ListEvents(ctx context.Context, f EventFilter) ([]*Event, error) {
	query := `
		SELECT id, timestamp, event_type, level, user_id, session_id, ip_address,
			user_agent, resource, action, details, success, risk_score,
			compliance_flags, category, data_hash, response_time_ms, error_message
		FROM audit_events WHERE 1=1`
	var args []any
	if f.Type != "" {
		query += " AND event_type = ?"
		args = append(args, f.Type)
	}
	if f.MinRisk > 0 {
		query += " AND risk_score >= ?"
		args = append(args, f.MinRisk)
	}
	if f.UserID != "" {
		query += " AND user_id = ?"
		args = append(args, f.UserID)
	}
	if !f.Since.IsZero() {
		query += " AND timestamp >= ?"
		args = append(args, f.Since.UTC())
	}
	query += " ORDER BY timestamp DESC, id DESC"
	if f.Limit >= 0 {
		limit := f.Limit
		if limit == 0 || limit > 1000 {
			limit = 100
		}
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := st.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list audit events: %w", err)
	}
	defer rows.Close()

	var out []*Event
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

func scanEvent(rows *sql.Rows) (*Event, error) {
	var ev Event
	var details, flags sql.NullString
	var userID, sessionID, ip, ua, resource, category, hash, errMsg sql.NullString
	err := rows.Scan(&ev.ID, &ev.Timestamp, &ev.Type, &ev.Level, &userID, &sessionID,
		&ip, &ua, &resource, &ev.Action, &details, &ev.Success, &ev.RiskScore,
		&flags, &category, &hash, &ev.ResponseTimeMS, &errMsg)
	if err != nil {
		return nil, fmt.Errorf("scan audit event: %w", err)
	}
	ev.UserID = userID.String
	ev.SessionID = sessionID.String
	ev.IPAddress = ip.String
	ev.UserAgent = ua.String
	ev.Resource = resource.String
	ev.Category = category.String
	ev.DataHash = hash.String
	ev.ErrorMessage = errMsg.String
	if details.Valid && details.String != "" && details.String != "null" {
		if err := json.Unmarshal([]byte(details.String), &ev.Details); err != nil {
			return nil, fmt.Errorf("unmarshal details: %w", err)
		}
	}
	if flags.Valid && flags.String != "" && flags.String != "null" {
		if err := json.Unmarshal([]byte(flags.String), &ev.ComplianceFlags); err != nil {
			return nil, fmt.Errorf("unmarshal compliance flags: %w", err)
		}
	}
	return &ev, nil
}

// Stats aggregates the store into realtime counters. Uptime and drop counts
// are filled in by the pipeline.
func (st *Store) Stats(ctx context.Context) (RealtimeStats, error) {
	var s RealtimeStats
	err := st.db.QueryRowContext(ctx, `
		SELECT COUNT(*),
			COALESCE(SUM(CASE WHEN risk_score >= ? THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN risk_score >= ? AND risk_score < ? THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN risk_score < ? THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN category != '' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN compliance_flags != '' AND compliance_flags != 'null' AND compliance_flags != '[]' THEN 1 ELSE 0 END), 0),
			COALESCE(AVG(risk_score), 0)
		FROM audit_events
	`, highRiskFloor, mediumRiskFloor, highRiskFloor, mediumRiskFloor).Scan(
		&s.TotalEvents, &s.HighRiskEvents, &s.MediumRiskEvents, &s.LowRiskEvents,
		&s.FinancialEvents, &s.ComplianceViolations, &s.AvgRiskScore)
	if err != nil {
		return RealtimeStats{}, fmt.Errorf("aggregate audit stats: %w", err)
	}
	return s, nil
}
