package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/haasonsaas/cortex/pkg/errs"
	"github.com/haasonsaas/cortex/pkg/models"
)

// CreateMessages appends messages in one transaction, preserving slice order
// in (created_at, id). Message history is append-only.
func (db *DB) CreateMessages(ctx context.Context, msgs []*models.Message, actor models.Actor) error {
	if len(msgs) == 0 {
		return nil
	}
	return db.withTx(ctx, func(tx *Tx) error {
		base := time.Now().UTC()
		for i, m := range msgs {
			if m.ID == "" {
				m.ID = models.NewID(models.PrefixMessage)
			}
			if !m.Role.Valid() {
				return errs.InvalidArgumentf("unknown message role %q", m.Role)
			}
			m.OrganizationID = actor.OrganizationID
			if m.CreatedAt.IsZero() {
				// Spread timestamps by a microsecond per message so the
				// (created_at, id) order matches insertion order.
				m.CreatedAt = base.Add(time.Duration(i) * time.Microsecond)
			}
			m.UpdatedAt = m.CreatedAt

			var toolCalls any
			if len(m.ToolCalls) > 0 {
				raw, err := json.Marshal(m.ToolCalls)
				if err != nil {
					return fmt.Errorf("marshal tool calls: %w", err)
				}
				toolCalls = string(raw)
			}

			if _, err := tx.exec(ctx, `
				INSERT INTO messages (id, organization_id, agent_id, step_id, role, content,
					tool_calls, tool_call_id, created_at, updated_at, is_deleted)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, FALSE)
			`, m.ID, m.OrganizationID, m.AgentID, m.StepID, string(m.Role), m.Content,
				toolCalls, m.ToolCallID, m.CreatedAt, m.UpdatedAt); err != nil {
				return fmt.Errorf("insert message: %w", err)
			}
		}
		return nil
	})
}

// GetMessage reads a single message.
func (db *DB) GetMessage(ctx context.Context, id string, actor models.Actor) (*models.Message, error) {
	row := db.queryRow(ctx, `
		SELECT id, organization_id, agent_id, step_id, role, content, tool_calls, tool_call_id, created_at, updated_at
		FROM messages WHERE id = ? AND`+orgScope, id, actor.OrganizationID)
	m, err := scanMessage(row)
	if err == sql.ErrNoRows {
		return nil, errs.NotFoundf("message %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("query message: %w", err)
	}
	return m, nil
}

// MessageFilter narrows ListMessages.
type MessageFilter struct {
	AgentID string
	Role    models.Role // optional
}

// ListMessages pages over messages in (created_at, id) order.
func (db *DB) ListMessages(ctx context.Context, actor models.Actor, filter MessageFilter, page Page) ([]*models.Message, error) {
	if page.Limit == 0 {
		return nil, nil
	}
	query := `
		SELECT id, organization_id, agent_id, step_id, role, content, tool_calls, tool_call_id, created_at, updated_at
		FROM messages WHERE` + orgScope
	args := []any{actor.OrganizationID}
	if filter.AgentID != "" {
		query += ` AND agent_id = ?`
		args = append(args, filter.AgentID)
	}
	if filter.Role != "" {
		query += ` AND role = ?`
		args = append(args, string(filter.Role))
	}

	query, args, err := db.pageClause(ctx, "messages", query, args, page)
	if err != nil {
		return nil, err
	}

	rows, err := db.query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	var msgs []*models.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// SizeMessages counts an agent's messages.
func (db *DB) SizeMessages(ctx context.Context, actor models.Actor, agentID string) (int, error) {
	query := `SELECT COUNT(*) FROM messages WHERE` + orgScope
	args := []any{actor.OrganizationID}
	if agentID != "" {
		query += ` AND agent_id = ?`
		args = append(args, agentID)
	}
	var n int
	if err := db.queryRow(ctx, query, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count messages: %w", err)
	}
	return n, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(scanner rowScanner) (*models.Message, error) {
	var (
		m         models.Message
		role      string
		toolCalls sql.NullString
	)
	if err := scanner.Scan(&m.ID, &m.OrganizationID, &m.AgentID, &m.StepID, &role, &m.Content,
		&toolCalls, &m.ToolCallID, &m.CreatedAt, &m.UpdatedAt); err != nil {
		return nil, err
	}
	m.Role = models.Role(role)
	if toolCalls.Valid && toolCalls.String != "" {
		if err := json.Unmarshal([]byte(toolCalls.String), &m.ToolCalls); err != nil {
			return nil, fmt.Errorf("unmarshal tool calls: %w", err)
		}
	}
	return &m, nil
}
